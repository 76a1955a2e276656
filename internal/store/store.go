// Package store defines the persistence interfaces for the settlement engine.
// Implementations include PostgreSQL (source of truth for accounts and
// trades), Redis (shared sequence, balance read-through cache) and in-memory
// (for testing and single-process development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

var (
	// ErrSequenceEmpty is returned when the sequence has no samples yet.
	ErrSequenceEmpty = errors.New("store: sequence is empty")

	// ErrIndexNotFound is returned for an index that has not been appended yet.
	ErrIndexNotFound = errors.New("store: sequence index not yet appended")

	// ErrIndexTrimmed is returned for an index older than the retained history.
	ErrIndexTrimmed = errors.New("store: sequence index trimmed")

	// ErrAppendConflict is returned when another writer extended the sequence
	// first. Nothing was written.
	ErrAppendConflict = errors.New("store: sequence append conflict")
)

// DeltaFunc computes the new balance from the current committed balance and
// returns an arbitrary payload describing the result. Returning an error
// aborts the mutation; the error is propagated to the caller unchanged.
type DeltaFunc func(balance decimal.Decimal) (newBalance decimal.Decimal, payload any, err error)

// Ledger is the balance store adapter. ApplyDelta is the single choke point
// for every balance change in the system.
type Ledger interface {
	// EnsureAccount creates the account with a zero balance if it is absent
	// and returns the current record.
	EnsureAccount(ctx context.Context, accountID string) (*model.Account, error)

	// GetAccount returns the account or svcerr.ErrAccountNotFound.
	GetAccount(ctx context.Context, accountID string) (*model.Account, error)

	// ApplyDelta runs fn against the current balance and commits the result
	// atomically. It fails with svcerr.ErrAccountNotFound when the account
	// does not exist and svcerr.ErrInsufficientFunds when the new balance
	// would be negative; in both cases nothing is written. A non-empty
	// idempotencyKey makes the call exactly-once per (account, key): repeats
	// return the stored receipt with Replayed set and do not call fn. The
	// new balance is rounded to model.MoneyScale places before it is written
	// and returned.
	ApplyDelta(ctx context.Context, accountID, idempotencyKey string, fn DeltaFunc) (*model.Receipt, error)
}

// TradeCursor is a keyset position in (created_at, id) order. The zero value
// starts before the oldest trade.
type TradeCursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorAt returns the position of t, so the next page starts after it.
func CursorAt(t *model.Trade) TradeCursor {
	return TradeCursor{CreatedAt: t.CreatedAt, ID: t.ID}
}

// Before reports whether c sorts before t.
func (c TradeCursor) Before(t *model.Trade) bool {
	if !t.CreatedAt.Equal(c.CreatedAt) {
		return t.CreatedAt.After(c.CreatedAt)
	}
	return t.ID > c.ID
}

// Trades persists trade records. Resolve and settle writes are
// compare-and-set on their flags so concurrent observers cannot double-apply.
type Trades interface {
	CreateTrade(ctx context.Context, t *model.Trade) error

	// GetTrade returns the trade or svcerr.ErrNotFound.
	GetTrade(ctx context.Context, id string) (*model.Trade, error)

	// ListTradesByOwner returns the owner's trades, newest first.
	ListTradesByOwner(ctx context.Context, ownerID string, limit int) ([]model.Trade, error)

	// ListUnsettledTrades returns trades with settled = false that sort
	// after the cursor in (created_at, id) order, oldest first.
	ListUnsettledTrades(ctx context.Context, after TradeCursor, limit int) ([]model.Trade, error)

	// UpdateBet changes the multiplier and bet of an open trade. Fails with
	// svcerr.ErrForbidden for a non-owner and svcerr.ErrTradeResolved once
	// the trade is resolved.
	UpdateBet(ctx context.Context, id, ownerID string, multiplier int64, bet decimal.Decimal) (*model.Trade, error)

	// MarkResolved writes the resolution only if the trade is still
	// unresolved and its bet equals res.Bet. It reports whether this call
	// performed the write.
	MarkResolved(ctx context.Context, id string, res model.Resolution) (bool, error)

	// MarkSettled flips settled only if the trade is resolved and not yet
	// settled. It reports whether this call performed the write.
	MarkSettled(ctx context.Context, id string, at time.Time) (bool, error)

	// OldestUnresolvedStart returns the smallest start index among
	// unresolved trades; ok is false when there are none.
	OldestUnresolvedStart(ctx context.Context) (index int64, ok bool, err error)
}

// Store combines the account ledger and trade records kept in the
// transactional store.
type Store interface {
	Ledger
	Trades
}

// Sequence is the shared, append-only outcome series. Indices are absolute
// and survive trimming of old history.
type Sequence interface {
	// Len returns the index one past the last appended sample.
	Len(ctx context.Context) (int64, error)

	// Tail returns the last appended sample or ErrSequenceEmpty.
	Tail(ctx context.Context) (model.Tick, error)

	// At returns the sample at index.
	At(ctx context.Context, index int64) (model.Tick, error)

	// Range returns retained samples in [from, to).
	Range(ctx context.Context, from, to int64) ([]model.Tick, error)

	// AppendAt appends value at index only if Len == index, otherwise it
	// fails with ErrAppendConflict and writes nothing.
	AppendAt(ctx context.Context, index int64, value decimal.Decimal) error

	// Trim drops samples with index < before. Retained samples never change.
	Trim(ctx context.Context, before int64) error
}
