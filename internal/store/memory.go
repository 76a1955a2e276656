package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/keylock"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/svcerr"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// ApplyDelta holds a per-account lock across the read, fn and the write, so
// calls against one account are serialized while other accounts proceed.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*model.Account
	receipts map[string]model.Receipt
	trades   map[string]*model.Trade

	accountLocks keylock.Map
	now          func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*model.Account),
		receipts: make(map[string]model.Receipt),
		trades:   make(map[string]*model.Trade),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SeedAccount creates or overwrites an account with the given balance.
// Test and development helper only; production balances move through ApplyDelta.
func (s *MemoryStore) SeedAccount(id string, balance decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.accounts[id] = &model.Account{ID: id, Balance: balance, CreatedAt: now, UpdatedAt: now}
}

// --- Ledger ---

func (s *MemoryStore) EnsureAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		now := s.now()
		a = &model.Account{ID: id, Balance: decimal.Zero, CreatedAt: now, UpdatedAt: now}
		s.accounts[id] = a
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, svcerr.ErrAccountNotFound)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) ApplyDelta(ctx context.Context, id, key string, fn DeltaFunc) (*model.Receipt, error) {
	unlock := s.accountLocks.Lock(id)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	a, ok := s.accounts[id]
	var balance decimal.Decimal
	if ok {
		balance = a.Balance
	}
	prior, replay := s.receipts[receiptKey(id, key)]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, svcerr.ErrAccountNotFound)
	}
	if key != "" && replay {
		prior.Replayed = true
		return &prior, nil
	}

	newBalance, payload, err := fn(balance)
	if err != nil {
		return nil, err
	}
	newBalance = newBalance.Round(model.MoneyScale)
	if newBalance.IsNegative() {
		return nil, fmt.Errorf("account %s: %w", id, svcerr.ErrInsufficientFunds)
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	now := s.now()
	receipt := model.Receipt{
		AccountID: id,
		Key:       key,
		Balance:   newBalance,
		Payload:   raw,
		CreatedAt: now,
	}

	s.mu.Lock()
	a.Balance = newBalance
	a.UpdatedAt = now
	if key != "" {
		s.receipts[receiptKey(id, key)] = receipt
	}
	s.mu.Unlock()

	return &receipt, nil
}

// --- Trades ---

func (s *MemoryStore) CreateTrade(_ context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.trades[t.ID]; exists {
		return fmt.Errorf("trade %s already exists", t.ID)
	}
	copy := *t
	s.trades[t.ID] = &copy
	return nil
}

func (s *MemoryStore) GetTrade(_ context.Context, id string) (*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, svcerr.ErrNotFound)
	}
	copy := *t
	return &copy, nil
}

func (s *MemoryStore) ListTradesByOwner(_ context.Context, ownerID string, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.OwnerID == ownerID {
			result = append(result, *t)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return truncate(result, limit), nil
}

func (s *MemoryStore) ListUnsettledTrades(_ context.Context, after TradeCursor, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if !t.Settled && after.Before(t) {
			result = append(result, *t)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return truncate(result, limit), nil
}

func (s *MemoryStore) UpdateBet(_ context.Context, id, ownerID string, multiplier int64, bet decimal.Decimal) (*model.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, svcerr.ErrNotFound)
	}
	if t.OwnerID != ownerID {
		return nil, fmt.Errorf("trade %s: %w", id, svcerr.ErrForbidden)
	}
	if t.Resolved {
		return nil, fmt.Errorf("trade %s: %w", id, svcerr.ErrTradeResolved)
	}
	t.Multiplier = multiplier
	t.Bet = bet
	copy := *t
	return &copy, nil
}

func (s *MemoryStore) MarkResolved(_ context.Context, id string, res model.Resolution) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok {
		return false, fmt.Errorf("trade %s: %w", id, svcerr.ErrNotFound)
	}
	if t.Resolved || !t.Bet.Equal(res.Bet) {
		return false, nil
	}
	closeValue := res.CloseValue
	resolvedAt := res.ResolvedAt
	t.Resolved = true
	t.Win = res.Win
	t.Profit = res.Profit
	t.CloseValue = &closeValue
	t.ResolvedAt = &resolvedAt
	return true, nil
}

func (s *MemoryStore) MarkSettled(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok {
		return false, fmt.Errorf("trade %s: %w", id, svcerr.ErrNotFound)
	}
	if !t.Resolved {
		return false, fmt.Errorf("trade %s: %w", id, svcerr.ErrNotResolvable)
	}
	if t.Settled {
		return false, nil
	}
	t.Settled = true
	t.SettledAt = &at
	return true, nil
}

func (s *MemoryStore) OldestUnresolvedStart(_ context.Context) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		oldest int64
		found  bool
	)
	for _, t := range s.trades {
		if t.Resolved {
			continue
		}
		if !found || t.StartIndex < oldest {
			oldest = t.StartIndex
			found = true
		}
	}
	return oldest, found, nil
}

// --- helpers ---

func receiptKey(accountID, key string) string {
	return accountID + "\x00" + key
}

func encodePayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode receipt payload: %w", err)
	}
	return raw, nil
}

func truncate(trades []model.Trade, limit int) []model.Trade {
	if limit > 0 && len(trades) > limit {
		return trades[:limit]
	}
	return trades
}
