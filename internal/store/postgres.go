package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/svcerr"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Ledger ---

func (s *PostgresStore) EnsureAccount(ctx context.Context, id string) (*model.Account, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, balance, created_at, updated_at)
		 VALUES ($1, 0, now(), now())
		 ON CONFLICT (id) DO NOTHING`, id)
	if err != nil {
		return nil, classify(fmt.Errorf("ensure account %s: %w", id, err))
	}
	return s.GetAccount(ctx, id)
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	var balance string

	err := s.pool.QueryRow(ctx,
		`SELECT id, balance::TEXT, created_at, updated_at
		 FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &balance, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, svcerr.ErrAccountNotFound)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get account %s: %w", id, err))
	}

	a.Balance, _ = decimal.NewFromString(balance)
	return &a, nil
}

// ApplyDelta locks the account row (SELECT ... FOR UPDATE), checks for a
// stored receipt under the same lock, runs fn and writes the new balance and
// receipt in one transaction.
func (s *PostgresStore) ApplyDelta(ctx context.Context, id, key string, fn DeltaFunc) (*model.Receipt, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var balanceS string
	err = tx.QueryRow(ctx,
		`SELECT balance::TEXT FROM accounts WHERE id = $1 FOR UPDATE`, id).
		Scan(&balanceS)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, svcerr.ErrAccountNotFound)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("lock account %s: %w", id, err))
	}

	if key != "" {
		prior, err := getReceipt(ctx, tx, id, key)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			prior.Replayed = true
			return prior, nil
		}
	}

	balance, err := decimal.NewFromString(balanceS)
	if err != nil {
		return nil, fmt.Errorf("parse balance of %s: %w", id, err)
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

	_, err = tx.Exec(ctx,
		`UPDATE accounts SET balance = $2::NUMERIC, updated_at = now() WHERE id = $1`,
		id, newBalance.String())
	if err != nil {
		return nil, classify(fmt.Errorf("update balance %s: %w", id, err))
	}

	now := time.Now().UTC()
	if key != "" {
		_, err = tx.Exec(ctx,
			`INSERT INTO wager_receipts (account_id, key, balance, payload, created_at)
			 VALUES ($1, $2, $3::NUMERIC, $4, $5)`,
			id, key, newBalance.String(), []byte(raw), now)
		if err != nil {
			return nil, classify(fmt.Errorf("insert receipt %s/%s: %w", id, key, err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classify(fmt.Errorf("commit: %w", err))
	}

	return &model.Receipt{
		AccountID: id,
		Key:       key,
		Balance:   newBalance,
		Payload:   raw,
		CreatedAt: now,
	}, nil
}

func getReceipt(ctx context.Context, tx pgx.Tx, id, key string) (*model.Receipt, error) {
	r := model.Receipt{AccountID: id, Key: key}
	var balance string
	var payload []byte

	err := tx.QueryRow(ctx,
		`SELECT balance::TEXT, payload, created_at
		 FROM wager_receipts WHERE account_id = $1 AND key = $2`, id, key).
		Scan(&balance, &payload, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get receipt %s/%s: %w", id, key, err))
	}

	r.Balance, _ = decimal.NewFromString(balance)
	r.Payload = payload
	return &r, nil
}

// --- Trades ---

const tradeColumns = `id, owner_id, base_bet::TEXT, multiplier, bet::TEXT, direction,
	start_index, duration, open_value::TEXT, resolved, win, profit::TEXT,
	close_value::TEXT, settled, created_at, resolved_at, settled_at`

func (s *PostgresStore) CreateTrade(ctx context.Context, t *model.Trade) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (id, owner_id, base_bet, multiplier, bet, direction,
		                     start_index, duration, open_value, resolved, win, profit,
		                     settled, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5::NUMERIC, $6, $7, $8, $9::NUMERIC,
		         false, false, 0, false, $10)`,
		t.ID, t.OwnerID, t.BaseBet.String(), t.Multiplier, t.Bet.String(), string(t.Direction),
		t.StartIndex, t.Duration, t.OpenValue.String(), t.CreatedAt,
	)
	if err != nil {
		return classify(fmt.Errorf("create trade %s: %w", t.ID, err))
	}
	return nil
}

func (s *PostgresStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)
	t, err := scanTrade(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("trade %s: %w", id, svcerr.ErrNotFound)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get trade %s: %w", id, err))
	}
	return t, nil
}

func (s *PostgresStore) ListTradesByOwner(ctx context.Context, ownerID string, limit int) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2`, ownerID, pgLimit(limit))
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) ListUnsettledTrades(ctx context.Context, after TradeCursor, limit int) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE NOT settled AND (created_at, id) > ($1, $2)
		 ORDER BY created_at, id LIMIT $3`, after.CreatedAt, after.ID, pgLimit(limit))
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) UpdateBet(ctx context.Context, id, ownerID string, multiplier int64, bet decimal.Decimal) (*model.Trade, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE trades SET multiplier = $3, bet = $4::NUMERIC
		 WHERE id = $1 AND owner_id = $2 AND NOT resolved
		 RETURNING `+tradeColumns,
		id, ownerID, multiplier, bet.String())
	t, err := scanTrade(row)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, classify(fmt.Errorf("update bet %s: %w", id, err))
	}

	// Nothing matched: report why.
	current, err := s.GetTrade(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.OwnerID != ownerID {
		return nil, fmt.Errorf("trade %s: %w", id, svcerr.ErrForbidden)
	}
	return nil, fmt.Errorf("trade %s: %w", id, svcerr.ErrTradeResolved)
}

func (s *PostgresStore) MarkResolved(ctx context.Context, id string, res model.Resolution) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trades
		 SET resolved = true, win = $2, profit = $3::NUMERIC,
		     close_value = $4::NUMERIC, resolved_at = $5
		 WHERE id = $1 AND NOT resolved AND bet = $6::NUMERIC`,
		id, res.Win, res.Profit.String(), res.CloseValue.String(), res.ResolvedAt, res.Bet.String())
	if err != nil {
		return false, classify(fmt.Errorf("resolve trade %s: %w", id, err))
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetTrade(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) MarkSettled(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trades SET settled = true, settled_at = $2
		 WHERE id = $1 AND resolved AND NOT settled`, id, at)
	if err != nil {
		return false, classify(fmt.Errorf("settle trade %s: %w", id, err))
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	current, err := s.GetTrade(ctx, id)
	if err != nil {
		return false, err
	}
	if !current.Resolved {
		return false, fmt.Errorf("trade %s: %w", id, svcerr.ErrNotResolvable)
	}
	return false, nil
}

func (s *PostgresStore) OldestUnresolvedStart(ctx context.Context) (int64, bool, error) {
	var oldest *int64
	err := s.pool.QueryRow(ctx,
		`SELECT MIN(start_index) FROM trades WHERE NOT resolved`).Scan(&oldest)
	if err != nil {
		return 0, false, classify(err)
	}
	if oldest == nil {
		return 0, false, nil
	}
	return *oldest, true, nil
}

// --- scanning ---

func scanTrade(row pgx.Row) (*model.Trade, error) {
	var t model.Trade
	var baseBet, bet, openValue, profit string
	var closeValue *string
	var direction string

	err := row.Scan(&t.ID, &t.OwnerID, &baseBet, &t.Multiplier, &bet, &direction,
		&t.StartIndex, &t.Duration, &openValue, &t.Resolved, &t.Win, &profit,
		&closeValue, &t.Settled, &t.CreatedAt, &t.ResolvedAt, &t.SettledAt)
	if err != nil {
		return nil, err
	}

	t.Direction = model.Direction(direction)
	t.BaseBet, _ = decimal.NewFromString(baseBet)
	t.Bet, _ = decimal.NewFromString(bet)
	t.OpenValue, _ = decimal.NewFromString(openValue)
	t.Profit, _ = decimal.NewFromString(profit)
	if closeValue != nil {
		cv, _ := decimal.NewFromString(*closeValue)
		t.CloseValue = &cv
	}
	return &t, nil
}

func scanTrades(rows pgx.Rows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, classify(err)
		}
		trades = append(trades, *t)
	}
	return trades, classify(rows.Err())
}

func pgLimit(limit int) any {
	if limit <= 0 {
		return nil // LIMIT NULL means no limit
	}
	return limit
}

// classify marks connection-level and retryable server failures as
// svcerr.ErrTransientStore; other errors pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "53300", "57P01", "57P03":
			return fmt.Errorf("%w: %w", svcerr.ErrTransientStore, err)
		case "23514": // check_violation on balance >= 0
			return fmt.Errorf("%w: %w", svcerr.ErrInsufficientFunds, err)
		}
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	return fmt.Errorf("%w: %w", svcerr.ErrTransientStore, err)
}
