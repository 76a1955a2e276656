package store_test

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/store/migrations"
	"github.com/atmx/settlement-engine/internal/svcerr"
)

// newPostgresStore migrates and truncates the database named by
// TEST_DATABASE_URL. Tests are skipped when it is unset.
func newPostgresStore(t *testing.T) *store.PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, migrations.Up(db))
	_, err = db.Exec(`TRUNCATE trades, wager_receipts, accounts`)
	require.NoError(t, err)

	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return store.NewPostgresStore(pool)
}

func TestPostgres_ApplyDeltaConcurrent(t *testing.T) {
	ps := newPostgresStore(t)
	ctx := context.Background()

	_, err := ps.EnsureAccount(ctx, "alice")
	require.NoError(t, err)
	_, err = ps.ApplyDelta(ctx, "alice", "", add(d(100)))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ps.ApplyDelta(ctx, "alice", "", add(d(-3)))
			if err != nil {
				assert.ErrorIs(t, err, svcerr.ErrInsufficientFunds)
			}
		}()
	}
	wg.Wait()

	acct, err := ps.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(d(1)), "100 - 33*3 = 1, got %s", acct.Balance)
}

func TestPostgres_ApplyDeltaReplay(t *testing.T) {
	ps := newPostgresStore(t)
	ctx := context.Background()
	_, err := ps.EnsureAccount(ctx, "bob")
	require.NoError(t, err)

	fn := func(b decimal.Decimal) (decimal.Decimal, any, error) {
		return b.Add(d(7)), map[string]bool{"win": true}, nil
	}
	first, err := ps.ApplyDelta(ctx, "bob", "k1", fn)
	require.NoError(t, err)
	second, err := ps.ApplyDelta(ctx, "bob", "k1", fn)
	require.NoError(t, err)

	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.True(t, second.Balance.Equal(d(7)))
	assert.JSONEq(t, `{"win":true}`, string(second.Payload))

	_, err = ps.ApplyDelta(ctx, "nobody", "", add(d(1)))
	assert.ErrorIs(t, err, svcerr.ErrAccountNotFound)
}

func TestPostgres_ApplyDeltaRoundsToMoneyScale(t *testing.T) {
	ps := newPostgresStore(t)
	ctx := context.Background()
	_, err := ps.EnsureAccount(ctx, "dora")
	require.NoError(t, err)
	_, err = ps.ApplyDelta(ctx, "dora", "", add(d(100)))
	require.NoError(t, err)

	checkRoundsToMoneyScale(t, ps, "dora")
}

func TestPostgres_TradeLifecycle(t *testing.T) {
	ps := newPostgresStore(t)
	ctx := context.Background()
	_, err := ps.EnsureAccount(ctx, "carol")
	require.NoError(t, err)

	tr := &model.Trade{
		ID: "0b6f0c1e-0000-4000-8000-000000000001", OwnerID: "carol",
		BaseBet: d(50), Multiplier: 1, Bet: d(50), Direction: model.Buy,
		StartIndex: 10, Duration: 2, OpenValue: d(3), CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, ps.CreateTrade(ctx, tr))

	updated, err := ps.UpdateBet(ctx, tr.ID, "carol", 2, d(100))
	require.NoError(t, err)
	assert.True(t, updated.Bet.Equal(d(100)))

	_, err = ps.UpdateBet(ctx, tr.ID, "mallory", 3, d(150))
	assert.ErrorIs(t, err, svcerr.ErrForbidden)

	oldest, ok, err := ps.OldestUnresolvedStart(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(10), oldest)

	res := model.Resolution{Bet: d(100), Win: true, Profit: d(200), CloseValue: d(3.4), ResolvedAt: time.Now().UTC()}
	applied, err := ps.MarkResolved(ctx, tr.ID, res)
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = ps.MarkResolved(ctx, tr.ID, res)
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = ps.MarkSettled(ctx, tr.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = ps.MarkSettled(ctx, tr.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := ps.GetTrade(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TradeSettled, got.Status())
	require.NotNil(t, got.CloseValue)
	assert.True(t, got.CloseValue.Equal(d(3.4)))

	unsettled, err := ps.ListUnsettledTrades(ctx, store.TradeCursor{}, 0)
	require.NoError(t, err)
	assert.Empty(t, unsettled)
}
