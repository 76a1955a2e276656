package trade_test

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/svcerr"
	"github.com/atmx/settlement-engine/internal/trade"
)

func TestSweep_ResolvesAndSettlesReadyTrades(t *testing.T) {
	e := newEnv(t, 100)
	w := trade.NewWatcher(e.m, time.Second, 100, 1000, quiet)
	ctx := context.Background()

	ready := e.open(t, model.Buy, 10, 1)
	waiting := e.open(t, model.Buy, 10, 10)
	e.append(t, 3.5)

	stats, err := w.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Resolved)
	assert.Equal(t, 1, stats.Settled)
	assert.Equal(t, 0, stats.Pending)

	got, err := e.m.Get(ctx, ready.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TradeSettled, got.Status())
	assert.True(t, e.balance(t, "alice").Equal(d(110)))

	got, err = e.m.Get(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TradeOpen, got.Status())

	// A second sweep changes nothing.
	stats, err = w.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Resolved)
	assert.Zero(t, stats.Settled)
	assert.True(t, e.balance(t, "alice").Equal(d(110)))
}

func TestSweep_TrimsBelowOldestUnresolvedStart(t *testing.T) {
	e := newEnv(t, 100)
	w := trade.NewWatcher(e.m, time.Second, 100, 11, quiet)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		e.append(t, 3.0)
	}
	tr := e.open(t, model.Sell, 10, 10) // start 20

	stats, err := w.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), stats.TrimmedTo, "len 21 minus retain 11")

	_, err = e.seq.At(ctx, 9)
	assert.ErrorIs(t, err, store.ErrIndexTrimmed)

	for i := 0; i < 10; i++ {
		e.append(t, 2.0)
	}
	stats, err = w.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Settled)
	assert.Equal(t, int64(20), stats.TrimmedTo)

	// The open sample survived until the trade resolved.
	got, err := e.m.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.True(t, got.Win)
	assert.True(t, got.OpenValue.Equal(d(3)))
}

// stuckTrades never records a resolution.
type stuckTrades struct {
	store.Trades
}

func (stuckTrades) MarkResolved(context.Context, string, model.Resolution) (bool, error) {
	return false, svcerr.ErrTransientStore
}

func TestSweep_KeepsHistoryForUnresolvedTrades(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.SeedAccount("alice", d(100))
	seq := store.NewMemorySequence(flat(11, 3.0)...)
	m := trade.NewManager(stuckTrades{ms}, ms, seq, quiet)
	w := trade.NewWatcher(m, time.Second, 100, 11, quiet)
	ctx := context.Background()

	_, err := m.Open(ctx, trade.OpenRequest{OwnerID: "alice", Stake: d(10), Direction: model.Buy, Duration: 1})
	require.NoError(t, err)
	for i := int64(11); i < 31; i++ {
		require.NoError(t, seq.AppendAt(ctx, i, d(3.5)))
	}

	stats, err := w.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Resolved)
	assert.Equal(t, int64(10), stats.TrimmedTo, "retention alone would trim to 20")

	tick, err := seq.At(ctx, 10)
	require.NoError(t, err)
	assert.True(t, tick.Value.Equal(d(3)))
}

func TestSweep_RetentionCoversLongestDuration(t *testing.T) {
	e := newEnv(t, 100)
	w := trade.NewWatcher(e.m, time.Second, 100, 0, quiet)
	ctx := context.Background()

	stats, err := w.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TrimmedTo, "retain is raised to the longest duration plus one")

	_, err = e.seq.At(ctx, 0)
	require.NoError(t, err)

	e.append(t, 3.0)
	stats, err = w.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TrimmedTo)

	tail, err := e.seq.Tail(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(11), tail.Index)
}

func TestSweep_BlockedTradesDoNotStarveNewer(t *testing.T) {
	e := newEnv(t, 100)
	w := trade.NewWatcher(e.m, time.Second, 2, 1000, quiet)
	ctx := context.Background()

	e.open(t, model.Sell, 50, 1)
	e.open(t, model.Sell, 50, 1)
	won, err := e.m.Open(ctx, trade.OpenRequest{OwnerID: "bob", Stake: d(10), Direction: model.Buy, Duration: 1})
	require.NoError(t, err)
	e.append(t, 4.0)

	_, err = e.ms.ApplyDelta(ctx, "alice", "", func(decimal.Decimal) (decimal.Decimal, any, error) {
		return decimal.Zero, nil, nil
	})
	require.NoError(t, err)

	stats, err := w.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Resolved)
	assert.Equal(t, 1, stats.Settled)
	assert.Equal(t, 2, stats.Pending, "pending spans every page")

	got, err := e.m.Get(ctx, won.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TradeSettled, got.Status())
	assert.True(t, e.balance(t, "bob").Equal(d(110)))
}

// flakyLedger fails keyed deltas with a transient error until healed.
type flakyLedger struct {
	store.Ledger
	broken atomic.Bool
}

func (f *flakyLedger) ApplyDelta(ctx context.Context, id, key string, fn store.DeltaFunc) (*model.Receipt, error) {
	if strings.HasPrefix(key, "trade-settle:") && f.broken.Load() {
		return nil, svcerr.ErrTransientStore
	}
	return f.Ledger.ApplyDelta(ctx, id, key, fn)
}

func TestSweep_RetriesTransientSettlement(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.SeedAccount("alice", d(100))
	seq := store.NewMemorySequence(flat(11, 3.0)...)
	ledger := &flakyLedger{Ledger: ms}
	ledger.broken.Store(true)
	m := trade.NewManager(ms, ledger, seq, quiet)
	w := trade.NewWatcher(m, time.Second, 100, 1000, quiet)
	ctx := context.Background()

	tr, err := m.Open(ctx, trade.OpenRequest{OwnerID: "alice", Stake: d(40), Direction: model.Buy, Duration: 1})
	require.NoError(t, err)
	require.NoError(t, seq.AppendAt(ctx, 11, d(2.0)))

	stats, err := w.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Resolved)
	assert.Equal(t, 0, stats.Settled)
	assert.Equal(t, 1, stats.Pending)

	got, err := m.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TradeResolved, got.Status(), "resolved trade is kept for retry")

	ledger.broken.Store(false)
	stats, err = w.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Settled)
	assert.Equal(t, 0, stats.Pending)

	a, err := ms.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(d(60)))
}

func TestSweep_BlockedLossSettlesAfterCredit(t *testing.T) {
	e := newEnv(t, 100)
	w := trade.NewWatcher(e.m, time.Second, 100, 1000, quiet)
	ctx := context.Background()

	e.open(t, model.Buy, 100, 1)
	e.append(t, 1.0)
	_, err := e.ms.ApplyDelta(ctx, "alice", "", func(b decimal.Decimal) (decimal.Decimal, any, error) {
		return decimal.Zero, nil, nil
	})
	require.NoError(t, err)

	stats, err := w.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)

	_, err = e.ms.ApplyDelta(ctx, "alice", "", func(b decimal.Decimal) (decimal.Decimal, any, error) {
		return b.Add(d(150)), nil, nil
	})
	require.NoError(t, err)

	stats, err = w.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Settled)
	assert.True(t, e.balance(t, "alice").Equal(d(50)))
}
