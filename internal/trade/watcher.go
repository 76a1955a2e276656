package trade

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/svcerr"
)

// Watcher is the server-side observer: every interval it resolves trades
// whose close sample has arrived, settles resolved trades and trims sequence
// history nothing can reference anymore. Transient failures are retried on
// the next sweep; a resolved trade is never dropped.
type Watcher struct {
	m        *Manager
	trades   store.Trades
	seq      store.Sequence
	interval time.Duration
	batch    int
	retain   int64
	logger   *slog.Logger
}

func NewWatcher(m *Manager, interval time.Duration, batch int, retain int64, logger *slog.Logger) *Watcher {
	if minRetain := model.MaxTradeDuration() + 1; retain < minRetain {
		retain = minRetain
	}
	return &Watcher{
		m:        m,
		trades:   m.trades,
		seq:      m.seq,
		interval: interval,
		batch:    batch,
		retain:   retain,
		logger:   logger,
	}
}

// SweepStats summarizes one sweep.
type SweepStats struct {
	Resolved  int
	Settled   int
	Pending   int // resolved but still unsettled after this sweep
	TrimmedTo int64
}

func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("trade watcher started", "interval", w.interval)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("trade watcher stopped")
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warn("trade sweep failed", "err", err)
			}
		}
	}
}

// Sweep runs one observation pass over every unsettled trade, paging through
// them batch at a time so trades blocked on balance never hide newer ones.
func (w *Watcher) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats

	var cursor store.TradeCursor
	for {
		page, err := w.trades.ListUnsettledTrades(ctx, cursor, w.batch)
		if err != nil {
			return stats, err
		}
		for i := range page {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			w.observe(ctx, &page[i], &stats)
		}
		if w.batch <= 0 || len(page) < w.batch {
			break
		}
		cursor = store.CursorAt(&page[len(page)-1])
	}
	metrics.TradesPendingSettlement.Set(float64(stats.Pending))

	trimmed, err := w.trim(ctx)
	if err != nil {
		return stats, err
	}
	stats.TrimmedTo = trimmed
	return stats, nil
}

func (w *Watcher) observe(ctx context.Context, t *model.Trade, stats *SweepStats) {
	if !t.Resolved {
		if _, err := w.m.Resolve(ctx, t.ID); err != nil {
			if !errors.Is(err, svcerr.ErrNotResolvable) {
				w.logFailure("resolve", t.ID, err)
			}
			return
		}
		stats.Resolved++
	}

	res, err := w.m.settle(ctx, t.ID)
	if err != nil {
		stats.Pending++
		w.logFailure("settle", t.ID, err)
		return
	}
	if res.Applied {
		stats.Settled++
	}
}

// trim drops samples below both the oldest unresolved trade's start and the
// retention window. The latest sample is always kept.
func (w *Watcher) trim(ctx context.Context) (int64, error) {
	n, err := w.seq.Len(ctx)
	if err != nil {
		return 0, err
	}
	before := n - w.retain
	oldest, ok, err := w.trades.OldestUnresolvedStart(ctx)
	if err != nil {
		return 0, err
	}
	if ok && oldest < before {
		before = oldest
	}
	if before > n-1 {
		before = n - 1
	}
	if before <= 0 {
		return 0, nil
	}
	if err := w.seq.Trim(ctx, before); err != nil {
		return 0, err
	}
	return before, nil
}

func (w *Watcher) logFailure(op, tradeID string, err error) {
	switch {
	case svcerr.IsTransient(err):
		w.logger.Debug("trade "+op+" deferred", "trade_id", tradeID, "err", err)
	case errors.Is(err, svcerr.ErrInsufficientFunds):
		w.logger.Warn("trade settlement blocked by balance", "trade_id", tradeID)
	default:
		w.logger.Warn("trade "+op+" failed", "trade_id", tradeID, "err", err)
	}
}
