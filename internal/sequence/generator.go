package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/settlement-engine/internal/hub"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/rng"
	"github.com/atmx/settlement-engine/internal/store"
)

// Generator is the single authoritative writer of the shared sequence. Each
// tick it extends the sequence by one sample with a compare-and-append, so
// concurrent generators can never rewrite an index.
type Generator struct {
	seq      store.Sequence
	walk     Walk
	src      rng.Source
	leader   Leader
	notify   hub.Notifier
	interval time.Duration
	logger   *slog.Logger
}

type Option func(*Generator)

func WithLeader(l Leader) Option          { return func(g *Generator) { g.leader = l } }
func WithSource(src rng.Source) Option    { return func(g *Generator) { g.src = src } }
func WithNotifier(n hub.Notifier) Option  { return func(g *Generator) { g.notify = n } }
func WithInterval(d time.Duration) Option { return func(g *Generator) { g.interval = d } }

func NewGenerator(seq store.Sequence, walk Walk, logger *slog.Logger, opts ...Option) *Generator {
	g := &Generator{
		seq:      seq,
		walk:     walk,
		src:      rng.Crypto{},
		leader:   AlwaysLeader{},
		notify:   hub.Discard{},
		interval: time.Second,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Run ticks until ctx is cancelled. Failed ticks are logged and retried on
// the next interval.
func (g *Generator) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	g.logger.Info("sequence generator started", "interval", g.interval)
	for {
		select {
		case <-ctx.Done():
			g.logger.Info("sequence generator stopped")
			return
		case <-ticker.C:
			if _, _, err := g.Tick(ctx); err != nil && ctx.Err() == nil {
				g.logger.Warn("sequence tick failed", "err", err)
			}
		}
	}
}

// Tick appends one sample if this process is the leader. It reports whether
// a sample was appended; losing an append race is not an error.
func (g *Generator) Tick(ctx context.Context) (model.Tick, bool, error) {
	ok, err := g.leader.IsLeader(ctx)
	if err != nil {
		return model.Tick{}, false, err
	}
	if !ok {
		return model.Tick{}, false, nil
	}

	next, err := g.next(ctx)
	if err != nil {
		return model.Tick{}, false, err
	}

	err = g.seq.AppendAt(ctx, next.Index, next.Value)
	if errors.Is(err, store.ErrAppendConflict) {
		metrics.SequenceAppendConflicts.Inc()
		g.logger.Debug("sequence append lost race", "index", next.Index)
		return model.Tick{}, false, nil
	}
	if err != nil {
		return model.Tick{}, false, fmt.Errorf("append index %d: %w", next.Index, err)
	}

	metrics.SequenceLength.Set(float64(next.Index + 1))
	g.notify.Broadcast(hub.Message{Type: hub.TypeTick, Data: next})
	return next, true, nil
}

func (g *Generator) next(ctx context.Context) (model.Tick, error) {
	tail, err := g.seq.Tail(ctx)
	if errors.Is(err, store.ErrSequenceEmpty) {
		n, err := g.seq.Len(ctx)
		if err != nil {
			return model.Tick{}, err
		}
		return model.Tick{Index: n, Value: g.walk.Seed}, nil
	}
	if err != nil {
		return model.Tick{}, err
	}
	return model.Tick{
		Index: tail.Index + 1,
		Value: g.walk.Step(tail.Value, g.src.Float64()),
	}, nil
}
