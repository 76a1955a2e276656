// Package events publishes settlement events to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/atmx/settlement-engine/internal/metrics"
)

type Kind string

const (
	WagerSettled    Kind = "wager_settled"
	TradeOpened     Kind = "trade_opened"
	TradeUpdated    Kind = "trade_updated"
	TradeResolved   Kind = "trade_resolved"
	TradeSettled    Kind = "trade_settled"
	BalanceCredited Kind = "balance_credited"
)

// Event is one committed state change. Events are emitted after the ledger
// or trade store has committed, never before.
type Event struct {
	ID         string           `json:"id"`
	Kind       Kind             `json:"kind"`
	AccountID  string           `json:"account_id"`
	Delta      *decimal.Decimal `json:"delta,omitempty"`
	Balance    *decimal.Decimal `json:"balance,omitempty"`
	Data       any              `json:"data,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// New stamps an event with an id and the current time.
func New(kind Kind, accountID string, data any) Event {
	return Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		AccountID:  accountID,
		Data:       data,
		OccurredAt: time.Now().UTC(),
	}
}

// WithBalance attaches the committed delta and resulting balance.
func (e Event) WithBalance(delta, balance decimal.Decimal) Event {
	e.Delta = &delta
	e.Balance = &balance
	return e
}

// Publisher delivers events. Publish must not block settlement: failures are
// logged by the implementation, not returned.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Nop discards events. Used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// KafkaPublisher produces events as JSON records keyed by account id, so
// events for one account stay ordered within a partition.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// NewKafkaPublisher builds the producer client. Extra options are applied
// after the defaults.
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger, opts ...kgo.Opt) (*KafkaPublisher, error) {
	cli, err := kgo.NewClient(append([]kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.AllowAutoTopicCreation(),
	}, opts...)...)
	if err != nil {
		return nil, err
	}

	return &KafkaPublisher{
		client: cli,
		topic:  topic,
		logger: logger,
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) {
	value, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("failed to marshal event", "kind", e.Kind, "err", err)
		return
	}

	// The record outlives the request context. A full buffer drops the
	// event instead of stalling the caller.
	p.client.TryProduce(context.WithoutCancel(ctx), &kgo.Record{
		Key:   []byte(e.AccountID),
		Value: value,
		Topic: p.topic,
	}, func(r *kgo.Record, err error) {
		switch {
		case err == nil:
		case errors.Is(err, kgo.ErrMaxBuffered):
			metrics.EventsDropped.WithLabelValues("buffer_full").Inc()
			p.logger.Warn("event buffer full, dropping event", "kind", e.Kind, "event_id", e.ID)
		default:
			metrics.EventsDropped.WithLabelValues("produce_failed").Inc()
			p.logger.Error("failed to produce event", "kind", e.Kind, "event_id", e.ID, "err", err)
		}
	})
}

// Close flushes buffered records and closes the client.
func (p *KafkaPublisher) Close(ctx context.Context) {
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("event flush incomplete", "err", err)
	}
	p.client.Close()
}

// Recorder keeps events in memory. Tests use it to assert what was emitted.
type Recorder struct {
	ch chan Event
}

func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan Event, size)}
}

func (r *Recorder) Publish(_ context.Context, e Event) {
	select {
	case r.ch <- e:
	default:
	}
}

// Drain returns every event recorded so far.
func (r *Recorder) Drain() []Event {
	var out []Event
	for {
		select {
		case e := <-r.ch:
			out = append(out, e)
		default:
			return out
		}
	}
}
