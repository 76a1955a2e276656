// Package trade runs the asynchronous trade gamble: a bet that the shared
// sequence will be higher (buy) or lower (sell) a fixed number of samples
// after the trade opens.
//
// Lifecycle is open -> resolved -> settled with no skips and no reversals.
// Any observer may resolve; settlement applies the balance change exactly
// once no matter how many observers race or retry.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/events"
	"github.com/atmx/settlement-engine/internal/httpx"
	"github.com/atmx/settlement-engine/internal/hub"
	"github.com/atmx/settlement-engine/internal/keylock"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/svcerr"
)

// ProfitMultiple is applied to the bet to report the payout of a winning trade.
var ProfitMultiple = decimal.NewFromInt(2)

// resolveAttempts bounds retries when a bet change races a resolve.
const resolveAttempts = 3

// Manager owns the trade lifecycle.
type Manager struct {
	trades    store.Trades
	ledger    store.Ledger
	seq       store.Sequence
	publisher events.Publisher
	notify    hub.Notifier
	logger    *slog.Logger
	now       func() time.Time

	// settleLocks serializes settlement per trade within this process.
	settleLocks keylock.Map
}

type Option func(*Manager)

func WithPublisher(p events.Publisher) Option { return func(m *Manager) { m.publisher = p } }
func WithNotifier(n hub.Notifier) Option      { return func(m *Manager) { m.notify = n } }
func WithClock(now func() time.Time) Option   { return func(m *Manager) { m.now = now } }

func NewManager(trades store.Trades, ledger store.Ledger, seq store.Sequence, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		trades:    trades,
		ledger:    ledger,
		seq:       seq,
		publisher: events.Nop{},
		notify:    hub.Discard{},
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OpenRequest opens a trade for OwnerID.
type OpenRequest struct {
	OwnerID   string          `json:"owner_id" validate:"required"`
	Stake     decimal.Decimal `json:"stake"`
	Direction model.Direction `json:"direction" validate:"required,oneof=buy sell"`
	Duration  int64           `json:"duration" validate:"oneof=1 2 5 10"`
}

// SettleResult reports a settlement. Applied is false when the balance change
// had already been made by an earlier call.
type SettleResult struct {
	Trade   *model.Trade    `json:"trade"`
	Balance decimal.Decimal `json:"balance"`
	Applied bool            `json:"applied"`
}

// Open records a new trade starting at the latest sample. The stake is not
// debited; the balance must only cover it at open time.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (*model.Trade, error) {
	if err := httpx.Validate(req); err != nil {
		return nil, err
	}
	if !req.Stake.IsPositive() {
		return nil, fmt.Errorf("%w: stake must be positive", svcerr.ErrInvalidInput)
	}
	if !model.FitsMoneyScale(req.Stake) {
		return nil, fmt.Errorf("%w: stake allows at most %d decimal places", svcerr.ErrInvalidInput, model.MoneyScale)
	}

	if err := m.checkCoverage(ctx, req.OwnerID, req.Stake); err != nil {
		return nil, err
	}

	n, err := m.seq.Len(ctx)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %w", svcerr.ErrTransientStore, store.ErrSequenceEmpty)
	}
	start, err := m.seq.At(ctx, n-1)
	if err != nil {
		return nil, fmt.Errorf("read start sample: %w", err)
	}

	t := &model.Trade{
		ID:         uuid.New().String(),
		OwnerID:    req.OwnerID,
		BaseBet:    req.Stake,
		Multiplier: 1,
		Bet:        req.Stake,
		Direction:  req.Direction,
		StartIndex: start.Index,
		Duration:   req.Duration,
		OpenValue:  start.Value,
		Profit:     decimal.Zero,
		CreatedAt:  m.now(),
	}
	if err := m.trades.CreateTrade(ctx, t); err != nil {
		return nil, err
	}

	metrics.TradesOpened.WithLabelValues(string(t.Direction)).Inc()
	m.logger.Info("trade opened",
		"trade_id", t.ID,
		"user", t.OwnerID,
		"direction", t.Direction,
		"stake", t.Bet.String(),
		"start_index", t.StartIndex,
		"duration", t.Duration,
		"open_value", t.OpenValue.String(),
	)
	m.emit(ctx, events.TradeOpened, t)
	return t, nil
}

// SetMultiplier rescales the bet of an open trade. Only the owner may do
// this, and only before the trade resolves.
func (m *Manager) SetMultiplier(ctx context.Context, ownerID, tradeID string, multiplier int64) (*model.Trade, error) {
	if !model.ValidMultiplier(multiplier) {
		return nil, fmt.Errorf("%w: multiplier must be one of %v", svcerr.ErrInvalidInput, model.TradeMultipliers)
	}

	t, err := m.trades.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if t.OwnerID != ownerID {
		return nil, fmt.Errorf("trade %s: %w", tradeID, svcerr.ErrForbidden)
	}
	if t.Resolved {
		return nil, fmt.Errorf("trade %s: %w", tradeID, svcerr.ErrTradeResolved)
	}

	bet := t.BaseBet.Mul(decimal.NewFromInt(multiplier))
	if err := m.checkCoverage(ctx, ownerID, bet); err != nil {
		return nil, err
	}

	updated, err := m.trades.UpdateBet(ctx, tradeID, ownerID, multiplier, bet)
	if err != nil {
		return nil, err
	}

	m.logger.Info("trade multiplier set",
		"trade_id", tradeID,
		"multiplier", multiplier,
		"bet", bet.String(),
	)
	m.emit(ctx, events.TradeUpdated, updated)
	return updated, nil
}

// Resolve decides the trade once the close sample exists. It is idempotent:
// a resolved trade is returned as is, and of several racing resolvers only
// one write lands while the others return the winner's state.
func (m *Manager) Resolve(ctx context.Context, tradeID string) (*model.Trade, error) {
	for attempt := 0; attempt < resolveAttempts; attempt++ {
		t, err := m.trades.GetTrade(ctx, tradeID)
		if err != nil {
			return nil, err
		}
		if t.Resolved {
			return t, nil
		}

		n, err := m.seq.Len(ctx)
		if err != nil {
			return nil, err
		}
		if n <= t.CloseIndex() {
			return nil, fmt.Errorf("trade %s needs index %d, sequence has %d: %w",
				tradeID, t.CloseIndex(), n, svcerr.ErrNotResolvable)
		}
		closing, err := m.seq.At(ctx, t.CloseIndex())
		if err != nil {
			return nil, fmt.Errorf("read close sample: %w", err)
		}

		res := Decide(t, closing.Value, m.now())
		applied, err := m.trades.MarkResolved(ctx, tradeID, res)
		if err != nil {
			return nil, err
		}
		if !applied {
			// Lost to another resolver, or the bet changed underneath us.
			continue
		}

		resolved, err := m.trades.GetTrade(ctx, tradeID)
		if err != nil {
			return nil, err
		}
		metrics.TradesResolved.WithLabelValues(metrics.Result(res.Win)).Inc()
		m.logger.Info("trade resolved",
			"trade_id", tradeID,
			"win", res.Win,
			"open_value", t.OpenValue.String(),
			"close_value", res.CloseValue.String(),
			"profit", res.Profit.String(),
		)
		m.emit(ctx, events.TradeResolved, resolved)
		return resolved, nil
	}

	t, err := m.trades.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !t.Resolved {
		return nil, fmt.Errorf("trade %s: resolve kept racing bet updates: %w", tradeID, svcerr.ErrTransientStore)
	}
	return t, nil
}

// Decide computes the resolution of t against the close value. Equal values
// lose in both directions.
func Decide(t *model.Trade, closeValue decimal.Decimal, at time.Time) model.Resolution {
	var win bool
	switch t.Direction {
	case model.Buy:
		win = closeValue.GreaterThan(t.OpenValue)
	case model.Sell:
		win = closeValue.LessThan(t.OpenValue)
	}
	profit := decimal.Zero
	if win {
		profit = t.Bet.Mul(ProfitMultiple)
	}
	return model.Resolution{
		Bet:        t.Bet,
		Win:        win,
		Profit:     profit,
		CloseValue: closeValue,
		ResolvedAt: at,
	}
}

// Settle applies the trade's outcome to its owner's balance. Only the owner
// may settle; an already settled trade is a silent no-op.
func (m *Manager) Settle(ctx context.Context, ownerID, tradeID string) (*SettleResult, error) {
	t, err := m.trades.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if t.OwnerID != ownerID {
		return nil, fmt.Errorf("trade %s: %w", tradeID, svcerr.ErrForbidden)
	}
	return m.settle(ctx, tradeID)
}

// settle is the settling agent shared by owners and the watcher.
func (m *Manager) settle(ctx context.Context, tradeID string) (*SettleResult, error) {
	unlock := m.settleLocks.Lock(tradeID)
	defer unlock()

	res, err := m.applySettlement(ctx, tradeID)
	if errors.Is(err, svcerr.ErrDuplicateSettlement) {
		t, gerr := m.trades.GetTrade(ctx, tradeID)
		if gerr != nil {
			return nil, gerr
		}
		acct, gerr := m.ledger.GetAccount(ctx, t.OwnerID)
		if gerr != nil {
			return nil, gerr
		}
		return &SettleResult{Trade: t, Balance: acct.Balance}, nil
	}
	return res, err
}

func (m *Manager) applySettlement(ctx context.Context, tradeID string) (*SettleResult, error) {
	t, err := m.trades.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if t.Settled {
		return nil, svcerr.ErrDuplicateSettlement
	}
	if !t.Resolved {
		if _, err := m.Resolve(ctx, tradeID); err != nil {
			return nil, err
		}
	}

	// Re-read right before touching the ledger.
	t, err = m.trades.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if t.Settled {
		return nil, svcerr.ErrDuplicateSettlement
	}

	delta := t.SettlementDelta()
	receipt, err := m.ledger.ApplyDelta(ctx, t.OwnerID, settleKey(tradeID), func(balance decimal.Decimal) (decimal.Decimal, any, error) {
		return balance.Add(delta), map[string]any{"trade_id": tradeID, "delta": delta}, nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := m.trades.MarkSettled(ctx, tradeID, m.now()); err != nil {
		// The ledger change is committed under the settle key; a retry
		// replays it and only flips the flag.
		return nil, err
	}

	settled, err := m.trades.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}

	if !receipt.Replayed {
		metrics.TradesSettled.WithLabelValues(metrics.Result(t.Win)).Inc()
		m.logger.Info("trade settled",
			"trade_id", tradeID,
			"user", t.OwnerID,
			"win", t.Win,
			"delta", delta.String(),
			"balance", receipt.Balance.String(),
		)
		m.publisher.Publish(ctx, events.New(events.TradeSettled, t.OwnerID, settled).WithBalance(delta, receipt.Balance))
		m.notify.SendTo(t.OwnerID, hub.Message{
			Type:  hub.TypeBalance,
			Event: string(events.TradeSettled),
			Data:  map[string]any{"balance": receipt.Balance, "delta": delta, "trade_id": tradeID},
		})
		m.notify.Broadcast(hub.Message{Type: hub.TypeTrade, Event: string(events.TradeSettled), Data: settled})
	}

	return &SettleResult{Trade: settled, Balance: receipt.Balance, Applied: !receipt.Replayed}, nil
}

// Get returns one trade.
func (m *Manager) Get(ctx context.Context, tradeID string) (*model.Trade, error) {
	return m.trades.GetTrade(ctx, tradeID)
}

// ListByOwner returns the owner's trades, newest first.
func (m *Manager) ListByOwner(ctx context.Context, ownerID string, limit int) ([]model.Trade, error) {
	trades, err := m.trades.ListTradesByOwner(ctx, ownerID, limit)
	if err != nil {
		return nil, err
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	return trades, nil
}

// checkCoverage fails with ErrInsufficientFunds unless the owner's balance
// covers amount. It runs through the ledger so the read is serialized with
// concurrent wagers on the same account.
func (m *Manager) checkCoverage(ctx context.Context, ownerID string, amount decimal.Decimal) error {
	_, err := m.ledger.ApplyDelta(ctx, ownerID, "", func(balance decimal.Decimal) (decimal.Decimal, any, error) {
		if balance.LessThan(amount) {
			return decimal.Zero, nil, fmt.Errorf("bet %s exceeds balance: %w", amount, svcerr.ErrInsufficientFunds)
		}
		return balance, nil, nil
	})
	return err
}

func (m *Manager) emit(ctx context.Context, kind events.Kind, t *model.Trade) {
	m.publisher.Publish(ctx, events.New(kind, t.OwnerID, t))
	m.notify.Broadcast(hub.Message{Type: hub.TypeTrade, Event: string(kind), Data: t})
}

func settleKey(tradeID string) string {
	return "trade-settle:" + tradeID
}
