// Package game settles instant wagers: coin flip, dice and the arcade
// challenge. Each wager is one atomic ledger mutation whose outcome is drawn
// inside the same critical section as the balance check.
//
// All monetary values use shopspring/decimal, never float64.
package game

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/events"
	"github.com/atmx/settlement-engine/internal/httpx"
	"github.com/atmx/settlement-engine/internal/hub"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/rng"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/svcerr"
)

// CoinSide is a coin flip choice or outcome.
type CoinSide string

const (
	Heads CoinSide = "heads"
	Tails CoinSide = "tails"
)

// DicePayout is the net multiple of the stake won on an exact dice guess.
var DicePayout = decimal.NewFromInt(5)

// MinArcadeMultiplier and MaxArcadeMultiplier bound the client-supplied
// arcade multiplier. A completed run never pays less than the stake back.
var (
	MinArcadeMultiplier = decimal.NewFromInt(1)
	MaxArcadeMultiplier = decimal.NewFromInt(100)
)

type CoinFlipWager struct {
	OwnerID        string          `json:"owner_id" validate:"required"`
	Stake          decimal.Decimal `json:"stake"`
	Choice         CoinSide        `json:"choice" validate:"required,oneof=heads tails"`
	IdempotencyKey string          `json:"idempotency_key" validate:"max=128"`
}

type DiceWager struct {
	OwnerID        string          `json:"owner_id" validate:"required"`
	Stake          decimal.Decimal `json:"stake"`
	Guess          int             `json:"guess" validate:"min=1,max=6"`
	IdempotencyKey string          `json:"idempotency_key" validate:"max=128"`
}

// ArcadeWager reports a finished arcade run. Completion and survival time
// come from the client and are taken as given.
type ArcadeWager struct {
	OwnerID        string          `json:"owner_id" validate:"required"`
	Stake          decimal.Decimal `json:"stake"`
	Completed      bool            `json:"completed"`
	TimeTarget     float64         `json:"time_target" validate:"gt=0"`
	TimeSurvived   float64         `json:"time_survived" validate:"gte=0"`
	Multiplier     decimal.Decimal `json:"multiplier"`
	IdempotencyKey string          `json:"idempotency_key" validate:"max=128"`
}

// Result is the settled outcome of one wager. It is also the receipt
// payload, so a replayed wager returns exactly what the first call did.
type Result struct {
	Game     model.GameKind  `json:"game"`
	Outcome  string          `json:"outcome"`
	Win      bool            `json:"win"`
	Stake    decimal.Decimal `json:"stake"`
	Delta    decimal.Decimal `json:"delta"`
	Winnings decimal.Decimal `json:"winnings"`
	Balance  decimal.Decimal `json:"balance"`
	Replayed bool            `json:"replayed"`
}

// Engine is the instant settlement engine.
type Engine struct {
	ledger    store.Ledger
	src       rng.Source
	publisher events.Publisher
	notify    hub.Notifier
	logger    *slog.Logger
}

type Option func(*Engine)

func WithSource(src rng.Source) Option        { return func(e *Engine) { e.src = src } }
func WithPublisher(p events.Publisher) Option { return func(e *Engine) { e.publisher = p } }
func WithNotifier(n hub.Notifier) Option      { return func(e *Engine) { e.notify = n } }

func NewEngine(ledger store.Ledger, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		ledger:    ledger,
		src:       rng.Crypto{},
		publisher: events.Nop{},
		notify:    hub.Discard{},
		logger:    logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// outcome is what a game decides once the stake is known to be covered.
type outcome struct {
	label string
	win   bool
	delta decimal.Decimal
}

// CoinFlip pays +stake on a correct call and -stake otherwise.
func (e *Engine) CoinFlip(ctx context.Context, w CoinFlipWager) (*Result, error) {
	if err := validateWager(w, w.Stake); err != nil {
		return nil, e.reject(model.GameCoinFlip, err)
	}
	return e.settle(ctx, model.GameCoinFlip, w.OwnerID, w.IdempotencyKey, w.Stake, func() outcome {
		side := Heads
		if e.src.IntN(2) == 1 {
			side = Tails
		}
		if side == w.Choice {
			return outcome{label: string(side), win: true, delta: w.Stake}
		}
		return outcome{label: string(side), delta: w.Stake.Neg()}
	})
}

// DiceRoll pays +5*stake on an exact guess and -stake otherwise.
func (e *Engine) DiceRoll(ctx context.Context, w DiceWager) (*Result, error) {
	if err := validateWager(w, w.Stake); err != nil {
		return nil, e.reject(model.GameDice, err)
	}
	return e.settle(ctx, model.GameDice, w.OwnerID, w.IdempotencyKey, w.Stake, func() outcome {
		face := e.src.IntN(6) + 1
		if face == w.Guess {
			return outcome{label: strconv.Itoa(face), win: true, delta: w.Stake.Mul(DicePayout)}
		}
		return outcome{label: strconv.Itoa(face), delta: w.Stake.Neg()}
	})
}

// Arcade settles a reported run: a completed run that survived at least the
// target time nets stake*multiplier - stake, truncated to the money scale;
// anything else loses the stake.
func (e *Engine) Arcade(ctx context.Context, w ArcadeWager) (*Result, error) {
	if err := validateWager(w, w.Stake); err != nil {
		return nil, e.reject(model.GameArcade, err)
	}
	if w.Multiplier.LessThan(MinArcadeMultiplier) || w.Multiplier.GreaterThan(MaxArcadeMultiplier) {
		return nil, e.reject(model.GameArcade,
			fmt.Errorf("%w: multiplier must be in [%s, %s]", svcerr.ErrInvalidInput, MinArcadeMultiplier, MaxArcadeMultiplier))
	}
	return e.settle(ctx, model.GameArcade, w.OwnerID, w.IdempotencyKey, w.Stake, func() outcome {
		if w.Completed && w.TimeSurvived >= w.TimeTarget {
			return outcome{label: "completed", win: true, delta: w.Stake.Mul(w.Multiplier).Sub(w.Stake).Truncate(model.MoneyScale)}
		}
		return outcome{label: "failed", delta: w.Stake.Neg()}
	})
}

func validateWager(w any, stake decimal.Decimal) error {
	if err := httpx.Validate(w); err != nil {
		return err
	}
	if !stake.IsPositive() {
		return fmt.Errorf("%w: stake must be positive", svcerr.ErrInvalidInput)
	}
	if !model.FitsMoneyScale(stake) {
		return fmt.Errorf("%w: stake allows at most %d decimal places", svcerr.ErrInvalidInput, model.MoneyScale)
	}
	return nil
}

// settle runs one wager through the ledger. The coverage check happens
// before decide is called, so no outcome is ever drawn for an uncovered stake.
func (e *Engine) settle(ctx context.Context, game model.GameKind, owner, key string, stake decimal.Decimal, decide func() outcome) (*Result, error) {
	start := time.Now()

	receipt, err := e.ledger.ApplyDelta(ctx, owner, receiptKey(game, key), func(balance decimal.Decimal) (decimal.Decimal, any, error) {
		if balance.LessThan(stake) {
			return decimal.Zero, nil, fmt.Errorf("stake %s exceeds balance: %w", stake, svcerr.ErrInsufficientFunds)
		}
		o := decide()
		newBalance := balance.Add(o.delta)
		winnings := decimal.Zero
		if o.win {
			winnings = stake.Add(o.delta)
		}
		return newBalance, Result{
			Game:     game,
			Outcome:  o.label,
			Win:      o.win,
			Stake:    stake,
			Delta:    o.delta,
			Winnings: winnings,
			Balance:  newBalance,
		}, nil
	})
	if err != nil {
		return nil, e.reject(game, err)
	}

	var res Result
	if err := json.Unmarshal(receipt.Payload, &res); err != nil {
		return nil, fmt.Errorf("decode %s receipt: %w", game, err)
	}
	res.Balance = receipt.Balance
	res.Replayed = receipt.Replayed

	if res.Replayed {
		e.logger.Info("wager replayed", "game", game, "user", owner, "key", key)
		return &res, nil
	}

	metrics.WagersTotal.WithLabelValues(string(game), metrics.Result(res.Win)).Inc()
	metrics.SettlementLatency.WithLabelValues(string(game)).Observe(time.Since(start).Seconds())

	e.logger.Info("wager settled",
		"game", game,
		"user", owner,
		"stake", stake.String(),
		"outcome", res.Outcome,
		"delta", res.Delta.String(),
		"balance", res.Balance.String(),
	)

	e.publisher.Publish(ctx, events.New(events.WagerSettled, owner, res).WithBalance(res.Delta, res.Balance))
	e.notify.SendTo(owner, hub.Message{Type: hub.TypeBalance, Event: string(events.WagerSettled), Data: res})

	return &res, nil
}

func (e *Engine) reject(game model.GameKind, err error) error {
	_, reason, _ := svcerr.Describe(err)
	metrics.WagerRejections.WithLabelValues(string(game), string(reason)).Inc()
	return err
}

// receiptKey scopes a client idempotency key to one game. An empty key
// disables replay protection.
func receiptKey(game model.GameKind, key string) string {
	if key == "" {
		return ""
	}
	return "wager:" + string(game) + ":" + key
}
