// Package model defines the core domain types shared across the settlement engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// MoneyScale is the number of decimal places stored for balances and bets.
const MoneyScale = 4

// FitsMoneyScale reports whether v needs no rounding to be stored.
func FitsMoneyScale(v decimal.Decimal) bool {
	return v.Equal(v.Round(MoneyScale))
}

// Account is one user's wallet. Balance is never negative and only changes
// through the ledger's atomic delta primitive.
type Account struct {
	ID        string          `json:"id" db:"id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Receipt is the committed result of one ledger mutation. When the mutation
// carried an idempotency key the receipt is stored alongside the balance
// change and replayed verbatim for repeated keys.
type Receipt struct {
	AccountID string          `json:"account_id"`
	Key       string          `json:"key,omitempty"`
	Balance   decimal.Decimal `json:"balance"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Replayed  bool            `json:"replayed"`
	CreatedAt time.Time       `json:"created_at"`
}

// Tick is one sample of the shared outcome sequence.
type Tick struct {
	Index int64           `json:"index"`
	Value decimal.Decimal `json:"value"`
}

// GameKind names an instant game.
type GameKind string

const (
	GameCoinFlip GameKind = "coinflip"
	GameDice     GameKind = "dice"
	GameArcade   GameKind = "arcade"
)

// Direction is the polarity of a trade.
type Direction string

const (
	Buy  Direction = "buy"
	Sell Direction = "sell"
)

// Valid reports whether d is buy or sell.
func (d Direction) Valid() bool {
	return d == Buy || d == Sell
}

// TradeDurations are the allowed trade lengths in sequence-index units.
var TradeDurations = []int64{1, 2, 5, 10}

// TradeMultipliers are the allowed bet multipliers for an open trade.
var TradeMultipliers = []int64{1, 2, 3, 5, 10}

// MaxTradeDuration is the longest allowed trade duration.
func MaxTradeDuration() int64 {
	var max int64
	for _, d := range TradeDurations {
		if d > max {
			max = d
		}
	}
	return max
}

// ValidDuration reports whether n is an allowed trade duration.
func ValidDuration(n int64) bool {
	for _, d := range TradeDurations {
		if d == n {
			return true
		}
	}
	return false
}

// ValidMultiplier reports whether n is an allowed trade multiplier.
func ValidMultiplier(n int64) bool {
	for _, m := range TradeMultipliers {
		if m == n {
			return true
		}
	}
	return false
}

// TradeStatus is the derived lifecycle state of a trade.
type TradeStatus string

const (
	TradeOpen     TradeStatus = "open"
	TradeResolved TradeStatus = "resolved"
	TradeSettled  TradeStatus = "settled"
)

// Trade is one asynchronous "trade gamble" against the shared sequence.
// Lifecycle: open -> resolved -> settled. Settled implies resolved, and Win
// and Profit are meaningful only once Resolved is set.
type Trade struct {
	ID         string          `json:"id" db:"id"`
	OwnerID    string          `json:"owner_id" db:"owner_id"`
	BaseBet    decimal.Decimal `json:"base_bet" db:"base_bet"`
	Multiplier int64           `json:"multiplier" db:"multiplier"`
	Bet        decimal.Decimal `json:"bet" db:"bet"` // BaseBet * Multiplier
	Direction  Direction       `json:"direction" db:"direction"`
	StartIndex int64           `json:"start_index" db:"start_index"`
	Duration   int64           `json:"duration" db:"duration"`
	OpenValue  decimal.Decimal `json:"open_value" db:"open_value"`

	Resolved   bool             `json:"resolved" db:"resolved"`
	Win        bool             `json:"win" db:"win"`
	Profit     decimal.Decimal  `json:"profit" db:"profit"`
	CloseValue *decimal.Decimal `json:"close_value,omitempty" db:"close_value"`
	Settled    bool             `json:"settled" db:"settled"`

	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	SettledAt  *time.Time `json:"settled_at,omitempty" db:"settled_at"`
}

// CloseIndex is the sequence index whose value decides the trade.
func (t *Trade) CloseIndex() int64 {
	return t.StartIndex + t.Duration
}

// Status derives the lifecycle state from the flags.
func (t *Trade) Status() TradeStatus {
	switch {
	case t.Settled:
		return TradeSettled
	case t.Resolved:
		return TradeResolved
	default:
		return TradeOpen
	}
}

// SettlementDelta is the signed balance change applied when the trade settles.
func (t *Trade) SettlementDelta() decimal.Decimal {
	if t.Win {
		return t.Bet
	}
	return t.Bet.Neg()
}

// Resolution is the outcome written by the compare-and-set resolve step.
// Bet is the stake the outcome was computed from; the write only applies if
// the trade still carries that bet.
type Resolution struct {
	Bet        decimal.Decimal
	Win        bool
	Profit     decimal.Decimal
	CloseValue decimal.Decimal
	ResolvedAt time.Time
}
