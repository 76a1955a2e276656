package game

import (
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/httpx"
	"github.com/atmx/settlement-engine/internal/identity"
)

// CoinFlipRequest is the JSON body for POST /games/coinflip.
type CoinFlipRequest struct {
	Stake          decimal.Decimal `json:"stake"`
	Choice         CoinSide        `json:"choice"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// DiceRequest is the JSON body for POST /games/dice.
type DiceRequest struct {
	Stake          decimal.Decimal `json:"stake"`
	Guess          int             `json:"guess"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// ArcadeRequest is the JSON body for POST /games/arcade.
type ArcadeRequest struct {
	Stake          decimal.Decimal `json:"stake"`
	Completed      bool            `json:"completed"`
	TimeTarget     float64         `json:"time_target"`
	TimeSurvived   float64         `json:"time_survived"`
	Multiplier     decimal.Decimal `json:"multiplier"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// PlayCoinFlip handles POST /api/v1/games/coinflip
func (e *Engine) PlayCoinFlip(w http.ResponseWriter, r *http.Request) {
	owner, err := identity.UserID(r.Context())
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	var req CoinFlipRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}

	res, err := e.CoinFlip(r.Context(), CoinFlipWager{
		OwnerID:        owner,
		Stake:          req.Stake,
		Choice:         req.Choice,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

// PlayDice handles POST /api/v1/games/dice
func (e *Engine) PlayDice(w http.ResponseWriter, r *http.Request) {
	owner, err := identity.UserID(r.Context())
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	var req DiceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}

	res, err := e.DiceRoll(r.Context(), DiceWager{
		OwnerID:        owner,
		Stake:          req.Stake,
		Guess:          req.Guess,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

// PlayArcade handles POST /api/v1/games/arcade
func (e *Engine) PlayArcade(w http.ResponseWriter, r *http.Request) {
	owner, err := identity.UserID(r.Context())
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	var req ArcadeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}

	res, err := e.Arcade(r.Context(), ArcadeWager{
		OwnerID:        owner,
		Stake:          req.Stake,
		Completed:      req.Completed,
		TimeTarget:     req.TimeTarget,
		TimeSurvived:   req.TimeSurvived,
		Multiplier:     req.Multiplier,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

// idempotencyKey prefers the body field and falls back to the
// Idempotency-Key header.
func idempotencyKey(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return r.Header.Get("Idempotency-Key")
}
