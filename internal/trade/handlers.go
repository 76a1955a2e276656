package trade

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/httpx"
	"github.com/atmx/settlement-engine/internal/identity"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/svcerr"
)

const (
	defaultListLimit  = 50
	maxListLimit      = 500
	defaultRangeWidth = 100
	maxRangeWidth     = 1000
)

// OpenTradeRequest is the JSON body for POST /trades.
type OpenTradeRequest struct {
	Stake     decimal.Decimal `json:"stake"`
	Direction model.Direction `json:"direction"`
	Duration  int64           `json:"duration"`
}

// MultiplierRequest is the JSON body for PATCH /trades/{tradeID}/multiplier.
type MultiplierRequest struct {
	Multiplier int64 `json:"multiplier"`
}

// OpenTrade handles POST /api/v1/trades
func (m *Manager) OpenTrade(w http.ResponseWriter, r *http.Request) {
	owner, err := identity.UserID(r.Context())
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	var req OpenTradeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}

	t, err := m.Open(r.Context(), OpenRequest{
		OwnerID:   owner,
		Stake:     req.Stake,
		Direction: req.Direction,
		Duration:  req.Duration,
	})
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, t)
}

// UpdateMultiplier handles PATCH /api/v1/trades/{tradeID}/multiplier
func (m *Manager) UpdateMultiplier(w http.ResponseWriter, r *http.Request) {
	owner, err := identity.UserID(r.Context())
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	var req MultiplierRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}

	t, err := m.SetMultiplier(r.Context(), owner, chi.URLParam(r, "tradeID"), req.Multiplier)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, t)
}

// ResolveTrade handles POST /api/v1/trades/{tradeID}/resolve
// Any authenticated observer may trigger resolution.
func (m *Manager) ResolveTrade(w http.ResponseWriter, r *http.Request) {
	t, err := m.Resolve(r.Context(), chi.URLParam(r, "tradeID"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, t)
}

// SettleTrade handles POST /api/v1/trades/{tradeID}/settle
func (m *Manager) SettleTrade(w http.ResponseWriter, r *http.Request) {
	owner, err := identity.UserID(r.Context())
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}

	res, err := m.Settle(r.Context(), owner, chi.URLParam(r, "tradeID"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

// GetTrade handles GET /api/v1/trades/{tradeID}
func (m *Manager) GetTrade(w http.ResponseWriter, r *http.Request) {
	t, err := m.Get(r.Context(), chi.URLParam(r, "tradeID"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, t)
}

// ListTrades handles GET /api/v1/trades
// Returns the caller's trades, newest first, limited by ?limit=.
func (m *Manager) ListTrades(w http.ResponseWriter, r *http.Request) {
	owner, err := identity.UserID(r.Context())
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	trades, err := m.ListByOwner(r.Context(), owner, int(limit))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, trades)
}

// GetSequence handles GET /api/v1/sequence?from=&to=
// Without bounds it returns the most recent samples.
func (m *Manager) GetSequence(w http.ResponseWriter, r *http.Request) {
	n, err := m.seq.Len(r.Context())
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	to, err := queryInt(r, "to", n)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	from, err := queryInt(r, "from", to-defaultRangeWidth)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if from < 0 {
		from = 0
	}
	if to < from {
		httpx.WriteError(w, r, fmt.Errorf("%w: to must not be below from", svcerr.ErrInvalidInput))
		return
	}
	if to-from > maxRangeWidth {
		to = from + maxRangeWidth
	}

	ticks, err := m.seq.Range(r.Context(), from, to)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"length": n,
		"ticks":  ticks,
	})
}

// GetSequenceTail handles GET /api/v1/sequence/tail
func (m *Manager) GetSequenceTail(w http.ResponseWriter, r *http.Request) {
	tick, err := m.seq.Tail(r.Context())
	if err != nil {
		httpx.WriteError(w, r, wrapSequenceErr(err))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, tick)
}

func queryInt(r *http.Request, key string, def int64) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", svcerr.ErrInvalidInput, key)
	}
	return v, nil
}

func wrapSequenceErr(err error) error {
	if errors.Is(err, store.ErrSequenceEmpty) {
		return fmt.Errorf("%w: %w", svcerr.ErrNotFound, err)
	}
	return err
}
