package trade_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/settlement-engine/internal/httpx"
	"github.com/atmx/settlement-engine/internal/identity"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/svcerr"
	"github.com/atmx/settlement-engine/internal/trade"
)

// newTestRouter mounts the trade routes. The caller is taken from the
// X-Test-User header and defaults to "alice".
func newTestRouter(t *testing.T, e *env) chi.Router {
	t.Helper()
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := r.Header.Get("X-Test-User")
			if user == "" {
				user = "alice"
			}
			ctx := identity.WithIdentity(r.Context(), identity.Identity{UserID: user})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	r.Route("/api/v1/trades", func(r chi.Router) {
		r.Post("/", e.m.OpenTrade)
		r.Get("/", e.m.ListTrades)
		r.Get("/{tradeID}", e.m.GetTrade)
		r.Patch("/{tradeID}/multiplier", e.m.UpdateMultiplier)
		r.Post("/{tradeID}/resolve", e.m.ResolveTrade)
		r.Post("/{tradeID}/settle", e.m.SettleTrade)
	})
	r.Get("/api/v1/sequence", e.m.GetSequence)
	r.Get("/api/v1/sequence/tail", e.m.GetSequenceTail)
	return r
}

func do(t *testing.T, router chi.Router, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func openViaHTTP(t *testing.T, router chi.Router, stake float64, dir model.Direction, duration int64) model.Trade {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/trades", "", trade.OpenTradeRequest{Stake: d(stake), Direction: dir, Duration: duration})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var tr model.Trade
	json.Unmarshal(w.Body.Bytes(), &tr)
	return tr
}

func TestOpenTrade(t *testing.T) {
	e := newEnv(t, 100)
	router := newTestRouter(t, e)

	tr := openViaHTTP(t, router, 50, model.Buy, 2)
	if tr.StartIndex != 10 || tr.Duration != 2 {
		t.Errorf("unexpected trade: %+v", tr)
	}
	if !tr.Bet.Equal(d(50)) {
		t.Errorf("expected bet 50, got %s", tr.Bet)
	}
}

func TestOpenTrade_InvalidDuration(t *testing.T) {
	e := newEnv(t, 100)
	router := newTestRouter(t, e)

	w := do(t, router, "POST", "/api/v1/trades", "", trade.OpenTradeRequest{Stake: d(10), Direction: model.Buy, Duration: 7})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	var body httpx.ErrorBody
	json.Unmarshal(w.Body.Bytes(), &body)
	if body.Reason != svcerr.ReasonInvalidInput {
		t.Errorf("expected invalid_input, got %q", body.Reason)
	}
}

func TestTradeFlow_ResolveAndSettle(t *testing.T) {
	e := newEnv(t, 100)
	router := newTestRouter(t, e)
	tr := openViaHTTP(t, router, 50, model.Buy, 2)

	w := do(t, router, "POST", "/api/v1/trades/"+tr.ID+"/resolve", "bob", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 before close sample, got %d: %s", w.Code, w.Body.String())
	}

	e.append(t, 3.2, 3.4)

	// Any observer may resolve.
	w = do(t, router, "POST", "/api/v1/trades/"+tr.ID+"/resolve", "bob", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resolved model.Trade
	json.Unmarshal(w.Body.Bytes(), &resolved)
	if !resolved.Resolved || !resolved.Win || !resolved.Profit.Equal(d(100)) {
		t.Errorf("unexpected resolution: %+v", resolved)
	}

	// Only the owner may settle.
	w = do(t, router, "POST", "/api/v1/trades/"+tr.ID+"/settle", "bob", nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-owner, got %d", w.Code)
	}

	w = do(t, router, "POST", "/api/v1/trades/"+tr.ID+"/settle", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res trade.SettleResult
	json.Unmarshal(w.Body.Bytes(), &res)
	if !res.Applied || !res.Balance.Equal(d(150)) {
		t.Errorf("unexpected settlement: %+v", res)
	}

	// Settling again is a no-op.
	w = do(t, router, "POST", "/api/v1/trades/"+tr.ID+"/settle", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	json.Unmarshal(w.Body.Bytes(), &res)
	if res.Applied || !res.Balance.Equal(d(150)) {
		t.Errorf("expected no-op settlement, got %+v", res)
	}
}

func TestUpdateMultiplier(t *testing.T) {
	e := newEnv(t, 100)
	router := newTestRouter(t, e)
	tr := openViaHTTP(t, router, 20, model.Sell, 5)

	w := do(t, router, "PATCH", "/api/v1/trades/"+tr.ID+"/multiplier", "", trade.MultiplierRequest{Multiplier: 3})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var updated model.Trade
	json.Unmarshal(w.Body.Bytes(), &updated)
	if !updated.Bet.Equal(d(60)) || updated.Multiplier != 3 {
		t.Errorf("unexpected update: %+v", updated)
	}

	w = do(t, router, "PATCH", "/api/v1/trades/"+tr.ID+"/multiplier", "bob", trade.MultiplierRequest{Multiplier: 2})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-owner, got %d", w.Code)
	}
}

func TestGetTrade_NotFound(t *testing.T) {
	e := newEnv(t, 100)
	router := newTestRouter(t, e)

	w := do(t, router, "GET", "/api/v1/trades/nope", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestListTrades_OnlyCallers(t *testing.T) {
	e := newEnv(t, 100)
	router := newTestRouter(t, e)
	openViaHTTP(t, router, 10, model.Buy, 1)
	openViaHTTP(t, router, 10, model.Sell, 1)

	w := do(t, router, "GET", "/api/v1/trades?limit=1", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var trades []model.Trade
	json.Unmarshal(w.Body.Bytes(), &trades)
	if len(trades) != 1 {
		t.Errorf("expected 1 trade with limit=1, got %d", len(trades))
	}

	w = do(t, router, "GET", "/api/v1/trades", "bob", nil)
	if got := w.Body.String(); got != "[]\n" {
		t.Errorf("expected empty list for bob, got %q", got)
	}

	w = do(t, router, "GET", "/api/v1/trades?limit=x", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", w.Code)
	}
}

func TestGetSequence(t *testing.T) {
	e := newEnv(t, 100)
	router := newTestRouter(t, e)

	w := do(t, router, "GET", "/api/v1/sequence?from=8", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		Length int64        `json:"length"`
		Ticks  []model.Tick `json:"ticks"`
	}
	json.Unmarshal(w.Body.Bytes(), &body)
	if body.Length != 11 || len(body.Ticks) != 3 || body.Ticks[0].Index != 8 {
		t.Errorf("unexpected range: %+v", body)
	}

	w = do(t, router, "GET", "/api/v1/sequence?from=5&to=2", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for inverted range, got %d", w.Code)
	}

	w = do(t, router, "GET", "/api/v1/sequence/tail", "", nil)
	var tick model.Tick
	json.Unmarshal(w.Body.Bytes(), &tick)
	if tick.Index != 10 || !tick.Value.Equal(d(3)) {
		t.Errorf("unexpected tail: %+v", tick)
	}
}
