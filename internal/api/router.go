// Package api assembles the HTTP surface of the settlement engine.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/settlement-engine/internal/game"
	"github.com/atmx/settlement-engine/internal/hub"
	"github.com/atmx/settlement-engine/internal/identity"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/trade"
)

// Deps are the handlers mounted by NewRouter.
type Deps struct {
	Verifier *identity.Verifier
	Accounts *Accounts
	Ledger   identity.AccountEnsurer
	Games    *game.Engine
	Trades   *trade.Manager
	Hub      *hub.Hub

	// RequestTimeout bounds every request except the websocket stream.
	RequestTimeout time.Duration
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"settlement-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(d.Verifier.Middleware(d.Ledger))

		// Long-lived; kept outside the request timeout.
		r.Get("/ws", d.Hub.HandleWS)

		r.Group(func(r chi.Router) {
			if d.RequestTimeout > 0 {
				r.Use(middleware.Timeout(d.RequestTimeout))
			}

			r.Get("/account", d.Accounts.GetAccount)
			r.With(identity.RequireAdmin).Post("/admin/credit", d.Accounts.Credit)

			r.Post("/games/coinflip", d.Games.PlayCoinFlip)
			r.Post("/games/dice", d.Games.PlayDice)
			r.Post("/games/arcade", d.Games.PlayArcade)

			r.Get("/trades", d.Trades.ListTrades)
			r.Post("/trades", d.Trades.OpenTrade)
			r.Get("/trades/{tradeID}", d.Trades.GetTrade)
			r.Patch("/trades/{tradeID}/multiplier", d.Trades.UpdateMultiplier)
			r.Post("/trades/{tradeID}/resolve", d.Trades.ResolveTrade)
			r.Post("/trades/{tradeID}/settle", d.Trades.SettleTrade)

			r.Get("/sequence", d.Trades.GetSequence)
			r.Get("/sequence/tail", d.Trades.GetSequenceTail)
		})
	})

	return r
}

// cors allows the browser client on any origin.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
