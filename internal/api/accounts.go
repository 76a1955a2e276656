package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/events"
	"github.com/atmx/settlement-engine/internal/httpx"
	"github.com/atmx/settlement-engine/internal/hub"
	"github.com/atmx/settlement-engine/internal/identity"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/svcerr"
)

// Accounts serves balance reads and operator credits.
type Accounts struct {
	ledger    store.Ledger
	publisher events.Publisher
	notify    hub.Notifier
	logger    *slog.Logger
}

func NewAccounts(ledger store.Ledger, publisher events.Publisher, notify hub.Notifier, logger *slog.Logger) *Accounts {
	return &Accounts{ledger: ledger, publisher: publisher, notify: notify, logger: logger}
}

// CreditRequest is the JSON body for POST /admin/credit.
type CreditRequest struct {
	UserID         string          `json:"user_id" validate:"required,max=128"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key,omitempty" validate:"max=128"`
}

// GetAccount handles GET /api/v1/account
func (a *Accounts) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID, err := identity.UserID(r.Context())
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	acct, err := a.ledger.GetAccount(r.Context(), userID)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, acct)
}

// Credit handles POST /api/v1/admin/credit
// The target account is created if it does not exist yet.
func (a *Accounts) Credit(w http.ResponseWriter, r *http.Request) {
	var req CreditRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if err := httpx.Validate(req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if !req.Amount.IsPositive() {
		httpx.WriteError(w, r, fmt.Errorf("%w: amount must be positive", svcerr.ErrInvalidInput))
		return
	}
	if !model.FitsMoneyScale(req.Amount) {
		httpx.WriteError(w, r, fmt.Errorf("%w: amount allows at most %d decimal places", svcerr.ErrInvalidInput, model.MoneyScale))
		return
	}

	ctx := r.Context()
	if _, err := a.ledger.EnsureAccount(ctx, req.UserID); err != nil {
		httpx.WriteError(w, r, err)
		return
	}

	key := ""
	if req.IdempotencyKey != "" {
		key = "credit:" + req.IdempotencyKey
	}
	receipt, err := a.ledger.ApplyDelta(ctx, req.UserID, key, func(balance decimal.Decimal) (decimal.Decimal, any, error) {
		return balance.Add(req.Amount), map[string]any{"amount": req.Amount}, nil
	})
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}

	if !receipt.Replayed {
		admin, _ := identity.UserID(ctx)
		a.logger.Info("account credited",
			"user", req.UserID,
			"amount", req.Amount.String(),
			"balance", receipt.Balance.String(),
			"by", admin,
		)
		a.publisher.Publish(ctx, events.New(events.BalanceCredited, req.UserID, nil).WithBalance(req.Amount, receipt.Balance))
		a.notify.SendTo(req.UserID, hub.Message{
			Type:  hub.TypeBalance,
			Event: string(events.BalanceCredited),
			Data:  map[string]any{"balance": receipt.Balance, "delta": req.Amount},
		})
	}

	acct, err := a.ledger.GetAccount(ctx, req.UserID)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, acct)
}
