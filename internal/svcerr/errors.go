// Package svcerr defines the error taxonomy shared by the settlement engine
// and the mapping of those errors onto HTTP responses.
package svcerr

import (
	"errors"
	"net/http"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAccountNotFound   = errors.New("account not found")
	ErrTransientStore    = errors.New("store unavailable")

	// ErrDuplicateSettlement is reported internally when a settle finds the
	// trade already settled. Callers treat it as success.
	ErrDuplicateSettlement = errors.New("trade already settled")

	ErrNotFound      = errors.New("not found")
	ErrForbidden     = errors.New("forbidden")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrTradeResolved = errors.New("trade already resolved")
	ErrNotResolvable = errors.New("trade not yet resolvable")
)

// Reason is a stable machine-readable failure code returned to clients.
type Reason string

const (
	ReasonInvalidInput      Reason = "invalid_input"
	ReasonInsufficientFunds Reason = "insufficient_funds"
	ReasonAccountNotFound   Reason = "account_not_found"
	ReasonOutcomeUnknown    Reason = "outcome_unknown"
	ReasonNotFound          Reason = "not_found"
	ReasonForbidden         Reason = "forbidden"
	ReasonUnauthorized      Reason = "unauthorized"
	ReasonTradeResolved     Reason = "trade_resolved"
	ReasonNotResolvable     Reason = "not_resolvable"
	ReasonInternal          Reason = "internal"
)

// Describe maps err onto an HTTP status, a stable reason and a message that is
// safe to show to the user. Errors outside the taxonomy collapse to a generic
// internal error so nothing leaks.
func Describe(err error) (int, Reason, string) {
	switch {
	case err == nil:
		return http.StatusOK, "", ""
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest, ReasonInvalidInput, err.Error()
	case errors.Is(err, ErrInsufficientFunds):
		return http.StatusConflict, ReasonInsufficientFunds, "balance does not cover this wager"
	case errors.Is(err, ErrAccountNotFound):
		return http.StatusForbidden, ReasonAccountNotFound, "no account is set up for this user"
	case errors.Is(err, ErrTransientStore):
		return http.StatusServiceUnavailable, ReasonOutcomeUnknown,
			"the outcome of this request is unknown, re-check your balance before retrying"
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, ReasonUnauthorized, "missing or invalid credentials"
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, ReasonForbidden, "not allowed"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, ReasonNotFound, err.Error()
	case errors.Is(err, ErrTradeResolved):
		return http.StatusConflict, ReasonTradeResolved, "trade is already resolved"
	case errors.Is(err, ErrNotResolvable):
		return http.StatusConflict, ReasonNotResolvable, "trade cannot be resolved yet"
	default:
		return http.StatusInternalServerError, ReasonInternal, "internal server error"
	}
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientStore)
}
