// Package httpx holds the JSON response helpers used by every handler.
package httpx

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/atmx/settlement-engine/internal/svcerr"
)

// ErrorBody is the JSON body of every failed response.
type ErrorBody struct {
	Error  string        `json:"error"`
	Reason svcerr.Reason `json:"reason"`
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "err", err)
	}
}

// WriteError maps err through the error taxonomy and writes it.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status, reason, msg := svcerr.Describe(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"err", err,
		)
	}
	WriteJSON(w, status, ErrorBody{Error: msg, Reason: reason})
}

// DecodeJSON decodes the request body into dst, rejecting unknown fields.
// Decode failures are reported as invalid input.
func DecodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid request body", svcerr.ErrInvalidInput)
	}
	return nil
}
