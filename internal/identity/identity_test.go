package identity_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/identity"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/svcerr"
)

func TestVerify_RoundTrip(t *testing.T) {
	v := identity.NewVerifier("secret", "settlement")
	tok, err := v.Issue("alice", identity.RoleAdmin, time.Minute)
	require.NoError(t, err)

	id, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.UserID)
	assert.True(t, id.IsAdmin())
}

func TestVerify_Rejects(t *testing.T) {
	v := identity.NewVerifier("secret", "settlement")

	expired, err := v.Issue("alice", "", -time.Minute)
	require.NoError(t, err)
	otherKey, err := identity.NewVerifier("other", "settlement").Issue("alice", "", time.Minute)
	require.NoError(t, err)
	otherIssuer, err := identity.NewVerifier("secret", "elsewhere").Issue("alice", "", time.Minute)
	require.NoError(t, err)
	noSubject, err := v.Issue("", "", time.Minute)
	require.NoError(t, err)

	tests := map[string]string{
		"garbage":      "not-a-token",
		"expired":      expired,
		"wrong key":    otherKey,
		"wrong issuer": otherIssuer,
		"no subject":   noSubject,
	}
	for name, tok := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(tok)
			assert.ErrorIs(t, err, svcerr.ErrUnauthorized)
		})
	}
}

func TestMiddleware_EnsuresAccountAndSetsIdentity(t *testing.T) {
	v := identity.NewVerifier("secret", "")
	ms := store.NewMemoryStore()

	var seen string
	h := v.Middleware(ms)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid, err := identity.UserID(r.Context())
		require.NoError(t, err)
		seen = uid
		w.WriteHeader(http.StatusNoContent)
	}))

	tok, err := v.Issue("bob", "", time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/account", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "bob", seen)

	acct, err := ms.GetAccount(req.Context(), "bob")
	require.NoError(t, err)
	assert.True(t, acct.Balance.IsZero())

	// Query parameter form used by websocket clients.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/ws?token="+tok, nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestMiddleware_MissingToken(t *testing.T) {
	v := identity.NewVerifier("secret", "")
	h := v.Middleware(store.NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/account", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRequireAdmin(t *testing.T) {
	h := identity.RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/credit", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req.WithContext(identity.WithIdentity(req.Context(), identity.Identity{UserID: "u"})))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req.WithContext(identity.WithIdentity(req.Context(), identity.Identity{UserID: "u", Role: identity.RoleAdmin})))
	assert.Equal(t, http.StatusOK, rr.Code)
}
