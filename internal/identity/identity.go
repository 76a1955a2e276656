// Package identity verifies bearer tokens and carries the verified caller
// through the request context.
package identity

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/atmx/settlement-engine/internal/httpx"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/svcerr"
)

// RoleAdmin grants access to the operator endpoints.
const RoleAdmin = "admin"

// Identity is a verified caller.
type Identity struct {
	UserID string
	Role   string
}

func (i Identity) IsAdmin() bool { return i.Role == RoleAdmin }

// Claims is the token payload. The user id travels in the subject.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// AccountEnsurer creates the caller's account on first access.
type AccountEnsurer interface {
	EnsureAccount(ctx context.Context, accountID string) (*model.Account, error)
}

// Verifier checks HS256 tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	issuer string

	// ensured remembers which accounts already exist in this process.
	ensured sync.Map
}

func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// Issue signs a token for userID. Used by operators and tests; end users get
// tokens from the external identity provider.
func (v *Verifier) Issue(userID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify parses and validates a raw token.
func (v *Verifier) Verify(raw string) (Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", svcerr.ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", svcerr.ErrUnauthorized)
	}
	return Identity{UserID: claims.Subject, Role: claims.Role}, nil
}

// Middleware authenticates every request, ensures the caller's account
// exists and stores the identity in the request context. The token is read
// from the Authorization header, or from the "token" query parameter for
// websocket clients that cannot set headers.
func (v *Verifier) Middleware(accounts AccountEnsurer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				httpx.WriteError(w, r, fmt.Errorf("%w: missing token", svcerr.ErrUnauthorized))
				return
			}
			id, err := v.Verify(raw)
			if err != nil {
				httpx.WriteError(w, r, err)
				return
			}
			if err := v.ensure(r.Context(), accounts, id.UserID); err != nil {
				httpx.WriteError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func (v *Verifier) ensure(ctx context.Context, accounts AccountEnsurer, userID string) error {
	if _, ok := v.ensured.Load(userID); ok {
		return nil
	}
	if _, err := accounts.EnsureAccount(ctx, userID); err != nil {
		return err
	}
	v.ensured.Store(userID, struct{}{})
	return nil
}

// RequireAdmin rejects callers without the admin role.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := FromContext(r.Context())
		if !ok || !id.IsAdmin() {
			httpx.WriteError(w, r, fmt.Errorf("admin only: %w", svcerr.ErrForbidden))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// UserID returns the verified caller, or ErrUnauthorized when the request
// did not pass through Middleware.
func UserID(ctx context.Context) (string, error) {
	id, ok := FromContext(ctx)
	if !ok || id.UserID == "" {
		return "", fmt.Errorf("%w: no identity in context", svcerr.ErrUnauthorized)
	}
	return id.UserID, nil
}
