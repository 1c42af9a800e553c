// Package auth resolves bearer credentials into identities.
//
// Token issuance and JWT signature verification belong to the external
// identity provider; this package only defines the Verifier seam the HTTP
// layer authenticates through, plus a static implementation used for the
// bootstrap admin credential and for tests.
package auth

import (
	"context"
	"strings"
	"sync"

	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/apperr"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/model"
)

// Identity is an authenticated caller.
type Identity struct {
	// UserID is the identity provider's subject identifier.
	UserID string

	// Role grants API capabilities.
	Role model.Role

	// Email is informational; it is not re-verified here.
	Email string
}

// IsAdmin reports whether the identity holds the admin role.
func (id *Identity) IsAdmin() bool {
	return id != nil && id.Role == model.RoleAdmin
}

// Verifier turns a bearer token into an identity.
type Verifier interface {
	// Verify validates the token and returns the identity it names. A
	// missing, expired or malformed token yields KindUnauthenticated.
	Verify(ctx context.Context, token string) (*Identity, error)
}

// ErrUnauthenticated is returned for any credential that does not resolve
// to an identity. The message is deliberately uniform so callers cannot
// probe which tokens exist.
var ErrUnauthenticated = apperr.New(apperr.KindUnauthenticated, "geçersiz veya eksik kimlik bilgisi")

// StaticVerifier resolves tokens from a fixed in-memory table. It backs the
// bootstrap admin credential and the HTTP tests.
type StaticVerifier struct {
	mu     sync.RWMutex
	tokens map[string]Identity
}

var _ Verifier = (*StaticVerifier)(nil)

// NewStaticVerifier builds an empty static verifier.
func NewStaticVerifier() *StaticVerifier {
	return &StaticVerifier{tokens: make(map[string]Identity)}
}

// Register maps a token to an identity. Empty tokens are ignored so a blank
// bootstrap credential in config cannot open an unauthenticated admin hole.
func (v *StaticVerifier) Register(token string, id Identity) {
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tokens[token] = id
}

// Verify implements Verifier.
func (v *StaticVerifier) Verify(_ context.Context, token string) (*Identity, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	id, ok := v.tokens[token]
	if !ok {
		return nil, ErrUnauthenticated
	}
	out := id
	return &out, nil
}

type contextKey struct{}

// WithIdentity stores an identity on the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored by the authentication middleware,
// or nil when the request was not authenticated.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(contextKey{}).(*Identity)
	return id
}

// BearerToken extracts the credential from an Authorization header value.
// The empty string means no usable credential was presented.
func BearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
