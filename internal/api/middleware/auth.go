package middleware

import (
	"crypto/sha256"
	"net/http"
	"strings"
	"sync"

	"github.com/kiranshivaraju/gpufleet/internal/api/response"
	"github.com/kiranshivaraju/gpufleet/internal/config"
	"golang.org/x/crypto/bcrypt"
)

const (
	ScopeSubmit   = "submit"
	ScopeOperator = "operator"

	// AnonymousKey names requests served when no keys are configured.
	AnonymousKey = "anonymous"
)

// Auth provides authentication and scope-checking middleware backed by the
// bcrypt-hashed keys from the configuration.
type Auth struct {
	keys []config.APIKey

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]int
}

// NewAuth creates a new Auth middleware. With no keys every request is
// accepted with all scopes.
func NewAuth(keys []config.APIKey) *Auth {
	return &Auth{
		keys:     keys,
		verified: make(map[[sha256.Size]byte]int),
	}
}

// Open reports whether authentication is disabled.
func (a *Auth) Open() bool {
	return len(a.keys) == 0
}

// Authenticate validates the Bearer token and sets the key name and scopes
// in the request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.Open() {
			ctx := SetKeyName(r.Context(), AnonymousKey)
			ctx = SetScopes(ctx, []string{ScopeSubmit, ScopeOperator})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		rawKey := extractBearerToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		idx, ok := a.match(rawKey)
		if !ok {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key", nil)
			return
		}

		key := a.keys[idx]
		ctx := SetKeyName(r.Context(), key.Name)
		ctx = SetScopes(ctx, key.Scopes)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// match finds the configured key for rawKey. Tokens that passed bcrypt once
// are remembered by digest.
func (a *Auth) match(rawKey string) (int, bool) {
	sum := sha256.Sum256([]byte(rawKey))
	a.mu.RLock()
	idx, ok := a.verified[sum]
	a.mu.RUnlock()
	if ok {
		return idx, true
	}

	for i, key := range a.keys {
		if bcrypt.CompareHashAndPassword([]byte(key.Hash), []byte(rawKey)) == nil {
			a.mu.Lock()
			a.verified[sum] = i
			a.mu.Unlock()
			return i, true
		}
	}
	return 0, false
}

// RequireScope returns middleware that checks whether the authenticated
// API key has the specified scope.
func (a *Auth) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scopes := getScopes(r)
			for _, s := range scopes {
				if s == scope {
					next.ServeHTTP(w, r)
					return
				}
			}
			response.Error(w, http.StatusForbidden,
				"FORBIDDEN", "Insufficient permissions", nil)
		})
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
