package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ariaforge/inferd/internal/auth"
	pkgmw "github.com/ariaforge/inferd/pkg/middleware"
)

// AuthMiddleware authenticates client-surface requests against the APIKey
// store. Adapted from the teacher's chain-based AuthMiddleware
// (internal/api/middleware/auth.go) but walking a single Authenticator
// instead of a pluggable provider chain — this gateway has exactly one
// credential kind.
type AuthMiddleware struct {
	authn       *auth.Authenticator
	requireAuth bool
}

// NewAuthMiddleware creates the auth middleware. If requireAuth is false
// (GATEWAY_DEV_BYPASS=true), unauthenticated requests proceed as anonymous.
func NewAuthMiddleware(authn *auth.Authenticator, requireAuth bool) *AuthMiddleware {
	return &AuthMiddleware{authn: authn, requireAuth: requireAuth}
}

// Handler authenticates the request and stores the resulting APIKey in
// context, or rejects with 401 per spec.md §7's error taxonomy.
func (am *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isAuthPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		key, err := am.authn.Authenticate(r.Context(), r)
		switch {
		case err == nil:
			next.ServeHTTP(w, r.WithContext(pkgmw.SetAPIKey(r.Context(), key)))
		case errors.Is(err, auth.ErrNoCredential):
			if am.requireAuth {
				writeAuthError(w, "authentication_required", "Set Authorization: Bearer <key> or X-API-Key.")
				return
			}
			next.ServeHTTP(w, r)
		default:
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("authentication failed")
			writeAuthError(w, "authentication_failed", "invalid API key")
		}
	})
}

func writeAuthError(w http.ResponseWriter, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="inferd"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

// isAuthPublicPath returns true for paths that should skip client API-key
// authentication. /admin is excluded here because it authenticates with
// its own static operator token (see api.adminTokenMiddleware), not a
// client API key.
func isAuthPublicPath(path string) bool {
	switch path {
	case "/health", "/version", "/metrics":
		return true
	}
	return strings.HasPrefix(path, "/admin")
}
