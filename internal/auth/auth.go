// Package auth authenticates gateway requests against the APIKey store.
// Grounded on the teacher's header-extraction idiom
// (internal/auth/apikey_provider.go: Bearer / X-API-Key / query param) but
// replacing its flat env-var key set with a prefix-indexed, bcrypt-hashed
// DB lookup, since this gateway's keys are provisioned at runtime via the
// admin surface rather than baked into the environment.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/ariaforge/inferd/internal/store"
	"github.com/ariaforge/inferd/pkg/models"
)

// ErrNoCredential is returned when the request carries no bearer token at all.
var ErrNoCredential = errors.New("no credential presented")

// ErrInvalidCredential is returned when a credential is present but wrong,
// or matches a disabled key.
var ErrInvalidCredential = errors.New("invalid credential")

const prefixLen = 8

// Authenticator validates client-presented tokens against the APIKey store.
type Authenticator struct {
	store store.APIKeyStore
}

func New(s store.APIKeyStore) *Authenticator {
	return &Authenticator{store: s}
}

// Authenticate extracts a bearer token from the request and validates it
// against the presenting client's remote IP. Returns the matched APIKey on
// success.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*models.APIKey, error) {
	token := ExtractToken(r)
	if token == "" {
		return nil, ErrNoCredential
	}
	return a.AuthenticateToken(ctx, token, remoteIP(r))
}

// AuthenticateToken validates a raw token string against a presenting
// remoteIP (called by Authenticate for the client auth middleware). Rejects on hash mismatch, disabled, expired, or
// IP not in the key's allowlist, and best-effort updates last_used_at on
// success — a failure there is logged, never surfaced to the caller.
func (a *Authenticator) AuthenticateToken(ctx context.Context, token, remoteIP string) (*models.APIKey, error) {
	if len(token) < prefixLen {
		return nil, ErrInvalidCredential
	}
	prefix := token[:prefixLen]

	candidates, err := a.store.GetAPIKeyByPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for _, k := range candidates {
		if k.Disabled {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(k.Hash), []byte(token)) != nil {
			continue
		}
		if k.Expired(now) {
			return nil, ErrInvalidCredential
		}
		if !k.IPAllowed(remoteIP) {
			return nil, ErrInvalidCredential
		}
		if err := a.store.UpdateAPIKeyLastUsed(ctx, k.ID, now); err != nil {
			log.Warn().Err(err).Str("key_id", k.ID).Msg("failed to update api key last_used_at")
		}
		k.LastUsedAt = &now
		return &k, nil
	}
	return nil, ErrInvalidCredential
}

// remoteIP extracts the bare IP from r.RemoteAddr, stripped of its port.
// chimw.RealIP runs ahead of authentication in the router's middleware
// chain, so RemoteAddr already reflects X-Forwarded-For/X-Real-IP when the
// gateway sits behind a trusted proxy.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ExtractToken pulls a bearer credential from Authorization, X-API-Key, or
// the api_key query parameter, in that order — same precedence as the
// teacher's extractAPIKeyFromRequest.
func ExtractToken(r *http.Request) string {
	if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimPrefix(authz, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if key := r.URL.Query().Get("api_key"); key != "" {
		return key
	}
	return ""
}

// HashToken produces the bcrypt hash stored for a newly minted API key.
func HashToken(token string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	return string(h), err
}

// constantTimeEqual is kept for the admin static-token path (no bcrypt hash
// involved there — it's a single operator-configured secret), mirroring the
// teacher's crypto/subtle usage in internal/api/middleware/apikey.go.
func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// AuthenticateAdminToken compares a presented token against the configured
// static admin token.
func AuthenticateAdminToken(presented, configured string) bool {
	if configured == "" {
		return false
	}
	return constantTimeEqual(presented, configured)
}
