// Package middleware holds request-context helpers shared by the HTTP
// middleware stack and the handlers it feeds.
package middleware

import (
	"context"

	"github.com/ariaforge/inferd/pkg/models"
)

type contextKey string

const apiKeyContextKey contextKey = "api_key"

// SetAPIKey stores the authenticated APIKey in the context. Called by the
// auth middleware after successful authentication.
func SetAPIKey(ctx context.Context, key *models.APIKey) context.Context {
	if key == nil {
		return ctx
	}
	return context.WithValue(ctx, apiKeyContextKey, key)
}

// GetAPIKey retrieves the authenticated APIKey from the context. Returns
// nil for unauthenticated (dev-bypass) requests.
func GetAPIKey(ctx context.Context) *models.APIKey {
	if v, ok := ctx.Value(apiKeyContextKey).(*models.APIKey); ok {
		return v
	}
	return nil
}
