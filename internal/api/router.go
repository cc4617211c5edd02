// Package api wires the gateway's HTTP route tree: the OpenAI-compatible
// client surface, the admin management surface, and the operational
// endpoints (health, version, metrics). Adapted from the teacher's
// NewRouter (internal/api/router.go) — same middleware stack and CORS
// setup, with the agent-platform route tree replaced by the gateway's
// much smaller surface.
package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ariaforge/inferd/internal/api/handlers"
	"github.com/ariaforge/inferd/internal/api/middleware"
	"github.com/ariaforge/inferd/internal/auth"
	"github.com/ariaforge/inferd/internal/config"
	"github.com/ariaforge/inferd/internal/metrics"
)

// adminTokenMiddleware requires a Bearer token matching the configured
// static admin token. Client API keys (bcrypt-hashed, DB-backed) never
// satisfy this — the admin surface has its own, simpler credential.
func adminTokenMiddleware(adminToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := auth.ExtractToken(r)
			if !auth.AuthenticateAdminToken(presented, adminToken) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]string{"code": "admin_authentication_required", "message": "set Authorization: Bearer <admin token>"},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Handlers bundles every handler group the router mounts.
type Handlers struct {
	Client  *handlers.ClientHandlers
	Admin   *handlers.AdminHandlers
	APIKeys *handlers.APIKeyHandlers
	Auth    *middleware.AuthMiddleware
}

// NewRouter builds the gateway's HTTP handler.
func NewRouter(cfg *config.Config, h *Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)

	corsOrigins := parseCORSOrigins(cfg)
	isWildcard := len(corsOrigins) == 1 && corsOrigins[0] == "*"
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id", "X-API-Key"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: !isWildcard,
		MaxAge:           300,
	}))

	if h.Auth != nil {
		r.Use(h.Auth.Handler)
	}

	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))
	r.Handle("/metrics", metrics.Handler())

	// OpenAI-compatible client surface.
	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", h.Client.ChatCompletions)
		r.Post("/completions", h.Client.Completions)
		r.Post("/embeddings", h.Client.Embeddings)
		r.Get("/models", h.Client.ListModels)
		r.Get("/models/status", h.Client.ModelStatus)
	})

	// Admin surface: model lifecycle and API key management, gated by a
	// separate static operator token — distinct from client API keys,
	// since these operations control infrastructure, not inference.
	r.Route("/admin", func(r chi.Router) {
		r.Use(adminTokenMiddleware(cfg.Auth.AdminToken))

		r.Route("/models", func(r chi.Router) {
			r.Get("/", h.Admin.List)
			r.Post("/", h.Admin.Create)
			r.Post("/dry_run", h.Admin.DryRun)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.Admin.Get)
				r.Put("/", h.Admin.Update)
				r.Delete("/", h.Admin.Delete)
				r.Post("/apply", h.Admin.Apply)
				r.Post("/start", h.Admin.Start)
				r.Post("/stop", h.Admin.Stop)
				r.Get("/logs", h.Admin.Logs)
				r.Get("/readiness", h.Admin.Readiness)
			})
		})

		r.Route("/api-keys", func(r chi.Router) {
			r.Get("/", h.APIKeys.List)
			r.Post("/", h.APIKeys.Create)
			r.Post("/{id}/disable", h.APIKeys.Disable)
		})
	})

	return r
}

// parseCORSOrigins reads allowed CORS origins from config, defaulting to
// the open wildcard (safe only because AllowCredentials is then forced
// false) — same ISS-022 fix the teacher's parseCORSOrigins carries.
func parseCORSOrigins(cfg *config.Config) []string {
	if len(cfg.CORS.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	var origins []string
	for _, o := range cfg.CORS.AllowedOrigins {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "inferd",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "inferd",
		})
	}
}
