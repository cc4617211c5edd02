// Package server provides the public entry point for initializing the
// inference gateway: an OpenAI-compatible proxy in front of engine
// containers it manages itself.
//
// This package exists in pkg/ (not internal/) so that cmd/server/main.go
// stays a thin wrapper around New/Shutdown.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8000", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/ariaforge/inferd/internal/api"
	"github.com/ariaforge/inferd/internal/api/handlers"
	"github.com/ariaforge/inferd/internal/api/middleware"
	"github.com/ariaforge/inferd/internal/auth"
	"github.com/ariaforge/inferd/internal/config"
	"github.com/ariaforge/inferd/internal/health"
	"github.com/ariaforge/inferd/internal/process"
	"github.com/ariaforge/inferd/internal/ratelimit"
	"github.com/ariaforge/inferd/internal/registry"
	modelrouter "github.com/ariaforge/inferd/internal/router"
	"github.com/ariaforge/inferd/internal/store"
	"github.com/ariaforge/inferd/internal/telemetry"
)

// Server holds the initialized inference gateway.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store (in-memory or Postgres).
	Store store.Store

	// Registry is the served-model-name -> upstream registry.
	Registry *registry.Registry

	// Monitor runs the background health/breaker polling loop.
	Monitor *health.Monitor

	// Router forwards client requests to healthy upstreams.
	Router *modelrouter.Router

	// Manager owns the container lifecycle for engine-backed models.
	Manager *process.Manager

	// Config is the loaded gateway configuration.
	Config *config.Config

	// shutdownTelemetry flushes OTEL spans on graceful shutdown.
	shutdownTelemetry func(context.Context) error

	// monitorCancel stops the health monitor's background goroutine.
	monitorCancel context.CancelFunc
}

// New initializes the gateway from environment-derived configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the gateway with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	if err := dataStore.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	log.Info().Msg("store initialized")

	reg := registry.New(dataStore)
	if err := reg.Load(ctx); err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	log.Info().Int("entries", len(reg.List())).Msg("model registry loaded")

	monitor := health.New(cfg.Health, cfg.Breaker, cfg.Pools.GenerationURLs, cfg.Pools.EmbeddingURLs, reg)
	monitorCtx, monitorCancel := context.WithCancel(context.Background())
	go monitor.Run(monitorCtx)
	log.Info().Dur("interval", cfg.Health.PollInterval).Msg("health monitor started")

	rt := modelrouter.New(reg, monitor, dataStore, cfg.Health, cfg.Pools.GenerationURLs, cfg.Pools.EmbeddingURLs)
	log.Info().Msg("router initialized")

	mgr := process.NewManager(dataStore, reg, cfg.Engine)
	log.Info().Str("network", cfg.Engine.DockerNetwork).Msg("lifecycle manager initialized")

	limiter := ratelimit.New(cfg.RateLimit)
	log.Info().Bool("enabled", cfg.RateLimit.Enabled).Msg("rate limiter initialized")

	authn := auth.New(dataStore)
	authMiddleware := middleware.NewAuthMiddleware(authn, cfg.Auth.RequireAPIKey)

	h := &api.Handlers{
		Client:  handlers.NewClientHandlers(rt, reg, monitor, limiter),
		Admin:   handlers.NewAdminHandlers(dataStore, mgr, monitor),
		APIKeys: handlers.NewAPIKeyHandlers(dataStore),
		Auth:    authMiddleware,
	}

	router := api.NewRouter(cfg, h)

	return &Server{
		Handler:           router,
		Store:             dataStore,
		Registry:          reg,
		Monitor:           monitor,
		Router:            rt,
		Manager:           mgr,
		Config:            cfg,
		shutdownTelemetry: shutdownTelemetry,
		monitorCancel:     monitorCancel,
	}, nil
}

// buildStore picks MemoryStore or PostgresStore based on cfg.Database.URL,
// the same branch-at-the-edge pattern the teacher uses to keep every other
// package store-backend-agnostic.
func buildStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.URL == "" {
		log.Info().Msg("DATABASE_URL not set, using in-memory store")
		return store.NewMemoryStore(), nil
	}
	store.MigrationsPath = cfg.Database.MigrationsPath
	return store.NewPostgresStore(ctx, cfg.Database.URL, int32(cfg.Database.MaxConnections))
}

// Shutdown stops the health monitor, stops every running engine container,
// flushes telemetry, and closes the store. Called in that order because
// containers must stop before the store they report their state into goes
// away.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.monitorCancel != nil {
		s.monitorCancel()
	}
	if s.Manager != nil {
		if err := s.Manager.StopAll(ctx); err != nil {
			log.Warn().Err(err).Msg("error stopping engine containers during shutdown")
		}
	}
	if s.shutdownTelemetry != nil {
		if err := s.shutdownTelemetry(ctx); err != nil {
			log.Warn().Err(err).Msg("error flushing telemetry during shutdown")
		}
	}
	if s.Store != nil {
		return s.Store.Close()
	}
	return nil
}
