package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ariaforge/inferd/internal/health"
	"github.com/ariaforge/inferd/internal/ratelimit"
	"github.com/ariaforge/inferd/internal/registry"
	"github.com/ariaforge/inferd/internal/router"
	pkgmw "github.com/ariaforge/inferd/pkg/middleware"
	"github.com/ariaforge/inferd/pkg/models"
)

// ClientHandlers serves the OpenAI-compatible surface: chat/completions,
// completions, embeddings, and model listing.
type ClientHandlers struct {
	router   *router.Router
	registry *registry.Registry
	monitor  *health.Monitor
	limiter  *ratelimit.Limiter
}

func NewClientHandlers(rt *router.Router, reg *registry.Registry, mon *health.Monitor, lim *ratelimit.Limiter) *ClientHandlers {
	return &ClientHandlers{router: rt, registry: reg, monitor: mon, limiter: lim}
}

type inboundRequest struct {
	Model     string `json:"model"`
	Stream    bool   `json:"stream"`
	MaxTokens int    `json:"max_tokens"`
}

// ChatCompletions proxies POST /v1/chat/completions.
func (h *ClientHandlers) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	h.proxy(w, r, "/v1/chat/completions", models.TaskGenerate, "chat")
}

// Completions proxies POST /v1/completions.
func (h *ClientHandlers) Completions(w http.ResponseWriter, r *http.Request) {
	h.proxy(w, r, "/v1/completions", models.TaskGenerate, "completions")
}

// Embeddings proxies POST /v1/embeddings.
func (h *ClientHandlers) Embeddings(w http.ResponseWriter, r *http.Request) {
	h.proxy(w, r, "/v1/embeddings", models.TaskEmbed, "embeddings")
}

// proxy implements the client-facing half of the six-step pipeline:
// authorize (scope check; authentication already happened in middleware),
// rate-limit, then hand off to the Router for resolve/forward/account.
// requiredScope is one of "chat", "completions", "embeddings" per
// spec.md's per-path scope requirement.
func (h *ClientHandlers) proxy(w http.ResponseWriter, r *http.Request, path string, task models.Task, requiredScope string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "could not read request body")
		return
	}

	var inbound inboundRequest
	if err := json.Unmarshal(body, &inbound); err != nil || inbound.Model == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", `request body must be JSON with a "model" field`)
		return
	}

	apiKey := pkgmw.GetAPIKey(r.Context())
	apiKeyID := "anonymous"
	if apiKey != nil {
		apiKeyID = apiKey.ID
		if !apiKey.HasScope(requiredScope) {
			respondError(w, http.StatusForbidden, "insufficient_scope", "this API key may not call the "+requiredScope+" surface")
			return
		}
	}

	if h.limiter != nil && !h.limiter.Allow(r.Context(), apiKeyID) {
		respondError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "too many requests")
		return
	}

	if inbound.Stream {
		if h.limiter != nil && !h.limiter.AcquireStream(apiKeyID) {
			respondError(w, http.StatusTooManyRequests, "too_many_concurrent_streams", "only one concurrent stream is allowed per credential")
			return
		}
		defer h.limiter.ReleaseStream(apiKeyID)
	}

	requestID := uuid.NewString()
	w.Header().Set("X-Request-Id", requestID)

	req := router.ProxyRequest{
		ServedModelName: inbound.Model,
		Task:            task,
		Stream:          inbound.Stream,
		Method:          http.MethodPost,
		Path:            path,
		Body:            body,
		Header:          r.Header,
		APIKeyID:        apiKeyID,
		MaxTokens:       inbound.MaxTokens,
	}

	outcome := h.router.Forward(r.Context(), w, req)
	if outcome.Err != nil {
		writeForwardError(w, outcome)
	}
	h.router.RecordOutcome(r.Context(), req, outcome, requestID)
}

func writeForwardError(w http.ResponseWriter, outcome router.Outcome) {
	if outcome.StatusCode != 0 {
		// The router already wrote the upstream's own response; nothing
		// further to send.
		return
	}
	if errors.Is(outcome.Err, router.ErrNoHealthyUpstream) {
		respondError(w, http.StatusServiceUnavailable, "no_upstreams_available", outcome.Err.Error())
		return
	}
	respondError(w, http.StatusBadGateway, "upstream_unavailable", outcome.Err.Error())
}

// ListModels serves GET /v1/models in OpenAI's list shape.
func (h *ClientHandlers) ListModels(w http.ResponseWriter, r *http.Request) {
	entries := h.registry.List()
	data := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		data = append(data, map[string]any{
			"id":       e.ServedModelName,
			"object":   "model",
			"owned_by": "inferd",
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

// ModelStatus serves GET /v1/models/status: per-model health and breaker
// state, a gateway-specific extension beyond the base OpenAI surface.
func (h *ClientHandlers) ModelStatus(w http.ResponseWriter, r *http.Request) {
	entries := h.registry.List()
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		meta, _ := h.monitor.HealthMeta(e.URL)
		breaker := h.monitor.BreakerState(e.URL)
		out = append(out, map[string]any{
			"served_model_name": e.ServedModelName,
			"task":              e.Task,
			"engine_type":       e.EngineType,
			"healthy":           meta.OK,
			"consecutive_fails": meta.ConsecutiveFails,
			"breaker_open":      breaker.Open(time.Now()),
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"models": out})
}
