package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariaforge/inferd/internal/config"
	"github.com/ariaforge/inferd/internal/health"
	"github.com/ariaforge/inferd/internal/ratelimit"
	"github.com/ariaforge/inferd/internal/registry"
	"github.com/ariaforge/inferd/internal/router"
	"github.com/ariaforge/inferd/internal/store"
	"github.com/ariaforge/inferd/pkg/models"
)

func TestClientHandlers_Proxy_ModelNotFound(t *testing.T) {
	s := store.NewMemoryStore()
	reg := registry.New(s)
	mon := health.New(config.HealthConfig{Path: "/health"}, config.BreakerConfig{FailureThreshold: 3, OpenDuration: time.Minute}, nil, nil, reg)
	rt := router.New(reg, mon, s, config.HealthConfig{}, nil, nil)
	lim := ratelimit.New(config.RateLimitConfig{Enabled: false})

	h := NewClientHandlers(rt, reg, mon, lim)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"missing"}`))
	rec := httptest.NewRecorder()
	h.ChatCompletions(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestClientHandlers_Proxy_MissingModelField(t *testing.T) {
	s := store.NewMemoryStore()
	reg := registry.New(s)
	mon := health.New(config.HealthConfig{Path: "/health"}, config.BreakerConfig{FailureThreshold: 3, OpenDuration: time.Minute}, nil, nil, reg)
	rt := router.New(reg, mon, s, config.HealthConfig{}, nil, nil)
	lim := ratelimit.New(config.RateLimitConfig{Enabled: false})

	h := NewClientHandlers(rt, reg, mon, lim)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h.ChatCompletions(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClientHandlers_ListModels(t *testing.T) {
	s := store.NewMemoryStore()
	reg := registry.New(s)
	reg.Set(context.Background(), models.RegistryEntry{ServedModelName: "llama-3-8b", URL: "http://upstream", Task: models.TaskGenerate})
	mon := health.New(config.HealthConfig{Path: "/health"}, config.BreakerConfig{FailureThreshold: 3, OpenDuration: time.Minute}, nil, nil, reg)
	rt := router.New(reg, mon, s, config.HealthConfig{}, nil, nil)
	lim := ratelimit.New(config.RateLimitConfig{Enabled: false})

	h := NewClientHandlers(rt, reg, mon, lim)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	h.ListModels(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	data := payload["data"].([]any)
	require.Len(t, data, 1)
	assert.Equal(t, "llama-3-8b", data[0].(map[string]any)["id"])
}

func TestClientHandlers_ModelStatus(t *testing.T) {
	s := store.NewMemoryStore()
	reg := registry.New(s)
	reg.Set(context.Background(), models.RegistryEntry{ServedModelName: "llama-3-8b", URL: "http://upstream", Task: models.TaskGenerate})
	mon := health.New(config.HealthConfig{Path: "/health"}, config.BreakerConfig{FailureThreshold: 3, OpenDuration: time.Minute}, nil, nil, reg)
	rt := router.New(reg, mon, s, config.HealthConfig{}, nil, nil)
	lim := ratelimit.New(config.RateLimitConfig{Enabled: false})

	h := NewClientHandlers(rt, reg, mon, lim)

	req := httptest.NewRequest(http.MethodGet, "/v1/models/status", nil)
	rec := httptest.NewRecorder()
	h.ModelStatus(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	list := payload["models"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "llama-3-8b", list[0].(map[string]any)["served_model_name"])
}
