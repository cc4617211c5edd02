package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariaforge/inferd/internal/config"
	"github.com/ariaforge/inferd/internal/health"
	"github.com/ariaforge/inferd/internal/registry"
	"github.com/ariaforge/inferd/internal/store"
	"github.com/ariaforge/inferd/pkg/models"
)

func newTestRouter(t *testing.T, upstreamURL string) (*Router, store.Store) {
	t.Helper()
	return newTestRouterWithPools(t, upstreamURL, nil, nil)
}

func newTestRouterWithPools(t *testing.T, upstreamURL string, genPool, embPool []string) (*Router, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	reg := registry.New(s)
	ctx := context.Background()
	reg.Set(ctx, models.RegistryEntry{ServedModelName: "llama-3-8b", URL: upstreamURL, Task: models.TaskGenerate})

	mon := health.New(config.HealthConfig{Path: "/health"}, config.BreakerConfig{FailureThreshold: 3, OpenDuration: time.Minute}, nil, nil, reg)
	return New(reg, mon, s, config.HealthConfig{}, genPool, embPool), s
}

func TestRouter_Forward_UnaryHappyPath(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id": "chatcmpl-1",
			"usage": map[string]int{
				"prompt_tokens":     10,
				"completion_tokens": 5,
				"total_tokens":      15,
			},
		})
	}))
	defer upstream.Close()

	rt, _ := newTestRouter(t, upstream.URL)
	rec := httptest.NewRecorder()

	out := rt.Forward(context.Background(), rec, ProxyRequest{
		ServedModelName: "llama-3-8b",
		Method:          http.MethodPost,
		Path:            "/v1/chat/completions",
		Body:            []byte(`{"model":"llama-3-8b"}`),
		Header:          http.Header{},
	})

	require.NoError(t, out.Err)
	assert.Equal(t, http.StatusOK, out.StatusCode)
	assert.Equal(t, 15, out.TotalTokens)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_Forward_NoRegisteredModel_NoPoolConfigured(t *testing.T) {
	rt, _ := newTestRouter(t, "http://localhost:9")
	rec := httptest.NewRecorder()

	out := rt.Forward(context.Background(), rec, ProxyRequest{
		ServedModelName: "does-not-exist",
		Method:          http.MethodPost,
		Path:            "/v1/chat/completions",
		Header:          http.Header{},
	})

	require.Error(t, out.Err)
	assert.ErrorIs(t, out.Err, ErrNoHealthyUpstream)
}

func TestRouter_Forward_NoRegisteredModel_FallsBackToPool(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"id": "chatcmpl-1"})
	}))
	defer upstream.Close()

	rt, _ := newTestRouterWithPools(t, "http://localhost:9", []string{upstream.URL}, nil)
	rec := httptest.NewRecorder()

	out := rt.Forward(context.Background(), rec, ProxyRequest{
		ServedModelName: "does-not-exist",
		Task:            models.TaskGenerate,
		Method:          http.MethodPost,
		Path:            "/v1/chat/completions",
		Body:            []byte(`{"model":"does-not-exist"}`),
		Header:          http.Header{},
	})

	require.NoError(t, out.Err)
	assert.Equal(t, http.StatusOK, out.StatusCode)
}

func TestRouter_Forward_NoRegisteredModel_EmptyPoolStillFails(t *testing.T) {
	rt, _ := newTestRouterWithPools(t, "http://localhost:9", nil, nil)
	rec := httptest.NewRecorder()

	out := rt.Forward(context.Background(), rec, ProxyRequest{
		ServedModelName: "does-not-exist",
		Task:            models.TaskEmbed,
		Method:          http.MethodPost,
		Path:            "/v1/embeddings",
		Header:          http.Header{},
	})

	require.Error(t, out.Err)
	assert.ErrorIs(t, out.Err, ErrNoHealthyUpstream)
}

func TestRouter_Forward_RetriesOn500ThenSucceeds(t *testing.T) {
	attempts := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	rt, _ := newTestRouter(t, upstream.URL)
	rec := httptest.NewRecorder()

	out := rt.Forward(context.Background(), rec, ProxyRequest{
		ServedModelName: "llama-3-8b",
		Method:          http.MethodPost,
		Path:            "/v1/chat/completions",
		Body:            []byte(`{}`),
		Header:          http.Header{},
	})

	require.NoError(t, out.Err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, http.StatusOK, out.StatusCode)
}

func TestRouter_Forward_NeverRetriesOn4xx(t *testing.T) {
	attempts := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer upstream.Close()

	rt, _ := newTestRouter(t, upstream.URL)
	rec := httptest.NewRecorder()

	out := rt.Forward(context.Background(), rec, ProxyRequest{
		ServedModelName: "llama-3-8b",
		Method:          http.MethodPost,
		Path:            "/v1/chat/completions",
		Body:            []byte(`{}`),
		Header:          http.Header{},
	})

	require.NoError(t, out.Err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, http.StatusBadRequest, out.StatusCode)
}

func TestRouter_Forward_StreamingFlushesChunks(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		w.Write([]byte("data: {\"choices\":[]}\n\n"))
		flusher.Flush()
		w.Write([]byte("data: {\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":2,\"total_tokens\":5}}\n\n"))
		flusher.Flush()
		w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
	}))
	defer upstream.Close()

	rt, _ := newTestRouter(t, upstream.URL)
	rec := httptest.NewRecorder()

	out := rt.Forward(context.Background(), rec, ProxyRequest{
		ServedModelName: "llama-3-8b",
		Stream:          true,
		Method:          http.MethodPost,
		Path:            "/v1/chat/completions",
		Body:            []byte(`{}`),
		Header:          http.Header{},
	})

	require.NoError(t, out.Err)
	assert.Equal(t, 5, out.TotalTokens)
	assert.Contains(t, rec.Body.String(), "[DONE]")
}

func TestRouter_Forward_FallsBackToCompletionsOnChatTemplateError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/chat/completions" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"this model has no chat template"}`))
			return
		}
		require.Equal(t, "/v1/completions", r.URL.Path)
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		assert.Contains(t, body["prompt"], "User: hi")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "cmpl-1",
			"model": "llama-3-8b",
			"choices": []map[string]any{
				{"index": 0, "text": "hello back", "finish_reason": "stop"},
			},
		})
	}))
	defer upstream.Close()

	rt, _ := newTestRouter(t, upstream.URL)
	rec := httptest.NewRecorder()

	out := rt.Forward(context.Background(), rec, ProxyRequest{
		ServedModelName: "llama-3-8b",
		Method:          http.MethodPost,
		Path:            "/v1/chat/completions",
		Body:            []byte(`{"model":"llama-3-8b","messages":[{"role":"user","content":"hi"}]}`),
		Header:          http.Header{},
	})

	require.NoError(t, out.Err)
	assert.Equal(t, http.StatusOK, out.StatusCode)
	assert.Contains(t, rec.Body.String(), `"role":"assistant"`)
	assert.Contains(t, rec.Body.String(), "hello back")
}

func TestRouter_CandidatesFor_FailsOpenWhenAllBreakersOpen(t *testing.T) {
	rt, _ := newTestRouter(t, "http://upstream-a")
	for i := 0; i < 5; i++ {
		rt.monitor.RecordRouterFailure("http://upstream-a")
	}
	// breaker is now open (fail count exceeds threshold with OpenDuration
	// long enough to still be open), but fail-open means the candidate
	// still comes back rather than an empty list.
	candidates := rt.candidatesFor("llama-3-8b", models.TaskGenerate)
	assert.Equal(t, []string{"http://upstream-a"}, candidates)
}

func TestRecordOutcome_AppendsUsageRecord(t *testing.T) {
	rt, s := newTestRouter(t, "http://upstream-a")
	ctx := context.Background()

	rt.RecordOutcome(ctx, ProxyRequest{ServedModelName: "llama-3-8b", APIKeyID: "key-1"}, Outcome{StatusCode: 200, TotalTokens: 42}, "req-1")

	records, err := s.ListUsage(ctx, store.UsageFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "req-1", records[0].RequestID)
	assert.Equal(t, int64(42), records[0].TotalTokens)
}
