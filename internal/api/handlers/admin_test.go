package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariaforge/inferd/internal/config"
	"github.com/ariaforge/inferd/internal/health"
	"github.com/ariaforge/inferd/internal/process"
	"github.com/ariaforge/inferd/internal/registry"
	"github.com/ariaforge/inferd/internal/store"
	"github.com/ariaforge/inferd/pkg/models"
)

func newTestAdminHandlers(t *testing.T) (*AdminHandlers, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	reg := registry.New(s)
	mgr := process.NewManager(s, reg, config.EngineConfig{
		DefaultGenImage: "vllm/vllm-openai:latest",
		OfflinePolicy:   "auto",
	})
	mon := health.New(config.HealthConfig{Path: "/health"}, config.BreakerConfig{FailureThreshold: 3}, nil, nil, reg)
	return NewAdminHandlers(s, mgr, mon), s
}

func TestAdminHandlers_CreateAndGet(t *testing.T) {
	h, _ := newTestAdminHandlers(t)

	body := `{"served_model_name":"llama-3-8b","engine_type":"generation_engine","task":"generate","artifact_path":"meta-llama/Meta-Llama-3-8B"}`
	req := httptest.NewRequest(http.MethodPost, "/admin/models", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Create(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created models.Model
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, models.ModelStateDraft, created.State)

	getReq := httptest.NewRequest(http.MethodGet, "/admin/models/"+created.ID, nil)
	getReq = withChiParam(getReq, "id", created.ID)
	getRec := httptest.NewRecorder()
	h.Get(getRec, getReq)
	assert.Equal(t, http.StatusOK, getRec.Code)
}

func TestAdminHandlers_Get_NotFound(t *testing.T) {
	h, _ := newTestAdminHandlers(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/models/missing", nil)
	req = withChiParam(req, "id", "missing")
	rec := httptest.NewRecorder()
	h.Get(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminHandlers_DryRun_RejectsForbiddenFlag(t *testing.T) {
	h, _ := newTestAdminHandlers(t)

	body := `{"served_model_name":"llama-3-8b","engine_type":"generation_engine","task":"generate","artifact_path":"meta-llama/Meta-Llama-3-8B","extra_args":{"--port":"1"}}`
	req := httptest.NewRequest(http.MethodPost, "/admin/models/dry_run", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.DryRun(rec, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAdminHandlers_Delete(t *testing.T) {
	h, s := newTestAdminHandlers(t)
	ctx := context.Background()

	m := &models.Model{ServedModelName: "to-delete"}
	require.NoError(t, s.CreateModel(ctx, m))

	req := httptest.NewRequest(http.MethodDelete, "/admin/models/"+m.ID, nil)
	req = withChiParam(req, "id", m.ID)
	rec := httptest.NewRecorder()
	h.Delete(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAdminHandlers_List(t *testing.T) {
	h, s := newTestAdminHandlers(t)
	ctx := context.Background()
	require.NoError(t, s.CreateModel(ctx, &models.Model{ServedModelName: "a"}))
	require.NoError(t, s.CreateModel(ctx, &models.Model{ServedModelName: "b"}))

	req := httptest.NewRequest(http.MethodGet, "/admin/models", nil)
	rec := httptest.NewRecorder()
	h.List(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Len(t, payload["models"].([]any), 2)
}

func TestAdminHandlers_Stop_NotFound(t *testing.T) {
	h, _ := newTestAdminHandlers(t)

	req := httptest.NewRequest(http.MethodPost, "/admin/models/missing/stop", nil)
	req = withChiParam(req, "id", "missing")
	rec := httptest.NewRecorder()
	h.Stop(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminHandlers_Logs_NotFoundBeforeStart(t *testing.T) {
	h, _ := newTestAdminHandlers(t)
	ctx := context.Background()

	model, err := h.manager.Create(ctx, process.CreateRequest{
		ServedModelName: "llama-3-8b",
		EngineType:      models.EngineGeneration,
		Task:            models.TaskGenerate,
		ArtifactPath:    "meta-llama/Meta-Llama-3-8B",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/admin/models/"+model.ID+"/logs", nil)
	req = withChiParam(req, "id", model.ID)
	rec := httptest.NewRecorder()
	h.Logs(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminHandlers_Readiness_NotRunningIsNeverReady(t *testing.T) {
	h, s := newTestAdminHandlers(t)
	ctx := context.Background()

	m := &models.Model{ServedModelName: "draft-model", State: models.ModelStateDraft}
	require.NoError(t, s.CreateModel(ctx, m))

	req := httptest.NewRequest(http.MethodGet, "/admin/models/"+m.ID+"/readiness", nil)
	req = withChiParam(req, "id", m.ID)
	rec := httptest.NewRecorder()
	h.Readiness(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, false, payload["ready"])
}

func TestAdminHandlers_Readiness_NotFound(t *testing.T) {
	h, _ := newTestAdminHandlers(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/models/missing/readiness", nil)
	req = withChiParam(req, "id", "missing")
	rec := httptest.NewRecorder()
	h.Readiness(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func withChiParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}
