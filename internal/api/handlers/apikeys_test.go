package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariaforge/inferd/internal/store"
)

func TestAPIKeyHandlers_Create_ReturnsTokenOnce(t *testing.T) {
	h := NewAPIKeyHandlers(store.NewMemoryStore())

	req := httptest.NewRequest(http.MethodPost, "/admin/api-keys", strings.NewReader(`{"name":"ci-runner","scopes":["chat"]}`))
	rec := httptest.NewRecorder()
	h.Create(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var payload createAPIKeyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.NotEmpty(t, payload.Token)
	assert.Equal(t, payload.Token[:8], payload.APIKey.Prefix)
	assert.NotEmpty(t, payload.APIKey.ID)
}

func TestAPIKeyHandlers_Create_RejectsMissingName(t *testing.T) {
	h := NewAPIKeyHandlers(store.NewMemoryStore())

	req := httptest.NewRequest(http.MethodPost, "/admin/api-keys", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h.Create(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIKeyHandlers_List(t *testing.T) {
	s := store.NewMemoryStore()
	h := NewAPIKeyHandlers(s)

	createReq := httptest.NewRequest(http.MethodPost, "/admin/api-keys", strings.NewReader(`{"name":"key-a"}`))
	h.Create(httptest.NewRecorder(), createReq)

	req := httptest.NewRequest(http.MethodGet, "/admin/api-keys", nil)
	rec := httptest.NewRecorder()
	h.List(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Len(t, payload["api_keys"].([]any), 1)
}

func TestAPIKeyHandlers_Disable_NotFound(t *testing.T) {
	h := NewAPIKeyHandlers(store.NewMemoryStore())

	req := httptest.NewRequest(http.MethodPost, "/admin/api-keys/missing/disable", nil)
	req = withChiParam(req, "id", "missing")
	rec := httptest.NewRecorder()
	h.Disable(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIKeyHandlers_Disable_Succeeds(t *testing.T) {
	s := store.NewMemoryStore()
	h := NewAPIKeyHandlers(s)

	createReq := httptest.NewRequest(http.MethodPost, "/admin/api-keys", strings.NewReader(`{"name":"key-a"}`))
	createRec := httptest.NewRecorder()
	h.Create(createRec, createReq)
	var created createAPIKeyResponse
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))

	req := httptest.NewRequest(http.MethodPost, "/admin/api-keys/"+created.APIKey.ID+"/disable", nil)
	req = withChiParam(req, "id", created.APIKey.ID)
	rec := httptest.NewRecorder()
	h.Disable(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}
