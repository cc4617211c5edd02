package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ariaforge/inferd/internal/health"
	"github.com/ariaforge/inferd/internal/process"
	"github.com/ariaforge/inferd/internal/store"
	"github.com/ariaforge/inferd/pkg/models"
)

// AdminHandlers serves /admin/models: full lifecycle management over
// engine-backed Model records.
type AdminHandlers struct {
	store   store.ModelStore
	manager *process.Manager
	monitor *health.Monitor
}

func NewAdminHandlers(s store.ModelStore, mgr *process.Manager, mon *health.Monitor) *AdminHandlers {
	return &AdminHandlers{store: s, manager: mgr, monitor: mon}
}

type modelRequest struct {
	ServedModelName string            `json:"served_model_name"`
	EngineType      models.EngineType `json:"engine_type"`
	Task            models.Task       `json:"task"`
	ArtifactPath    string            `json:"artifact_path"`
	Image           string            `json:"image,omitempty"`
	GPUDevices      []string          `json:"gpu_devices,omitempty"`
	ContextLength   int               `json:"context_length,omitempty"`
	TensorParallel  int               `json:"tensor_parallel,omitempty"`
	ExtraArgs       map[string]string `json:"extra_args,omitempty"`

	ParamsB              float64 `json:"params_b,omitempty"`
	BytesPerParam        float64 `json:"bytes_per_param,omitempty"`
	MaxNumSeqs           int     `json:"max_num_seqs,omitempty"`
	GPUMemoryUtilization float64 `json:"gpu_memory_utilization,omitempty"`
	NumLayers            int     `json:"num_layers,omitempty"`
	HeadDim              int     `json:"head_dim,omitempty"`
	KVHeads              int     `json:"kv_heads,omitempty"`
	KVCacheDType         string  `json:"kv_cache_dtype,omitempty"`
	NGLLayers            int     `json:"ngl_layers,omitempty"`
	SelectedGPUs         []int   `json:"selected_gpus,omitempty"`
}

func (req modelRequest) toCreateRequest() process.CreateRequest {
	return process.CreateRequest{
		ServedModelName:      req.ServedModelName,
		EngineType:           req.EngineType,
		Task:                 req.Task,
		ArtifactPath:         req.ArtifactPath,
		Image:                req.Image,
		GPUDevices:           req.GPUDevices,
		ContextLength:        req.ContextLength,
		TensorParallel:       req.TensorParallel,
		ExtraArgs:            req.ExtraArgs,
		ParamsB:              req.ParamsB,
		BytesPerParam:        req.BytesPerParam,
		MaxNumSeqs:           req.MaxNumSeqs,
		GPUMemoryUtilization: req.GPUMemoryUtilization,
		NumLayers:            req.NumLayers,
		HeadDim:              req.HeadDim,
		KVHeads:              req.KVHeads,
		KVCacheDType:         req.KVCacheDType,
		NGLLayers:            req.NGLLayers,
		SelectedGPUs:         req.SelectedGPUs,
	}
}

// List serves GET /admin/models.
func (h *AdminHandlers) List(w http.ResponseWriter, r *http.Request) {
	includeArchived := r.URL.Query().Get("include_archived") == "true"
	list, err := h.store.ListModels(r.Context(), includeArchived)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"models": list})
}

// Get serves GET /admin/models/{id}.
func (h *AdminHandlers) Get(w http.ResponseWriter, r *http.Request) {
	model, err := h.store.GetModel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, model)
}

// Create serves POST /admin/models.
func (h *AdminHandlers) Create(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if err := decodeJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	model, err := h.manager.Create(r.Context(), req.toCreateRequest())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, model)
}

// Update serves PUT /admin/models/{id}.
func (h *AdminHandlers) Update(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if err := decodeJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	model, err := h.manager.Update(r.Context(), chi.URLParam(r, "id"), req.toCreateRequest())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, model)
}

// Delete serves DELETE /admin/models/{id}.
func (h *AdminHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DryRun serves POST /admin/models/dry_run: validates launch parameters
// and returns the estimated VRAM and synthesized CLI args without
// creating anything.
func (h *AdminHandlers) DryRun(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if err := decodeJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	plan, err := h.manager.DryRun(r.Context(), req.toCreateRequest())
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, "invalid_launch_plan", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, plan)
}

// Apply serves POST /admin/models/{id}/apply: stop the model's container
// (if running) and start it again with its current launch parameters.
func (h *AdminHandlers) Apply(w http.ResponseWriter, r *http.Request) {
	model, err := h.manager.Apply(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, model)
}

// Start serves POST /admin/models/{id}/start.
func (h *AdminHandlers) Start(w http.ResponseWriter, r *http.Request) {
	model, err := h.manager.Start(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, model)
}

// Stop serves POST /admin/models/{id}/stop.
func (h *AdminHandlers) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Stop(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeLifecycleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Logs serves GET /admin/models/{id}/logs?n=200.
func (h *AdminHandlers) Logs(w http.ResponseWriter, r *http.Request) {
	n := 200
	if raw := r.URL.Query().Get("n"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			n = parsed
		}
	}
	entries, err := h.manager.Logs(r.Context(), chi.URLParam(r, "id"), n)
	if err != nil {
		respondError(w, http.StatusNotFound, "no_logs_available", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// Readiness serves GET /admin/models/{id}/readiness: whether the
// container's health has flipped to ok, separate from the coarser
// running/stopped lifecycle State — a model can be "running" for a long
// time before its engine server actually answers health checks.
func (h *AdminHandlers) Readiness(w http.ResponseWriter, r *http.Request) {
	model, err := h.store.GetModel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if model.State != models.ModelStateRunning || model.URL == "" {
		respondJSON(w, http.StatusOK, map[string]any{
			"state": model.State,
			"ready": false,
		})
		return
	}

	meta, known := h.monitor.HealthMeta(model.URL)
	breaker := h.monitor.BreakerState(model.URL)
	respondJSON(w, http.StatusOK, map[string]any{
		"state":             model.State,
		"ready":             known && meta.OK,
		"consecutive_fails": meta.ConsecutiveFails,
		"breaker_open":      breaker.Open(time.Now()),
	})
}

func writeStoreError(w http.ResponseWriter, err error) {
	var notFound *store.ErrNotFound
	var conflict *store.ErrConflict
	switch {
	case errors.As(err, &notFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.As(err, &conflict):
		respondError(w, http.StatusConflict, "conflict", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeLifecycleError(w http.ResponseWriter, err error) {
	var imageErr *process.ErrImageUnavailableOffline
	var notFound *store.ErrNotFound
	switch {
	case errors.As(err, &imageErr):
		respondError(w, http.StatusUnprocessableEntity, "image_unavailable_offline", err.Error())
	case errors.As(err, &notFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
