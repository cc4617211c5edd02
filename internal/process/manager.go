// Package process implements the Engine Lifecycle Manager: create, update,
// start, stop, apply, dry_run, and delete operations over Docker-hosted
// inference engine containers. Adapted from the teacher's agent process
// manager (internal/process/manager.go) — same port allocator, same
// idempotent start/status bookkeeping under a single mutex — retargeted
// from "agent process, any of local/docker/k8s" to "inference engine
// container, docker only" (this gateway is explicitly single-host).
package process

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ariaforge/inferd/internal/config"
	"github.com/ariaforge/inferd/internal/registry"
	"github.com/ariaforge/inferd/internal/store"
	"github.com/ariaforge/inferd/pkg/models"
)

// portAllocator hands out sequential host ports for engine containers.
type portAllocator struct {
	mu       sync.Mutex
	nextPort int
	used     map[int]bool
}

func newPortAllocator(startPort int) *portAllocator {
	return &portAllocator{nextPort: startPort, used: make(map[int]bool)}
}

func (pa *portAllocator) Allocate() int {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	for pa.used[pa.nextPort] {
		pa.nextPort++
	}
	port := pa.nextPort
	pa.used[port] = true
	pa.nextPort++
	return port
}

func (pa *portAllocator) Release(port int) {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	delete(pa.used, port)
}

// Manager is the Engine Lifecycle Manager. It owns the authoritative
// Model records (via Store) and the Registry bindings derived from them,
// and drives a DockerExecutor to realize container state.
type Manager struct {
	mu       sync.Mutex
	store    store.ModelStore
	registry *registry.Registry
	docker   *DockerExecutor
	ports    *portAllocator
	cfg      config.EngineConfig
	logs     *logTailers
}

// NewManager wires a Manager against the gateway's Store and Registry.
func NewManager(s store.ModelStore, reg *registry.Registry, cfg config.EngineConfig) *Manager {
	return &Manager{
		store:    s,
		registry: reg,
		docker:   NewDockerExecutor(cfg.DockerNetwork),
		ports:    newPortAllocator(9100),
		cfg:      cfg,
		logs:     newLogTailers(),
	}
}

// Logs returns the most recent n lines of output from a running model's
// container, starting a live `docker logs -f` follower on first access.
func (m *Manager) Logs(ctx context.Context, id string, n int) ([]LogEntry, error) {
	model, err := m.store.GetModel(ctx, id)
	if err != nil {
		return nil, err
	}
	if model.ContainerName == "" {
		return nil, fmt.Errorf("model %s has never been started", id)
	}
	buf := m.logs.Tail(ctx, model.ContainerName)
	return buf.Recent(n), nil
}

// CreateRequest is the input to Create/Update/DryRun.
type CreateRequest struct {
	ServedModelName string
	EngineType      models.EngineType
	Task            models.Task
	ArtifactPath    string // HF repo id, local dir, or GGUF base path
	Image           string // overrides the engine-type default if set
	GPUDevices      []string
	ContextLength   int
	TensorParallel  int
	ExtraArgs       map[string]string // passed through to CLI synthesis, after validation

	// VRAM-estimate and GPU-selection inputs, opaque pass-through tuning
	// knobs beyond what DryRun's pre-flight checks interpret.
	ParamsB              float64
	BytesPerParam        float64
	MaxNumSeqs           int
	GPUMemoryUtilization float64
	NumLayers            int
	HeadDim              int
	KVHeads              int
	KVCacheDType         string
	NGLLayers            int
	SelectedGPUs         []int
}

func (req CreateRequest) vramInputs() VRAMInputs {
	return VRAMInputs{
		ParamsB:              req.ParamsB,
		BytesPerParam:        req.BytesPerParam,
		MaxModelLen:          req.ContextLength,
		MaxNumSeqs:           req.MaxNumSeqs,
		TensorParallel:       req.TensorParallel,
		GPUMemoryUtilization: req.GPUMemoryUtilization,
		NumLayers:            req.NumLayers,
		HeadDim:              req.HeadDim,
		KVHeads:              req.KVHeads,
		KVCacheDType:         req.KVCacheDType,
		NGLLayers:            req.NGLLayers,
	}
}

// PlanResult is returned by DryRun: everything Create would do, without
// touching Docker or the Store.
type PlanResult struct {
	ResolvedArtifact ResolvedArtifact
	Args             []string
	Env              map[string]string
	EstimatedVRAMGB  float64
	Warnings         []string
}

// DryRun performs artifact resolution, pre-flight validation, CLI
// synthesis, and VRAM estimation without creating anything — the
// "validate before you commit resources" path spec.md calls for.
func (m *Manager) DryRun(ctx context.Context, req CreateRequest) (*PlanResult, error) {
	artifact, err := ResolveArtifact(req.EngineType, req.ArtifactPath)
	if err != nil {
		return nil, err
	}

	warnings, err := ValidateExtraArgs(req.EngineType, req.ExtraArgs)
	if err != nil {
		return nil, err
	}

	args := SynthesizeArgs(req.EngineType, CLIParams{
		ServedModelName: req.ServedModelName,
		ArtifactPath:    artifact.ResolvedPath,
		ContextLength:   req.ContextLength,
		TensorParallel:  req.TensorParallel,
		ExtraArgs:       req.ExtraArgs,
	})

	vram := EstimateVRAMGB(req.EngineType, *artifact, req.vramInputs())

	gpuWarning, err := validateGPUPlan(ctx, req.TensorParallel, req.SelectedGPUs, vram)
	if err != nil {
		return nil, err
	}
	if gpuWarning != "" {
		warnings = append(warnings, gpuWarning)
	}

	return &PlanResult{
		ResolvedArtifact: *artifact,
		Args:             args,
		Env:              buildEnvironment(m.cfg),
		EstimatedVRAMGB:  vram,
		Warnings:         warnings,
	}, nil
}

// Create registers a new Model record in draft state. It does not start
// the container — call Start (or Apply) for that.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*models.Model, error) {
	plan, err := m.DryRun(ctx, req)
	if err != nil {
		return nil, err
	}

	image := req.Image
	if image == "" {
		image = defaultImage(m.cfg, req.EngineType)
	}

	model := &models.Model{
		ServedModelName:      req.ServedModelName,
		EngineType:           req.EngineType,
		Task:                 req.Task,
		State:                models.ModelStateDraft,
		ArtifactPath:         plan.ResolvedArtifact.ResolvedPath,
		Image:                image,
		GPUDevices:           req.GPUDevices,
		ExtraArgs:            req.ExtraArgs,
		ContextLength:        req.ContextLength,
		TensorParallel:       req.TensorParallel,
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
	if err := m.store.CreateModel(ctx, model); err != nil {
		return nil, err
	}
	return model, nil
}

// Update mutates a draft or stopped Model's launch parameters. Running
// models must be stopped first.
func (m *Manager) Update(ctx context.Context, id string, req CreateRequest) (*models.Model, error) {
	model, err := m.store.GetModel(ctx, id)
	if err != nil {
		return nil, err
	}
	if model.State == models.ModelStateRunning || model.State == models.ModelStateStarting {
		return nil, fmt.Errorf("model %s must be stopped before it can be updated", id)
	}

	plan, err := m.DryRun(ctx, req)
	if err != nil {
		return nil, err
	}

	model.ServedModelName = req.ServedModelName
	model.EngineType = req.EngineType
	model.Task = req.Task
	model.ArtifactPath = plan.ResolvedArtifact.ResolvedPath
	model.GPUDevices = req.GPUDevices
	model.ExtraArgs = req.ExtraArgs
	model.ContextLength = req.ContextLength
	model.TensorParallel = req.TensorParallel
	model.ParamsB = req.ParamsB
	model.BytesPerParam = req.BytesPerParam
	model.MaxNumSeqs = req.MaxNumSeqs
	model.GPUMemoryUtilization = req.GPUMemoryUtilization
	model.NumLayers = req.NumLayers
	model.HeadDim = req.HeadDim
	model.KVHeads = req.KVHeads
	model.KVCacheDType = req.KVCacheDType
	model.NGLLayers = req.NGLLayers
	model.SelectedGPUs = req.SelectedGPUs
	if req.Image != "" {
		model.Image = req.Image
	}

	if err := m.store.UpdateModel(ctx, model); err != nil {
		return nil, err
	}
	return model, nil
}

// Start launches (or idempotently re-verifies) the container for a Model.
func (m *Manager) Start(ctx context.Context, id string) (*models.Model, error) {
	model, err := m.store.GetModel(ctx, id)
	if err != nil {
		return nil, err
	}
	if model.State == models.ModelStateRunning {
		return model, nil
	}

	m.mu.Lock()
	port := m.ports.Allocate()
	m.mu.Unlock()

	artifact, err := ResolveArtifact(model.EngineType, model.ArtifactPath)
	if err != nil {
		m.ports.Release(port)
		return m.fail(ctx, model, err)
	}

	args := SynthesizeArgs(model.EngineType, CLIParams{
		ServedModelName: model.ServedModelName,
		ArtifactPath:    artifact.ResolvedPath,
		ContextLength:   model.ContextLength,
		TensorParallel:  model.TensorParallel,
		ExtraArgs:       model.ExtraArgs,
	})
	env := buildEnvironment(m.cfg)

	containerName := canonicalContainerName(model.EngineType, model.ID)
	model.State = models.ModelStateStarting
	model.ContainerName = containerName
	model.Port = port
	_ = m.store.UpdateModel(ctx, model)

	healthPath := "/health"
	if model.EngineType == models.EngineGGUF {
		healthPath = "/v1/models"
	}

	spec := ContainerSpec{
		Name:          containerName,
		Image:         model.Image,
		Args:          args,
		Env:           env,
		Port:          port,
		GPUDevices:    model.GPUDevices,
		ModelsDir:     m.cfg.ModelsDir,
		HFCacheDir:    m.cfg.HFCacheDir,
		HealthPath:    healthPath,
		OfflinePolicy: m.cfg.OfflinePolicy,
		RegistryProbe: m.cfg.RegistryProbeURL,
		StartupWait:   m.cfg.StartupTimeout,
	}

	containerID, err := m.docker.Start(ctx, spec)
	if err != nil {
		m.ports.Release(port)
		return m.fail(ctx, model, err)
	}

	model.ContainerID = containerID
	model.URL = fmt.Sprintf("http://localhost:%d", port)
	model.State = models.ModelStateRunning
	model.LastError = ""
	if err := m.store.UpdateModel(ctx, model); err != nil {
		return nil, err
	}

	m.registry.Set(ctx, models.RegistryEntry{
		ServedModelName: model.ServedModelName,
		URL:             model.URL,
		Task:            model.Task,
		EngineType:      model.EngineType,
	})

	log.Info().Str("model", model.ServedModelName).Str("container", containerID).Msg("engine container started")
	return model, nil
}

func (m *Manager) fail(ctx context.Context, model *models.Model, cause error) (*models.Model, error) {
	model.State = models.ModelStateFailed
	model.LastError = cause.Error()
	_ = m.store.UpdateModel(ctx, model)
	return nil, cause
}

// Stop removes the running container but preserves the Model record and
// all artifacts on disk.
func (m *Manager) Stop(ctx context.Context, id string) error {
	model, err := m.store.GetModel(ctx, id)
	if err != nil {
		return err
	}
	if model.State != models.ModelStateRunning && model.State != models.ModelStateStarting {
		return nil
	}

	if err := m.docker.Stop(ctx, model.ContainerName, model.ContainerID); err != nil {
		log.Warn().Err(err).Str("model", model.ServedModelName).Msg("failed to stop engine container cleanly")
	}
	if model.Port != 0 {
		m.ports.Release(model.Port)
	}

	m.logs.Drop(model.ContainerName)
	model.State = models.ModelStateStopped
	model.ContainerID = ""
	if err := m.store.UpdateModel(ctx, model); err != nil {
		return err
	}
	m.registry.Remove(ctx, model.ServedModelName)
	return nil
}

// Apply unconditionally stops then restarts a Model's container, even if
// it's already running — the declarative entry point used by the admin
// "apply" action, for picking up launch-parameter changes that Start's
// idempotent no-op on an already-running Model would otherwise mask.
func (m *Manager) Apply(ctx context.Context, id string) (*models.Model, error) {
	if err := m.Stop(ctx, id); err != nil {
		return nil, err
	}
	return m.Start(ctx, id)
}

// Delete stops the container (if running) and removes the Model record.
// It never touches files on disk — artifact_path is a reference, not
// something this gateway owns.
func (m *Manager) Delete(ctx context.Context, id string) error {
	model, err := m.store.GetModel(ctx, id)
	if err != nil {
		return err
	}
	if model.State == models.ModelStateRunning || model.State == models.ModelStateStarting {
		if err := m.Stop(ctx, id); err != nil {
			return err
		}
	}
	m.registry.Remove(ctx, model.ServedModelName)
	return m.store.DeleteModel(ctx, id)
}

// StopAll stops every running container — called during graceful shutdown.
func (m *Manager) StopAll(ctx context.Context) error {
	all, err := m.store.ListModels(ctx, false)
	if err != nil {
		return err
	}
	var lastErr error
	for _, mod := range all {
		if mod.State != models.ModelStateRunning && mod.State != models.ModelStateStarting {
			continue
		}
		if err := m.Stop(ctx, mod.ID); err != nil {
			log.Warn().Err(err).Str("model", mod.ServedModelName).Msg("failed to stop during shutdown")
			lastErr = err
		}
	}
	return lastErr
}

func canonicalContainerName(engine models.EngineType, modelID string) string {
	prefix := "gen"
	if engine == models.EngineGGUF {
		prefix = "gguf"
	}
	return fmt.Sprintf("%s-model-%s", prefix, modelID)
}

func defaultImage(cfg config.EngineConfig, engine models.EngineType) string {
	if engine == models.EngineGGUF {
		return cfg.DefaultGGUFImage
	}
	return cfg.DefaultGenImage
}

// buildEnvironment constructs the container environment, adapted from the
// teacher's buildEnvironment (internal/process/manager.go) — the same
// fixed-field walk, retargeted to engine-container secrets instead of
// agent-process config.
func buildEnvironment(cfg config.EngineConfig) map[string]string {
	env := map[string]string{}
	if token := os.Getenv("HF_TOKEN"); token != "" {
		env["HF_TOKEN"] = token
	}
	if devices := os.Getenv("NVIDIA_VISIBLE_DEVICES"); devices != "" {
		env["NVIDIA_VISIBLE_DEVICES"] = devices
	}
	return env
}
