package process

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariaforge/inferd/internal/config"
	"github.com/ariaforge/inferd/internal/registry"
	"github.com/ariaforge/inferd/internal/store"
	"github.com/ariaforge/inferd/pkg/models"
)

func newTestManager(t *testing.T) (*Manager, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	reg := registry.New(s)
	cfg := config.EngineConfig{
		DefaultGenImage:  "vllm/vllm-openai:latest",
		DefaultGGUFImage: "ghcr.io/ggerganov/llama.cpp:server",
		OfflinePolicy:    "auto",
	}
	return NewManager(s, reg, cfg), s
}

func genRequest() CreateRequest {
	return CreateRequest{
		ServedModelName: "llama-3-8b",
		EngineType:      models.EngineGeneration,
		Task:            models.TaskGenerate,
		ArtifactPath:    "meta-llama/Meta-Llama-3-8B",
		ContextLength:   8192,
		TensorParallel:  1,
	}
}

func TestManager_DryRun_ReturnsPlanWithoutPersisting(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	req := genRequest()
	req.ParamsB = 8
	plan, err := m.DryRun(ctx, req)
	require.NoError(t, err)
	assert.Contains(t, plan.Args, "--served-model-name")
	assert.Greater(t, plan.EstimatedVRAMGB, 0.0)

	list, err := s.ListModels(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestManager_DryRun_RejectsForbiddenExtraArg(t *testing.T) {
	m, _ := newTestManager(t)
	req := genRequest()
	req.ExtraArgs = map[string]string{"--port": "1234"}

	_, err := m.DryRun(context.Background(), req)
	require.Error(t, err)
}

func TestManager_Create_PersistsDraftModel(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	model, err := m.Create(ctx, genRequest())
	require.NoError(t, err)
	assert.Equal(t, models.ModelStateDraft, model.State)
	assert.NotEmpty(t, model.ID)
	assert.Equal(t, "vllm/vllm-openai:latest", model.Image)

	got, err := s.GetModel(ctx, model.ID)
	require.NoError(t, err)
	assert.Equal(t, "llama-3-8b", got.ServedModelName)
}

func TestManager_Update_RejectsRunningModel(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	model, err := m.Create(ctx, genRequest())
	require.NoError(t, err)
	model.State = models.ModelStateRunning
	require.NoError(t, s.UpdateModel(ctx, model))

	_, err = m.Update(ctx, model.ID, genRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be stopped")
}

func TestManager_Update_AppliesNewParameters(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	model, err := m.Create(ctx, genRequest())
	require.NoError(t, err)

	req := genRequest()
	req.ContextLength = 16384
	updated, err := m.Update(ctx, model.ID, req)
	require.NoError(t, err)
	assert.Equal(t, 16384, updated.ContextLength)
}

func TestManager_Start_FailsCleanlyWithoutDocker(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	model, err := m.Create(ctx, genRequest())
	require.NoError(t, err)

	_, err = m.Start(ctx, model.ID)
	require.Error(t, err)

	got, getErr := s.GetModel(ctx, model.ID)
	require.NoError(t, getErr)
	assert.Equal(t, models.ModelStateFailed, got.State)
	assert.NotEmpty(t, got.LastError)
}

func TestManager_Stop_NoopWhenNotRunning(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	model, err := m.Create(ctx, genRequest())
	require.NoError(t, err)

	require.NoError(t, m.Stop(ctx, model.ID))
}

func TestManager_Delete_RemovesModel(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	model, err := m.Create(ctx, genRequest())
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, model.ID))
	_, err = s.GetModel(ctx, model.ID)
	require.Error(t, err)
}

func TestManager_Logs_ErrorsBeforeStart(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	model, err := m.Create(ctx, genRequest())
	require.NoError(t, err)

	_, err = m.Logs(ctx, model.ID, 100)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "never been started")
}

func TestCanonicalContainerName(t *testing.T) {
	assert.Equal(t, "gen-model-abc", canonicalContainerName(models.EngineGeneration, "abc"))
	assert.Equal(t, "gguf-model-abc", canonicalContainerName(models.EngineGGUF, "abc"))
}

func TestPortAllocator_AllocateAndRelease(t *testing.T) {
	pa := newPortAllocator(9100)
	a := pa.Allocate()
	b := pa.Allocate()
	assert.NotEqual(t, a, b)

	pa.Release(a)
	c := pa.Allocate()
	assert.NotEqual(t, b, c)
}
