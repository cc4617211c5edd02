package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariaforge/inferd/pkg/models"
)

func TestMemoryStore_CreateAndGetModel(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	m := &models.Model{ServedModelName: "llama-3-8b", EngineType: models.EngineGeneration, Task: models.TaskGenerate}
	require.NoError(t, s.CreateModel(ctx, m))
	assert.NotEmpty(t, m.ID)

	got, err := s.GetModel(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "llama-3-8b", got.ServedModelName)

	byName, err := s.GetModelByServedName(ctx, "llama-3-8b")
	require.NoError(t, err)
	assert.Equal(t, m.ID, byName.ID)
}

func TestMemoryStore_CreateModel_DuplicateServedName(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateModel(ctx, &models.Model{ServedModelName: "dup"}))
	err := s.CreateModel(ctx, &models.Model{ServedModelName: "dup"})
	require.Error(t, err)
	var conflict *ErrConflict
	assert.ErrorAs(t, err, &conflict)
}

func TestMemoryStore_ArchiveModel_ExcludedFromDefaultList(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	m := &models.Model{ServedModelName: "to-archive"}
	require.NoError(t, s.CreateModel(ctx, m))
	require.NoError(t, s.ArchiveModel(ctx, m.ID))

	active, err := s.ListModels(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := s.ListModels(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, models.ModelStateArchived, all[0].State)
}

func TestMemoryStore_DeleteModel_NotFound(t *testing.T) {
	s := NewMemoryStore()
	err := s.DeleteModel(context.Background(), "does-not-exist")
	require.Error(t, err)
	var notFound *ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestMemoryStore_APIKeyLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	k := &models.APIKey{Prefix: "abcd1234", Hash: "bcrypt-hash", Name: "ci-key"}
	require.NoError(t, s.CreateAPIKey(ctx, k))

	found, err := s.GetAPIKeyByPrefix(ctx, "abcd1234")
	require.NoError(t, err)
	require.Len(t, found, 1)

	require.NoError(t, s.DisableAPIKey(ctx, k.ID))
	found, err = s.GetAPIKeyByPrefix(ctx, "abcd1234")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.True(t, found[0].Disabled)
}

func TestMemoryStore_UsageFilterAndOrdering(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.AppendUsage(ctx, &models.UsageRecord{ServedModelName: "a", TotalTokens: 10}))
	require.NoError(t, s.AppendUsage(ctx, &models.UsageRecord{ServedModelName: "b", TotalTokens: 20}))
	require.NoError(t, s.AppendUsage(ctx, &models.UsageRecord{ServedModelName: "a", TotalTokens: 30}))

	recs, err := s.ListUsage(ctx, UsageFilter{ServedModelName: "a"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	// most recent first
	assert.Equal(t, int64(30), recs[0].TotalTokens)
}

func TestMemoryStore_ConfigKVRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SetConfigKV(ctx, "model_registry", `{"foo":"bar"}`))
	kv, err := s.GetConfigKV(ctx, "model_registry")
	require.NoError(t, err)
	assert.Equal(t, `{"foo":"bar"}`, kv.Value)

	_, err = s.GetConfigKV(ctx, "missing")
	require.Error(t, err)
}
