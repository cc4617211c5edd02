package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ariaforge/inferd/pkg/models"
)

// snapshot is the JSON-serializable shape of the entire in-memory store,
// written to disk on every mutation (debounced) and loaded on startup.
type snapshot struct {
	Models  map[string]models.Model       `json:"models"`
	APIKeys map[string]models.APIKey      `json:"api_keys"`
	Usage   []models.UsageRecord          `json:"usage"`
	Config  map[string]models.ConfigKV    `json:"config"`
}

// MemoryStore is the default, zero-config Store backend: all state lives in
// process memory and is optionally persisted as a single JSON snapshot so a
// restart doesn't forget the model registry.
type MemoryStore struct {
	mu      sync.RWMutex
	models  map[string]models.Model
	apiKeys map[string]models.APIKey
	usage   []models.UsageRecord
	config  map[string]models.ConfigKV

	snapshotPath string
	saveCh       chan struct{}
	doneCh       chan struct{}
}

// NewMemoryStore creates an in-memory store, optionally persisting snapshots
// to GATEWAY_DATA_DIR/gateway-snapshot.json if that env var is set.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		models:  make(map[string]models.Model),
		apiKeys: make(map[string]models.APIKey),
		config:  make(map[string]models.ConfigKV),
		saveCh:  make(chan struct{}, 1),
		doneCh:  make(chan struct{}),
	}

	if dir := os.Getenv("GATEWAY_DATA_DIR"); dir != "" {
		s.snapshotPath = filepath.Join(dir, "gateway-snapshot.json")
		s.load()
		go s.saveLoop()
	}

	return s
}

func (s *MemoryStore) load() {
	data, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		return
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Warn().Err(err).Msg("failed to parse store snapshot, starting empty")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Models != nil {
		s.models = snap.Models
	}
	if snap.APIKeys != nil {
		s.apiKeys = snap.APIKeys
	}
	if snap.Config != nil {
		s.config = snap.Config
	}
	s.usage = snap.Usage
	log.Info().Str("path", s.snapshotPath).Msg("loaded store snapshot")
}

// saveLoop debounces disk writes: a burst of mutations collapses into one
// save roughly 500ms after the burst settles.
func (s *MemoryStore) saveLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	dirty := false
	for {
		select {
		case <-s.saveCh:
			dirty = true
		case <-ticker.C:
			if dirty {
				s.saveNow()
				dirty = false
			}
		case <-s.doneCh:
			if dirty {
				s.saveNow()
			}
			return
		}
	}
}

func (s *MemoryStore) saveNow() {
	s.mu.RLock()
	snap := snapshot{Models: s.models, APIKeys: s.apiKeys, Usage: s.usage, Config: s.config}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal store snapshot")
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.snapshotPath), 0o755); err != nil {
		log.Error().Err(err).Msg("failed to create data dir")
		return
	}
	if err := os.WriteFile(s.snapshotPath, data, 0o644); err != nil {
		log.Error().Err(err).Msg("failed to write store snapshot")
	}
}

func (s *MemoryStore) markDirty() {
	if s.snapshotPath == "" {
		return
	}
	select {
	case s.saveCh <- struct{}{}:
	default:
	}
}

// ── Model Store ──────────────────────────────────────────────

func (s *MemoryStore) ListModels(_ context.Context, includeArchived bool) ([]models.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Model, 0, len(s.models))
	for _, m := range s.models {
		if m.Archived && !includeArchived {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *MemoryStore) GetModel(_ context.Context, id string) (*models.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "model", Key: id}
	}
	return &m, nil
}

func (s *MemoryStore) GetModelByServedName(_ context.Context, servedName string) (*models.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.models {
		if m.ServedModelName == servedName {
			cp := m
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "model", Key: servedName}
}

func (s *MemoryStore) CreateModel(_ context.Context, m *models.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.models {
		if existing.ServedModelName == m.ServedModelName && !existing.Archived {
			return &ErrConflict{Entity: "model", Key: m.ServedModelName}
		}
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := timeNow()
	m.CreatedAt, m.UpdatedAt = now, now
	s.models[m.ID] = *m
	s.markDirty()
	return nil
}

func (s *MemoryStore) UpdateModel(_ context.Context, m *models.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[m.ID]; !ok {
		return &ErrNotFound{Entity: "model", Key: m.ID}
	}
	m.UpdatedAt = timeNow()
	s.models[m.ID] = *m
	s.markDirty()
	return nil
}

func (s *MemoryStore) ArchiveModel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[id]
	if !ok {
		return &ErrNotFound{Entity: "model", Key: id}
	}
	m.Archived = true
	m.State = models.ModelStateArchived
	m.UpdatedAt = timeNow()
	s.models[id] = m
	s.markDirty()
	return nil
}

func (s *MemoryStore) DeleteModel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[id]; !ok {
		return &ErrNotFound{Entity: "model", Key: id}
	}
	delete(s.models, id)
	s.markDirty()
	return nil
}

// ── API Key Store ────────────────────────────────────────────

func (s *MemoryStore) ListAPIKeys(_ context.Context) ([]models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.APIKey, 0, len(s.apiKeys))
	for _, k := range s.apiKeys {
		out = append(out, k)
	}
	return out, nil
}

func (s *MemoryStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.APIKey
	for _, k := range s.apiKeys {
		if k.Prefix == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateAPIKey(_ context.Context, k *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	k.CreatedAt = timeNow()
	s.apiKeys[k.ID] = *k
	s.markDirty()
	return nil
}

func (s *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[id]
	if !ok {
		return &ErrNotFound{Entity: "api_key", Key: id}
	}
	k.LastUsedAt = &at
	s.apiKeys[id] = k
	s.markDirty()
	return nil
}

func (s *MemoryStore) DisableAPIKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[id]
	if !ok {
		return &ErrNotFound{Entity: "api_key", Key: id}
	}
	k.Disabled = true
	s.apiKeys[id] = k
	s.markDirty()
	return nil
}

// ── Usage Store ──────────────────────────────────────────────

const maxUsageRecordsInMemory = 50_000

func (s *MemoryStore) AppendUsage(_ context.Context, u *models.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.CreatedAt = timeNow()
	s.usage = append(s.usage, *u)
	if len(s.usage) > maxUsageRecordsInMemory {
		s.usage = s.usage[len(s.usage)-maxUsageRecordsInMemory:]
	}
	s.markDirty()
	return nil
}

func (s *MemoryStore) ListUsage(_ context.Context, filter UsageFilter) ([]models.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	out := make([]models.UsageRecord, 0, limit)
	for i := len(s.usage) - 1; i >= 0 && len(out) < limit; i-- {
		u := s.usage[i]
		if filter.ServedModelName != "" && u.ServedModelName != filter.ServedModelName {
			continue
		}
		if filter.APIKeyID != "" && u.APIKeyID != filter.APIKeyID {
			continue
		}
		if filter.Since != nil && u.CreatedAt.Before(*filter.Since) {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

// ── Config KV Store ──────────────────────────────────────────

func (s *MemoryStore) GetConfigKV(_ context.Context, key string) (*models.ConfigKV, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kv, ok := s.config[key]
	if !ok {
		return nil, &ErrNotFound{Entity: "config_kv", Key: key}
	}
	return &kv, nil
}

func (s *MemoryStore) SetConfigKV(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config[key] = models.ConfigKV{Key: key, Value: value, UpdatedAt: timeNow()}
	s.markDirty()
	return nil
}

// ── Lifecycle ────────────────────────────────────────────────

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func (s *MemoryStore) Close() error {
	if s.snapshotPath != "" {
		close(s.doneCh)
	}
	return nil
}

func (s *MemoryStore) Migrate(_ context.Context) error { return nil }

func timeNow() time.Time { return time.Now().UTC() }
