// Package registry is the in-memory served_model_name → upstream binding
// table the Router consults on every request. It is the single authoritative
// source for "where does this model live", written by the LifecycleManager
// and, for discovery-only entries, by the HealthMonitor.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ariaforge/inferd/internal/store"
	"github.com/ariaforge/inferd/pkg/models"
)

const configKVKey = "model_registry"

// Registry holds the served_model_name → RegistryEntry map behind a single
// RWMutex, mirroring the teacher's driversMu/drivers pattern in
// internal/router/router.go.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]models.RegistryEntry
	store   store.ConfigKVStore
}

// New creates an empty registry backed by the given Store for persistence.
func New(s store.ConfigKVStore) *Registry {
	return &Registry{
		entries: make(map[string]models.RegistryEntry),
		store:   s,
	}
}

// Load reloads the registry from its ConfigKV snapshot. Call once at
// startup, before the HTTP listener is attached and before the
// HealthMonitor's first tick, so routing is correct immediately after a
// restart.
func (r *Registry) Load(ctx context.Context) error {
	kv, err := r.store.GetConfigKV(ctx, configKVKey)
	if err != nil {
		var notFound *store.ErrNotFound
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	var entries map[string]models.RegistryEntry
	if err := json.Unmarshal([]byte(kv.Value), &entries); err != nil {
		log.Warn().Err(err).Msg("failed to parse persisted registry, starting empty")
		return nil
	}
	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()
	return nil
}

// Set writes (or overwrites) the authoritative binding for a served model
// name. Called by the LifecycleManager.
func (r *Registry) Set(ctx context.Context, entry models.RegistryEntry) {
	r.mu.Lock()
	r.entries[entry.ServedModelName] = entry
	r.mu.Unlock()
	r.persist(ctx)
}

// SetDiscovered records a binding surfaced by the HealthMonitor's model
// discovery pass. It never overwrites an existing entry's engine_type —
// discovery only fills in models the LifecycleManager doesn't already know
// about, and refreshes the URL of ones it does.
func (r *Registry) SetDiscovered(ctx context.Context, servedName, url string, task models.Task) {
	r.mu.Lock()
	existing, ok := r.entries[servedName]
	if ok {
		existing.URL = url
		if existing.Task == "" {
			existing.Task = task
		}
		r.entries[servedName] = existing
	} else {
		r.entries[servedName] = models.RegistryEntry{ServedModelName: servedName, URL: url, Task: task}
	}
	r.mu.Unlock()
	r.persist(ctx)
}

// Remove deletes a binding. Called by the LifecycleManager on delete.
func (r *Registry) Remove(ctx context.Context, servedName string) {
	r.mu.Lock()
	delete(r.entries, servedName)
	r.mu.Unlock()
	r.persist(ctx)
}

// Get returns the binding for a served model name, if any.
func (r *Registry) Get(servedName string) (models.RegistryEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[servedName]
	return e, ok
}

// List returns a snapshot of all current bindings.
func (r *Registry) List() []models.RegistryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.RegistryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// URLs returns the distinct upstream URLs currently registered, regardless
// of task — used by the HealthMonitor to extend its poll target set beyond
// the static pools.
func (r *Registry) URLs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{}, len(r.entries))
	var out []string
	for _, e := range r.entries {
		if e.URL == "" {
			continue
		}
		if _, ok := seen[e.URL]; ok {
			continue
		}
		seen[e.URL] = struct{}{}
		out = append(out, e.URL)
	}
	return out
}

func (r *Registry) persist(ctx context.Context) {
	r.mu.RLock()
	data, err := json.Marshal(r.entries)
	r.mu.RUnlock()
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal registry snapshot")
		return
	}
	if err := r.store.SetConfigKV(ctx, configKVKey, string(data)); err != nil {
		log.Error().Err(err).Msg("failed to persist registry snapshot")
	}
}
