// Package store provides the storage interface and implementations for the
// inference gateway. MemoryStore is the default (and test) backend;
// PostgresStore is the production backend, both implementing the same
// Store interface so the rest of the gateway never branches on backend.
package store

import (
	"context"
	"time"

	"github.com/ariaforge/inferd/pkg/models"
)

// Store is the primary storage interface for the gateway.
type Store interface {
	ModelStore
	APIKeyStore
	UsageStore
	ConfigKVStore

	// Ping checks if the store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate runs schema migrations. A no-op for MemoryStore.
	Migrate(ctx context.Context) error
}

// ── Model Store ──────────────────────────────────────────────

type ModelStore interface {
	ListModels(ctx context.Context, includeArchived bool) ([]models.Model, error)
	GetModel(ctx context.Context, id string) (*models.Model, error)
	GetModelByServedName(ctx context.Context, servedName string) (*models.Model, error)
	CreateModel(ctx context.Context, m *models.Model) error
	UpdateModel(ctx context.Context, m *models.Model) error
	ArchiveModel(ctx context.Context, id string) error
	DeleteModel(ctx context.Context, id string) error
}

// ── API Key Store ────────────────────────────────────────────

type APIKeyStore interface {
	ListAPIKeys(ctx context.Context) ([]models.APIKey, error)
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]models.APIKey, error)
	CreateAPIKey(ctx context.Context, k *models.APIKey) error
	UpdateAPIKeyLastUsed(ctx context.Context, id string, at time.Time) error
	DisableAPIKey(ctx context.Context, id string) error
}

// ── Usage Store ──────────────────────────────────────────────

// UsageFilter narrows ListUsage queries.
type UsageFilter struct {
	ServedModelName string
	APIKeyID        string
	Since           *time.Time
	Limit           int
}

type UsageStore interface {
	AppendUsage(ctx context.Context, u *models.UsageRecord) error
	ListUsage(ctx context.Context, filter UsageFilter) ([]models.UsageRecord, error)
}

// ── Config KV Store ──────────────────────────────────────────

type ConfigKVStore interface {
	GetConfigKV(ctx context.Context, key string) (*models.ConfigKV, error)
	SetConfigKV(ctx context.Context, key, value string) error
}

// ── Errors ───────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrConflict is returned when a uniqueness constraint (e.g.
// served_model_name) would be violated.
type ErrConflict struct {
	Entity string
	Key    string
}

func (e *ErrConflict) Error() string {
	return e.Entity + " already exists: " + e.Key
}
