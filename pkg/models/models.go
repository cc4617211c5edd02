// Package models holds the durable record types shared across the gateway.
package models

import "time"

// ── Model ────────────────────────────────────────────────────

// EngineType identifies the inference server a Model is served by.
type EngineType string

const (
	EngineGeneration EngineType = "generation_engine" // vLLM-style OpenAI-compatible server
	EngineGGUF       EngineType = "gguf_engine"        // llama.cpp-style server
)

// Task is the capability a Model serves.
type Task string

const (
	TaskGenerate Task = "generate"
	TaskEmbed    Task = "embed"
)

// ModelState is the lifecycle state of a managed Model container.
type ModelState string

const (
	ModelStateDraft    ModelState = "draft"
	ModelStateStarting ModelState = "starting"
	ModelStateRunning  ModelState = "running"
	ModelStateStopped  ModelState = "stopped"
	ModelStateFailed   ModelState = "failed"
	ModelStateArchived ModelState = "archived"
)

// Model is a managed inference-engine deployment: one container, one
// served_model_name, one set of launch arguments.
type Model struct {
	ID              string            `json:"id" db:"id"`
	ServedModelName string            `json:"served_model_name" db:"served_model_name"`
	EngineType      EngineType        `json:"engine_type" db:"engine_type"`
	Task            Task              `json:"task" db:"task"`
	State           ModelState        `json:"state" db:"state"`
	ArtifactPath    string            `json:"artifact_path" db:"artifact_path"`
	Image           string            `json:"image,omitempty" db:"image"`
	ContainerName   string            `json:"container_name,omitempty" db:"container_name"`
	ContainerID     string            `json:"container_id,omitempty" db:"container_id"`
	Port            int               `json:"port,omitempty" db:"port"`
	URL             string            `json:"url,omitempty" db:"url"`
	GPUDevices      []string          `json:"gpu_devices,omitempty"`
	ExtraArgs       map[string]string `json:"extra_args,omitempty"`
	ContextLength   int               `json:"context_length,omitempty" db:"context_length"`
	TensorParallel  int               `json:"tensor_parallel,omitempty" db:"tensor_parallel"`
	Archived        bool              `json:"archived" db:"archived"`
	LastError       string            `json:"last_error,omitempty" db:"last_error"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at" db:"updated_at"`

	// VRAM-estimate inputs. All opaque to the core beyond type validation —
	// pass-through tuning knobs the engine interprets.
	ParamsB              float64 `json:"params_b,omitempty" db:"params_b"`
	BytesPerParam        float64 `json:"bytes_per_param,omitempty" db:"bytes_per_param"`
	MaxNumSeqs           int     `json:"max_num_seqs,omitempty" db:"max_num_seqs"`
	GPUMemoryUtilization float64 `json:"gpu_memory_utilization,omitempty" db:"gpu_memory_utilization"`
	NumLayers            int     `json:"num_layers,omitempty" db:"num_layers"`
	HeadDim              int     `json:"head_dim,omitempty" db:"head_dim"`
	KVHeads              int     `json:"kv_heads,omitempty" db:"kv_heads"`
	KVCacheDType         string  `json:"kv_cache_dtype,omitempty" db:"kv_cache_dtype"`
	NGLLayers            int     `json:"ngl_layers,omitempty" db:"ngl_layers"`
	SelectedGPUs         []int   `json:"selected_gpus,omitempty"`
}

// ── API Key ──────────────────────────────────────────────────

// APIKey is a client credential. Only Prefix is indexed for lookup; Hash is
// verified with bcrypt against the presented full token after the prefix
// narrows the candidate set to (ideally) one row.
type APIKey struct {
	ID           string     `json:"id" db:"id"`
	Prefix       string     `json:"prefix" db:"prefix"` // first 8 chars of the raw token
	Hash         string     `json:"-" db:"hash"`        // bcrypt hash of the full token
	Name         string     `json:"name" db:"name"`
	Scopes       []string   `json:"scopes,omitempty" db:"scopes"`
	IPAllowlist  []string   `json:"ip_allowlist,omitempty" db:"ip_allowlist"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	Disabled     bool       `json:"disabled" db:"disabled"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
}

// HasScope reports whether the key carries the given scope, or is
// unscoped (full access), or carries the "*" wildcard.
func (k *APIKey) HasScope(scope string) bool {
	if len(k.Scopes) == 0 {
		return true
	}
	for _, s := range k.Scopes {
		if s == scope || s == "*" {
			return true
		}
	}
	return false
}

// Expired reports whether the key's expires_at has passed as of now.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// IPAllowed reports whether remoteIP may use this key: always true for an
// empty allowlist, otherwise the IP must appear in it literally.
func (k *APIKey) IPAllowed(remoteIP string) bool {
	if len(k.IPAllowlist) == 0 {
		return true
	}
	for _, ip := range k.IPAllowlist {
		if ip == remoteIP {
			return true
		}
	}
	return false
}

// ── Usage ────────────────────────────────────────────────────

// UsageRecord is one accounted request — appended after every proxied call,
// streaming or not, success or failure.
type UsageRecord struct {
	ID               string    `json:"id" db:"id"`
	RequestID        string    `json:"request_id" db:"request_id"`
	APIKeyID         string    `json:"api_key_id,omitempty" db:"api_key_id"`
	ServedModelName  string    `json:"served_model_name" db:"served_model_name"`
	UpstreamURL      string    `json:"upstream_url" db:"upstream_url"`
	Task             Task      `json:"task" db:"task"`
	Streamed         bool      `json:"streamed" db:"streamed"`
	PromptTokens     int64     `json:"prompt_tokens" db:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens" db:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens" db:"total_tokens"`
	TokensEstimated  bool      `json:"tokens_estimated" db:"tokens_estimated"`
	StatusCode       int       `json:"status_code" db:"status_code"`
	DurationMs       int64     `json:"duration_ms" db:"duration_ms"`
	Error            string    `json:"error,omitempty" db:"error"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// ── Config KV ────────────────────────────────────────────────

// ConfigKV is an opaque, versionless JSON blob keyed by name — used to
// persist the in-memory Registry snapshot across restarts.
type ConfigKV struct {
	Key       string    `json:"key" db:"key"`
	Value     string    `json:"value" db:"value"` // raw JSON
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ── Health & Breaker ─────────────────────────────────────────

// HealthSnapshot is one health-poll result, kept in a bounded ring buffer
// per upstream URL.
type HealthSnapshot struct {
	OK         bool      `json:"ok"`
	StatusCode int       `json:"status_code,omitempty"`
	LatencyMs  int64     `json:"latency_ms"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// HealthMeta is the current health view of one upstream URL.
type HealthMeta struct {
	OK               bool             `json:"ok"`
	LastOKAt         time.Time        `json:"last_ok_at,omitempty"`
	LastFailAt       time.Time        `json:"last_fail_at,omitempty"`
	ConsecutiveFails int              `json:"consecutive_fails"`
	LastError        string           `json:"last_error,omitempty"`
	LastStatusCode   int              `json:"last_status_code,omitempty"`
	LastLatencyMs    int64            `json:"last_latency_ms"`
	History          []HealthSnapshot `json:"history,omitempty"`
}

// BreakerState is the per-URL circuit breaker state.
type BreakerState struct {
	FailCount int       `json:"fail_count"`
	OpenUntil time.Time `json:"open_until,omitempty"`
}

// Open reports whether the breaker is currently open at the given instant.
func (b BreakerState) Open(now time.Time) bool {
	return now.Before(b.OpenUntil)
}

// RegistryEntry is one served-model-name → upstream binding.
type RegistryEntry struct {
	ServedModelName string     `json:"served_model_name"`
	URL             string     `json:"url"`
	Task            Task       `json:"task"`
	EngineType      EngineType `json:"engine_type,omitempty"`
}
