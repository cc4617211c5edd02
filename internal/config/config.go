// Package config loads gateway configuration from the environment, the way
// the rest of this codebase's ambient stack does: typed helpers over
// os.Getenv, sensible defaults, nothing hidden behind a framework. An
// optional YAML file (GATEWAY_CONFIG_FILE) can override the built-in
// defaults before environment variables are applied on top.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the inference gateway.
type Config struct {
	Port      int
	Version   string
	Pools     PoolConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Breaker   BreakerConfig
	Health    HealthConfig
	Engine    EngineConfig
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	CORS      CORSConfig
}

// PoolConfig lists the static upstream pools the gateway was handed at
// boot, keyed by task.
type PoolConfig struct {
	GenerationURLs []string // GATEWAY_GEN_URLS
	EmbeddingURLs  []string // GATEWAY_EMB_URLS
	InternalAPIKey string   // GATEWAY_INTERNAL_API_KEY; loaded only, not attached to any outbound call
}

type AuthConfig struct {
	RequireAPIKey bool // DEV_BYPASS disables this
	DevBypass     bool
	AdminToken    string // static bootstrap admin token, env-only
}

type RateLimitConfig struct {
	Enabled          bool
	RequestsPerSec   float64
	Burst            int
	WindowSize       time.Duration
	WindowMaxReqs    int
	RedisURL         string
}

type BreakerConfig struct {
	FailureThreshold int
	OpenDuration     time.Duration
}

type HealthConfig struct {
	PollInterval      time.Duration
	DiscoveryInterval time.Duration
	ConnectTimeout    time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	PoolTimeout       time.Duration
	HistorySize       int
	Path              string
}

type EngineConfig struct {
	ModelsDir        string
	HFCacheDir       string
	DefaultGenImage  string
	DefaultGGUFImage string
	DockerNetwork    string
	OfflinePolicy    string // online | auto | strict
	RegistryProbeURL string // used by the auto-offline TCP probe
	StartupTimeout   time.Duration
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
	MigrationsPath string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type CORSConfig struct {
	AllowedOrigins []string
}

// fileDefaults is the subset of Config that an operator commonly wants to
// check into a deploy repo rather than pass as environment variables:
// the static upstream pools and the engine image defaults. Loaded from
// GATEWAY_CONFIG_FILE (YAML) and used as fallbacks beneath env vars.
type fileDefaults struct {
	Pools struct {
		GenerationURLs []string `yaml:"generation_urls"`
		EmbeddingURLs  []string `yaml:"embedding_urls"`
	} `yaml:"pools"`
	Engine struct {
		DefaultGenImage  string `yaml:"default_gen_image"`
		DefaultGGUFImage string `yaml:"default_gguf_image"`
	} `yaml:"engine"`
	CORS struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"cors"`
}

func loadFileDefaults() fileDefaults {
	var fd fileDefaults
	path := os.Getenv("GATEWAY_CONFIG_FILE")
	if path == "" {
		return fd
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("could not read config file, using built-in defaults")
		return fd
	}
	if err := yaml.Unmarshal(raw, &fd); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("could not parse config file, using built-in defaults")
		return fileDefaults{}
	}
	return fd
}

// Load reads configuration from environment variables with sensible
// defaults, overlaying an optional GATEWAY_CONFIG_FILE YAML document
// beneath them.
func Load() *Config {
	fd := loadFileDefaults()
	return &Config{
		Port:    envInt("GATEWAY_PORT", 8000),
		Version: envStr("GATEWAY_VERSION", "0.1.0"),
		Pools: PoolConfig{
			GenerationURLs: envStringSlice("GATEWAY_GEN_URLS", fd.Pools.GenerationURLs),
			EmbeddingURLs:  envStringSlice("GATEWAY_EMB_URLS", fd.Pools.EmbeddingURLs),
			InternalAPIKey: envStr("GATEWAY_INTERNAL_API_KEY", ""),
		},
		Auth: AuthConfig{
			RequireAPIKey: !envBool("GATEWAY_DEV_BYPASS", false),
			DevBypass:     envBool("GATEWAY_DEV_BYPASS", false),
			AdminToken:    envStr("GATEWAY_ADMIN_TOKEN", ""),
		},
		RateLimit: RateLimitConfig{
			Enabled:        envBool("GATEWAY_RATE_LIMIT_ENABLED", true),
			RequestsPerSec: envFloat("GATEWAY_RATE_LIMIT_RPS", 10),
			Burst:          envInt("GATEWAY_RATE_LIMIT_BURST", 20),
			WindowSize:     envDuration("GATEWAY_RATE_LIMIT_WINDOW", time.Minute),
			WindowMaxReqs:  envInt("GATEWAY_RATE_LIMIT_WINDOW_MAX", 300),
			RedisURL:       envStr("REDIS_URL", ""),
		},
		Breaker: BreakerConfig{
			FailureThreshold: envInt("GATEWAY_CB_FAILURE_THRESHOLD", 3),
			OpenDuration:     envDuration("GATEWAY_CB_OPEN_DURATION", 30*time.Second),
		},
		Health: HealthConfig{
			PollInterval:      envDuration("GATEWAY_HEALTH_POLL_INTERVAL", 15*time.Second),
			DiscoveryInterval: envDuration("GATEWAY_HEALTH_DISCOVERY_INTERVAL", 60*time.Second),
			ConnectTimeout:    envDuration("GATEWAY_HEALTH_CONNECT_TIMEOUT", 2*time.Second),
			ReadTimeout:       envDuration("GATEWAY_HEALTH_READ_TIMEOUT", 3*time.Second),
			WriteTimeout:      envDuration("GATEWAY_HEALTH_WRITE_TIMEOUT", 3*time.Second),
			PoolTimeout:       envDuration("GATEWAY_HEALTH_POOL_TIMEOUT", 5*time.Second),
			HistorySize:       envInt("GATEWAY_HEALTH_HISTORY_SIZE", 50),
			Path:              envStr("GATEWAY_HEALTH_PATH", "/health"),
		},
		Engine: EngineConfig{
			ModelsDir:        envStr("GATEWAY_MODELS_DIR", "/models"),
			HFCacheDir:       envStr("GATEWAY_HF_CACHE_DIR", ""),
			DefaultGenImage:  envStr("GATEWAY_GEN_IMAGE", orDefault(fd.Engine.DefaultGenImage, "vllm/vllm-openai:latest")),
			DefaultGGUFImage: envStr("GATEWAY_GGUF_IMAGE", orDefault(fd.Engine.DefaultGGUFImage, "ghcr.io/ggerganov/llama.cpp:server")),
			DockerNetwork:    envStr("GATEWAY_DOCKER_NETWORK", "gateway-net"),
			OfflinePolicy:    envStr("GATEWAY_OFFLINE_POLICY", "auto"),
			RegistryProbeURL: envStr("GATEWAY_REGISTRY_PROBE", "registry-1.docker.io:443"),
			StartupTimeout:   envDuration("GATEWAY_STARTUP_TIMEOUT", 120*time.Second),
		},
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 10),
			MigrationsPath: envStr("DATABASE_MIGRATIONS_PATH", "internal/store/migrations"),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "inferd-gateway"),
		},
		CORS: CORSConfig{
			AllowedOrigins: envStringSlice("GATEWAY_CORS_ORIGINS", orDefaultSlice(fd.CORS.AllowedOrigins, []string{"*"})),
		},
	}
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func orDefaultSlice(v, fallback []string) []string {
	if len(v) == 0 {
		return fallback
	}
	return v
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envStringSlice(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
