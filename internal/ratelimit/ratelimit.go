// Package ratelimit implements the gateway's per-API-key limiting: a
// token bucket (golang.org/x/time/rate) for smooth short-burst shaping, and
// a sliding window counter for the longer-horizon cap — backed by Redis
// when configured, or an in-process map otherwise. Either backend fails
// open: a limiter error never blocks a request, per spec.md §4.1 step 3.
package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/ariaforge/inferd/internal/config"
)

// maxConcurrentStreamsPerID caps in-flight streaming requests per caller
// identifier — the distinct concurrency-slot counter spec.md §4.1 step 3
// calls for, separate from the token-bucket/sliding-window request rate.
const maxConcurrentStreamsPerID = 1

// Limiter gates requests per API key.
type Limiter struct {
	cfg config.RateLimitConfig

	bucketsMu sync.Mutex
	buckets   map[string]*rate.Limiter

	redis *redis.Client

	windowMu sync.Mutex
	windows  map[string]*slidingWindow

	streamsMu sync.Mutex
	streams   map[string]int
}

// New builds a Limiter. If cfg.RedisURL is set, the sliding window counter
// is backed by Redis (shared across gateway replicas); otherwise it falls
// back to an in-process map.
func New(cfg config.RateLimitConfig) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*rate.Limiter),
		windows: make(map[string]*slidingWindow),
		streams: make(map[string]int),
	}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("invalid REDIS_URL, falling back to in-process rate limiting")
		} else {
			l.redis = redis.NewClient(opts)
		}
	}
	return l
}

// Allow reports whether a request for the given API key should proceed. A
// false return means the caller should respond 429. Backend errors (e.g.
// Redis unavailable) are logged and treated as "allow" — fail-open.
func (l *Limiter) Allow(ctx context.Context, apiKeyID string) bool {
	if !l.cfg.Enabled {
		return true
	}

	if !l.tokenBucketAllow(apiKeyID) {
		return false
	}
	return l.slidingWindowAllow(ctx, apiKeyID)
}

func (l *Limiter) tokenBucketAllow(apiKeyID string) bool {
	l.bucketsMu.Lock()
	b, ok := l.buckets[apiKeyID]
	if !ok {
		b = rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSec), l.cfg.Burst)
		l.buckets[apiKeyID] = b
	}
	l.bucketsMu.Unlock()
	return b.Allow()
}

func (l *Limiter) slidingWindowAllow(ctx context.Context, apiKeyID string) bool {
	if l.redis != nil {
		return l.slidingWindowAllowRedis(ctx, apiKeyID)
	}
	return l.slidingWindowAllowLocal(apiKeyID)
}

// slidingWindowAllowRedis uses a sorted set keyed per API key: each request
// adds a member scored by its timestamp, expired members are trimmed, and
// the remaining cardinality is compared against the window max.
func (l *Limiter) slidingWindowAllowRedis(ctx context.Context, apiKeyID string) bool {
	key := "gateway:ratelimit:" + apiKeyID
	now := time.Now()
	cutoff := now.Add(-l.cfg.WindowSize).UnixNano()

	pipe := l.redis.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: now.UnixNano()})
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, l.cfg.WindowSize)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Msg("redis rate limiter error, failing open")
		return true
	}
	return card.Val() <= int64(l.cfg.WindowMaxReqs)
}

func (l *Limiter) slidingWindowAllowLocal(apiKeyID string) bool {
	l.windowMu.Lock()
	defer l.windowMu.Unlock()
	w, ok := l.windows[apiKeyID]
	if !ok {
		w = &slidingWindow{}
		l.windows[apiKeyID] = w
	}
	return w.allow(l.cfg.WindowSize, l.cfg.WindowMaxReqs)
}

// AcquireStream reserves one of this identifier's concurrent-stream slots,
// returning false if it is already at the cap. Always paired with
// ReleaseStream via defer in the caller, regardless of how the streaming
// response ends — clean finish, client disconnect, or error.
func (l *Limiter) AcquireStream(apiKeyID string) bool {
	l.streamsMu.Lock()
	defer l.streamsMu.Unlock()
	if l.streams[apiKeyID] >= maxConcurrentStreamsPerID {
		return false
	}
	l.streams[apiKeyID]++
	return true
}

// ReleaseStream frees one of this identifier's concurrent-stream slots.
func (l *Limiter) ReleaseStream(apiKeyID string) {
	l.streamsMu.Lock()
	defer l.streamsMu.Unlock()
	if l.streams[apiKeyID] > 0 {
		l.streams[apiKeyID]--
	}
	if l.streams[apiKeyID] == 0 {
		delete(l.streams, apiKeyID)
	}
}

// slidingWindow is the in-process fallback: a trimmed slice of recent
// request timestamps.
type slidingWindow struct {
	mu   sync.Mutex
	hits []time.Time
}

func (w *slidingWindow) allow(window time.Duration, max int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-window)

	n := 0
	for _, t := range w.hits {
		if t.After(cutoff) {
			w.hits[n] = t
			n++
		}
	}
	w.hits = w.hits[:n]

	if len(w.hits) >= max {
		return false
	}
	w.hits = append(w.hits, now)
	return true
}
