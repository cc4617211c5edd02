// Package health implements the background upstream health poller and the
// per-URL circuit breaker it feeds, grounded on the Python original's
// health.py poll_upstreams_periodically loop and on the teacher's
// ticker-plus-stop-channel refresh loop (control-plane/internal/catalog:
// Catalog's background LiteLLM-catalog refresh goroutine), with a
// recover() added around each tick so one bad poll can't kill the loop.
package health

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ariaforge/inferd/internal/config"
	"github.com/ariaforge/inferd/internal/metrics"
	"github.com/ariaforge/inferd/internal/registry"
	"github.com/ariaforge/inferd/pkg/models"
)

// Monitor polls every upstream in the static pools plus every URL currently
// bound in the Registry, maintaining health state and circuit breaker state
// for each, and periodically re-discovers which served model names an
// upstream actually exposes.
type Monitor struct {
	cfg      config.HealthConfig
	genPool  []string
	embPool  []string
	registry *registry.Registry
	client   *http.Client

	mu           sync.RWMutex
	health       map[string]*models.HealthMeta
	ring         map[string]*snapshotRing
	breaker      map[string]*models.BreakerState
	lastDiscover map[string]time.Time

	breakerCfg config.BreakerConfig
}

// New constructs a Monitor. It does not start polling until Run is called.
func New(cfg config.HealthConfig, breakerCfg config.BreakerConfig, genPool, embPool []string, reg *registry.Registry) *Monitor {
	return &Monitor{
		cfg:      cfg,
		genPool:  genPool,
		embPool:  embPool,
		registry: reg,
		client: &http.Client{
			Timeout: cfg.ConnectTimeout + cfg.ReadTimeout + cfg.WriteTimeout + cfg.PoolTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
			},
		},
		health:       make(map[string]*models.HealthMeta),
		ring:         make(map[string]*snapshotRing),
		breaker:      make(map[string]*models.BreakerState),
		lastDiscover: make(map[string]time.Time),
		breakerCfg:   breakerCfg,
	}
}

// Run polls every cfg.PollInterval until ctx is cancelled. It never returns
// an error — a failed tick is logged and the loop continues, matching the
// original's blanket "except Exception: pass" around the poll body.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("health monitor stopping")
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("health poll tick recovered from panic")
		}
	}()

	targets := m.targetSet()
	var wg sync.WaitGroup
	for _, url := range targets {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			m.probe(ctx, url)
		}(url)
	}
	wg.Wait()

	for _, url := range targets {
		if m.isHealthy(url) {
			m.maybeDiscover(ctx, url)
		}
	}
}

// targetSet is the sorted, deduplicated union of the static pools and every
// URL currently bound in the registry.
func (m *Monitor) targetSet() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(url string) {
		if url == "" {
			return
		}
		if _, ok := seen[url]; ok {
			return
		}
		seen[url] = struct{}{}
		out = append(out, url)
	}
	for _, u := range m.genPool {
		add(u)
	}
	for _, u := range m.embPool {
		add(u)
	}
	for _, u := range m.registry.URLs() {
		add(u)
	}
	sort.Strings(out)
	return out
}

func (m *Monitor) probe(ctx context.Context, base string) {
	start := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout+m.cfg.ReadTimeout+m.cfg.WriteTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, base+m.cfg.Path, nil)
	if err != nil {
		m.recordFailure(base, 0, time.Since(start), err.Error())
		return
	}

	resp, err := m.client.Do(req)
	if err != nil {
		m.recordFailure(base, 0, time.Since(start), err.Error())
		return
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	latency := time.Since(start)
	ok := resp.StatusCode >= 200 && resp.StatusCode < 500
	if ok {
		m.recordSuccess(base, resp.StatusCode, latency)
	} else {
		m.recordFailure(base, resp.StatusCode, latency, "")
	}
}

func (m *Monitor) recordSuccess(base string, statusCode int, latency time.Duration) {
	now := time.Now().UTC()

	m.mu.Lock()
	meta := m.metaLocked(base)
	meta.OK = true
	meta.LastOKAt = now
	meta.ConsecutiveFails = 0
	meta.LastStatusCode = statusCode
	meta.LastLatencyMs = latency.Milliseconds()
	meta.LastError = ""
	m.ringLocked(base).push(models.HealthSnapshot{OK: true, StatusCode: statusCode, LatencyMs: latency.Milliseconds(), At: now})

	b := m.breakerLocked(base)
	b.FailCount = 0
	b.OpenUntil = time.Time{}
	m.mu.Unlock()

	metrics.UpstreamHealth.WithLabelValues(base).Set(1)
	metrics.BreakerOpen.WithLabelValues(base).Set(0)
}

func (m *Monitor) recordFailure(base string, statusCode int, latency time.Duration, errMsg string) {
	now := time.Now().UTC()

	m.mu.Lock()
	meta := m.metaLocked(base)
	meta.OK = false
	meta.LastFailAt = now
	meta.ConsecutiveFails++
	meta.LastStatusCode = statusCode
	meta.LastLatencyMs = latency.Milliseconds()
	meta.LastError = errMsg
	m.ringLocked(base).push(models.HealthSnapshot{OK: false, StatusCode: statusCode, LatencyMs: latency.Milliseconds(), Error: errMsg, At: now})

	b := m.breakerLocked(base)
	b.FailCount++
	opened := false
	if b.FailCount >= m.breakerCfg.FailureThreshold {
		b.OpenUntil = now.Add(m.breakerCfg.OpenDuration)
		opened = true
	}
	m.mu.Unlock()

	metrics.UpstreamHealth.WithLabelValues(base).Set(0)
	if opened {
		metrics.BreakerOpen.WithLabelValues(base).Set(1)
		log.Warn().Str("upstream", base).Int("fail_count", b.FailCount).Msg("circuit breaker opened")
	}
}

// metaLocked, ringLocked, breakerLocked must be called with m.mu held.
func (m *Monitor) metaLocked(base string) *models.HealthMeta {
	meta, ok := m.health[base]
	if !ok {
		meta = &models.HealthMeta{}
		m.health[base] = meta
	}
	return meta
}

func (m *Monitor) ringLocked(base string) *snapshotRing {
	r, ok := m.ring[base]
	if !ok {
		size := m.cfg.HistorySize
		if size <= 0 {
			size = 50
		}
		r = newSnapshotRing(size)
		m.ring[base] = r
	}
	return r
}

func (m *Monitor) breakerLocked(base string) *models.BreakerState {
	b, ok := m.breaker[base]
	if !ok {
		b = &models.BreakerState{}
		m.breaker[base] = b
	}
	return b
}

// isHealthy reports the last-known health of an upstream.
func (m *Monitor) isHealthy(base string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.health[base]
	return ok && meta.OK
}

// HealthMeta returns a copy of the current health view for an upstream,
// including its bounded history.
func (m *Monitor) HealthMeta(base string) (models.HealthMeta, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.health[base]
	if !ok {
		return models.HealthMeta{}, false
	}
	cp := *meta
	if r, ok := m.ring[base]; ok {
		cp.History = r.recent()
	}
	return cp, true
}

// BreakerState returns a copy of the current breaker state for an upstream.
func (m *Monitor) BreakerState(base string) models.BreakerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.breaker[base]; ok {
		return *b
	}
	return models.BreakerState{}
}

// BreakerOpen reports whether base's breaker is currently open.
func (m *Monitor) BreakerOpen(base string) bool {
	return m.BreakerState(base).Open(time.Now().UTC())
}

// RecordRouterFailure lets the Router register a failed proxied call
// against the same breaker state the health poller maintains, so a string
// of request failures trips the breaker even between poll ticks.
func (m *Monitor) RecordRouterFailure(base string) {
	m.recordFailure(base, 0, 0, "router: request failed")
}

// maybeDiscover performs the 60s-gated GET {base}/v1/models discovery pass
// described in spec.md §4.3, registering any served model name found. The
// task comes from pool membership, else from an existing Registry entry
// bound to base, else defaults to generate.
func (m *Monitor) maybeDiscover(ctx context.Context, base string) {
	m.mu.Lock()
	last, ok := m.lastDiscover[base]
	if ok && time.Since(last) < m.cfg.DiscoveryInterval {
		m.mu.Unlock()
		return
	}
	m.lastDiscover[base] = time.Now()
	m.mu.Unlock()

	task := models.TaskGenerate
	switch {
	case containsURL(m.genPool, base):
	case containsURL(m.embPool, base):
		task = models.TaskEmbed
	default:
		for _, e := range m.registry.List() {
			if e.URL == base && e.Task != "" {
				task = e.Task
				break
			}
		}
	}

	names, err := m.discoverModels(ctx, base)
	if err != nil {
		log.Debug().Err(err).Str("upstream", base).Msg("model discovery failed")
		return
	}
	for _, name := range names {
		m.registry.SetDiscovered(ctx, name, base, task)
	}
}

func (m *Monitor) discoverModels(ctx context.Context, base string) ([]string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.ReadTimeout+m.cfg.ConnectTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, base+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}

	var payload struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(payload.Data))
	for _, d := range payload.Data {
		ids = append(ids, d.ID)
	}
	return ids, nil
}

func containsURL(list []string, url string) bool {
	for _, u := range list {
		if u == url {
			return true
		}
	}
	return false
}
