// Package router implements the inference gateway's request router and
// streaming proxy: it resolves an OpenAI-compatible request to a healthy
// upstream engine, forwards it (streaming or unary), and accounts for
// the result. Adapted from the teacher's ModelRouter
// (internal/router/router.go) — this gateway has exactly one upstream
// protocol (OpenAI-compatible HTTP) rather than a provider-driver
// registry, so the driver abstraction is gone, but the router's shape —
// a struct holding shared HTTP client state plus tracking maps, guarded
// by narrow mutexes — carries over directly.
package router

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ariaforge/inferd/internal/config"
	"github.com/ariaforge/inferd/internal/health"
	"github.com/ariaforge/inferd/internal/metrics"
	"github.com/ariaforge/inferd/internal/registry"
	"github.com/ariaforge/inferd/internal/store"
	"github.com/ariaforge/inferd/pkg/models"
)

// ErrNoHealthyUpstream is returned when no candidate upstream exists for
// the requested model, healthy or not.
var ErrNoHealthyUpstream = fmt.Errorf("no upstream available for requested model")

// Fixed transport-level timeouts, applied to the shared client regardless
// of model or request shape. Per-request read timeouts are layered on top
// via the request context (see readTimeoutFor).
const (
	connectTimeout = 5 * time.Second
	writeTimeout   = 10 * time.Second
	poolTimeout    = 5 * time.Second
)

// Router resolves and forwards client requests to inference engines.
type Router struct {
	registry *registry.Registry
	monitor  *health.Monitor
	usage    store.UsageStore
	client   *http.Client

	genPool []string
	embPool []string

	rrMu sync.Mutex
	rr   map[string]uint64 // candidate-list key -> round-robin cursor
}

// New builds a Router. The http.Client is configured with pooled
// keep-alive connections, the same technique the teacher's ModelRouter
// uses for its outbound calls, generalized to a gateway-wide pool. genPool
// and embPool are the static task-keyed upstream pools consulted when a
// request's model isn't bound in the Registry.
func New(reg *registry.Registry, monitor *health.Monitor, usage store.UsageStore, httpCfg config.HealthConfig, genPool, embPool []string) *Router {
	return &Router{
		registry: reg,
		monitor:  monitor,
		usage:    usage,
		client: &http.Client{
			// No client-side timeout: generation requests can legitimately
			// run far longer than a health probe. The per-request read
			// timeout is applied via the request context instead, scaled
			// by model size and max_tokens (see readTimeoutFor); the
			// connect/write/pool timeouts are fixed on the Transport below.
			Transport: &http.Transport{
				MaxIdleConns:          200,
				MaxIdleConnsPerHost:   100,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: writeTimeout,
				ExpectContinueTimeout: poolTimeout,
				DialContext: (&net.Dialer{
					Timeout: connectTimeout,
				}).DialContext,
			},
		},
		genPool: genPool,
		embPool: embPool,
		rr:      make(map[string]uint64),
	}
}

// ProxyRequest is the resolved intent of an inbound client call.
type ProxyRequest struct {
	ServedModelName string
	Task            models.Task
	Stream          bool
	Method          string
	Path            string // upstream path, e.g. "/v1/chat/completions"
	Body            []byte
	Header          http.Header
	APIKeyID        string
	MaxTokens       int // 0 if the caller omitted it; scales the read timeout
}

// chatCompletionsPath and completionsPath are the two OpenAI-compatible
// routes involved in the chat-template fallback.
const (
	chatCompletionsPath = "/v1/chat/completions"
	completionsPath     = "/v1/completions"
)

// readTimeoutFor derives the read deadline for a request: a base duration
// keyed off a size hint in the served model name, scaled by how many
// tokens the caller asked the engine to generate. Larger models and
// longer generations both take proportionally longer to produce a first
// response.
func readTimeoutFor(servedModelName string, stream bool, maxTokens int) time.Duration {
	name := strings.ToLower(servedModelName)
	var base time.Duration
	switch {
	case strings.Contains(name, "120b"):
		base = 180 * time.Second
	case strings.Contains(name, "70b"), strings.Contains(name, "72b"):
		base = 120 * time.Second
	case strings.Contains(name, "13b"), strings.Contains(name, "14b"):
		base = 90 * time.Second
	case stream:
		base = 60 * time.Second
	default:
		base = 45 * time.Second
	}

	mult := float64(maxTokens) / 1000.0
	if mult < 1.0 {
		mult = 1.0
	}
	if mult > 3.0 {
		mult = 3.0
	}
	return time.Duration(float64(base) * mult)
}

// Outcome summarizes what happened, for usage accounting by the caller.
type Outcome struct {
	UpstreamURL      string
	StatusCode       int
	DurationMs       int64
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	TokensEstimated  bool
	Err              error
}

// Forward resolves a healthy upstream for the request and proxies it,
// streaming the upstream response body straight through to w when
// Stream is set. It implements the resolve-upstream and forward steps of
// the gateway's six-step pipeline; the caller performs
// authenticate/authorize/rate-limit before calling Forward and passes the
// returned Outcome to RecordOutcome for accounting.
func (rt *Router) Forward(ctx context.Context, w http.ResponseWriter, req ProxyRequest) Outcome {
	candidates := rt.candidatesFor(req.ServedModelName, req.Task)
	if len(candidates) == 0 {
		return Outcome{Err: ErrNoHealthyUpstream}
	}

	ctx, cancel := context.WithTimeout(ctx, readTimeoutFor(req.ServedModelName, req.Stream, req.MaxTokens))
	defer cancel()

	if req.Stream {
		return rt.forwardStreaming(ctx, w, req, candidates)
	}
	return rt.forwardUnary(ctx, w, req, candidates)
}

// candidatesFor returns the upstream base URLs that can serve this model:
// the Registry binding if one exists, else the task-appropriate static
// pool (spec.md §4.1 step 4). Healthy candidates are ordered first via
// round robin, with breaker-open upstreams excluded unless excluding them
// would leave nothing — spec.md's fail-open rule: a flaky upstream beats
// no upstream at all.
func (rt *Router) candidatesFor(servedModelName string, task models.Task) []string {
	if entry, ok := rt.registry.Get(servedModelName); ok && entry.URL != "" {
		return rt.healthyRoundRobin(servedModelName, []string{entry.URL})
	}

	pool := rt.genPool
	if task == models.TaskEmbed {
		pool = rt.embPool
	}
	if len(pool) == 0 {
		return nil
	}
	return rt.healthyRoundRobin(poolKey(pool), pool)
}

// healthyRoundRobin filters a candidate list to breaker-CLOSED upstreams,
// falling back to the unfiltered list when that would otherwise leave
// nothing, then rotates it by a counter keyed on the candidate set.
func (rt *Router) healthyRoundRobin(key string, all []string) []string {
	healthy := make([]string, 0, len(all))
	for _, u := range all {
		if !rt.monitor.BreakerOpen(u) {
			healthy = append(healthy, u)
		}
	}
	if len(healthy) == 0 {
		return all
	}
	return rt.rotate(key, healthy)
}

// poolKey canonicalizes a candidate list into the round-robin counter key
// spec.md calls for: the sorted, comma-joined URL list.
func poolKey(urls []string) string {
	sorted := append([]string{}, urls...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

func (rt *Router) rotate(key string, candidates []string) []string {
	if len(candidates) <= 1 {
		return candidates
	}
	rt.rrMu.Lock()
	cursor := rt.rr[key]
	rt.rr[key] = cursor + 1
	rt.rrMu.Unlock()

	start := int(cursor % uint64(len(candidates)))
	return append(append([]string{}, candidates[start:]...), candidates[:start]...)
}

const (
	maxRetryAttempts   = 2
	retryBackoffFactor = 200 * time.Millisecond
)

// forwardUnary sends the request to each candidate in order, retrying on
// transport-level failures or 5xx responses (never on 4xx, per spec.md's
// retry policy) up to maxRetryAttempts. The breaker is charged at most
// once per request, and only when the final attempt fails.
func (rt *Router) forwardUnary(ctx context.Context, w http.ResponseWriter, req ProxyRequest, candidates []string) Outcome {
	var lastErr error
	var lastBase string
	start := time.Now()

	for attempt := 1; attempt <= maxRetryAttempts; attempt++ {
		base := candidates[(attempt-1)%len(candidates)]
		lastBase = base

		upstreamReq, err := http.NewRequestWithContext(ctx, req.Method, base+req.Path, bytes.NewReader(req.Body))
		if err != nil {
			return Outcome{UpstreamURL: base, Err: err}
		}
		copyForwardHeaders(upstreamReq.Header, req.Header)

		resp, err := rt.client.Do(upstreamReq)
		if err != nil {
			lastErr = err
			time.Sleep(retryBackoffFactor * time.Duration(attempt))
			continue
		}

		if resp.StatusCode >= 500 && attempt < maxRetryAttempts {
			resp.Body.Close()
			lastErr = fmt.Errorf("upstream %s returned %d", base, resp.StatusCode)
			time.Sleep(retryBackoffFactor * time.Duration(attempt))
			continue
		}
		if resp.StatusCode >= 500 {
			rt.monitor.RecordRouterFailure(base)
		}

		if req.Path == chatCompletionsPath && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			resp = rt.chatTemplateFallback(ctx, req, resp, base)
		}

		return rt.relayUnary(w, resp, base, start)
	}

	rt.monitor.RecordRouterFailure(lastBase)
	return Outcome{UpstreamURL: lastBase, Err: lastErr, DurationMs: time.Since(start).Milliseconds()}
}

// relayUnary copies the upstream response to the client exactly once and
// extracts token usage for accounting. This is the single cleanup hook:
// resp.Body is closed here, in the one place that reads it.
func (rt *Router) relayUnary(w http.ResponseWriter, resp *http.Response, base string, start time.Time) Outcome {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	duration := time.Since(start).Milliseconds()
	if err != nil {
		return Outcome{UpstreamURL: base, StatusCode: resp.StatusCode, DurationMs: duration, Err: err}
	}

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	w.Write(body)

	outcome := Outcome{UpstreamURL: base, StatusCode: resp.StatusCode, DurationMs: duration}
	if usage, ok := extractUsage(body); ok {
		outcome.PromptTokens = usage.PromptTokens
		outcome.CompletionTokens = usage.CompletionTokens
		outcome.TotalTokens = usage.TotalTokens
	} else {
		outcome.TokensEstimated = true
	}
	return outcome
}

// chatTemplateFallback is the only body rewrite the Router performs: some
// engines reject /v1/chat/completions for models that ship no chat
// template, with a 4xx body mentioning "chat template". When that
// happens, the original messages are flattened into a plain prompt and
// reissued against /v1/completions, and the reply is wrapped back into
// the chat schema the caller expects. On any failure along that path the
// original response is returned unchanged.
func (rt *Router) chatTemplateFallback(ctx context.Context, req ProxyRequest, resp *http.Response, base string) *http.Response {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		resp.Body = io.NopCloser(bytes.NewReader(nil))
		return resp
	}
	original := func() *http.Response {
		resp.Body = io.NopCloser(bytes.NewReader(body))
		return resp
	}

	if !bytes.Contains(bytes.ToLower(body), []byte("chat template")) {
		return original()
	}

	completionsBody, err := completionsRequestFromChatBody(req.Body)
	if err != nil {
		return original()
	}

	upstreamReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+completionsPath, bytes.NewReader(completionsBody))
	if err != nil {
		return original()
	}
	copyForwardHeaders(upstreamReq.Header, req.Header)

	cResp, err := rt.client.Do(upstreamReq)
	if err != nil {
		return original()
	}
	defer cResp.Body.Close()

	cBody, err := io.ReadAll(cResp.Body)
	if err != nil || cResp.StatusCode >= 400 {
		return original()
	}

	wrapped, err := wrapCompletionAsChat(cBody)
	if err != nil {
		return original()
	}

	log.Debug().Str("upstream", base).Msg("chat template unsupported, fell back to /v1/completions")
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     cResp.Header.Clone(),
		Body:       io.NopCloser(bytes.NewReader(wrapped)),
	}
}

// completionsRequestFromChatBody flattens a chat-completions request's
// messages into a plain prompt: "{System|User|Assistant}: {content}"
// joined by blank lines, with a trailing "Assistant:" for the engine to
// continue from.
func completionsRequestFromChatBody(body []byte) ([]byte, error) {
	var payload struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}

	var prompt strings.Builder
	for _, m := range payload.Messages {
		prompt.WriteString(roleLabel(m.Role))
		prompt.WriteString(": ")
		prompt.WriteString(m.Content)
		prompt.WriteString("\n\n")
	}
	prompt.WriteString("Assistant:")

	return json.Marshal(map[string]any{
		"model":  payload.Model,
		"prompt": prompt.String(),
	})
}

func roleLabel(role string) string {
	switch strings.ToLower(role) {
	case "system":
		return "System"
	case "assistant":
		return "Assistant"
	default:
		return "User"
	}
}

// wrapCompletionAsChat reshapes a /v1/completions response into the
// chat-completions schema the caller asked for.
func wrapCompletionAsChat(body []byte) ([]byte, error) {
	var payload struct {
		ID      string `json:"id"`
		Created int64  `json:"created"`
		Model   string `json:"model"`
		Choices []struct {
			Text         string `json:"text"`
			Index        int    `json:"index"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage usageFields `json:"usage"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}

	choices := make([]map[string]any, 0, len(payload.Choices))
	for _, c := range payload.Choices {
		choices = append(choices, map[string]any{
			"index": c.Index,
			"message": map[string]any{
				"role":    "assistant",
				"content": c.Text,
			},
			"finish_reason": c.FinishReason,
		})
	}

	return json.Marshal(map[string]any{
		"id":      payload.ID,
		"object":  "chat.completion",
		"created": payload.Created,
		"model":   payload.Model,
		"choices": choices,
		"usage":   payload.Usage,
	})
}

// forwardStreaming proxies an SSE response chunk by chunk, flushing as
// each chunk arrives. Unlike the unary path it does not retry: once the
// first byte has reached the client, restarting upstream would mean
// sending a second response, which HTTP doesn't allow.
func (rt *Router) forwardStreaming(ctx context.Context, w http.ResponseWriter, req ProxyRequest, candidates []string) Outcome {
	base := candidates[0]
	start := time.Now()

	upstreamReq, err := http.NewRequestWithContext(ctx, req.Method, base+req.Path, bytes.NewReader(req.Body))
	if err != nil {
		return Outcome{UpstreamURL: base, Err: err}
	}
	copyForwardHeaders(upstreamReq.Header, req.Header)

	resp, err := rt.client.Do(upstreamReq)
	if err != nil {
		rt.monitor.RecordRouterFailure(base)
		return Outcome{UpstreamURL: base, Err: err, DurationMs: time.Since(start).Milliseconds()}
	}
	// Single cleanup hook: this defer is the only place resp.Body is closed.
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	flusher, canFlush := w.(http.Flusher)
	reader := bufio.NewReader(resp.Body)

	var usageSeen *usageFields
	buf := make([]byte, 4096)
	var lineBuf bytes.Buffer

	for {
		n, readErr := reader.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			w.Write(chunk)
			if canFlush {
				flusher.Flush()
			}
			lineBuf.Write(chunk)
			usageSeen = scanSSEForUsage(&lineBuf, usageSeen)
		}
		if readErr != nil {
			if readErr != io.EOF {
				log.Debug().Err(readErr).Str("upstream", base).Msg("streaming response ended with error")
			}
			break
		}
		select {
		case <-ctx.Done():
			return Outcome{UpstreamURL: base, StatusCode: resp.StatusCode, DurationMs: time.Since(start).Milliseconds(), Err: ctx.Err()}
		default:
		}
	}

	outcome := Outcome{UpstreamURL: base, StatusCode: resp.StatusCode, DurationMs: time.Since(start).Milliseconds()}
	if usageSeen != nil {
		outcome.PromptTokens = usageSeen.PromptTokens
		outcome.CompletionTokens = usageSeen.CompletionTokens
		outcome.TotalTokens = usageSeen.TotalTokens
	} else {
		outcome.TokensEstimated = true
	}
	return outcome
}

type usageFields struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// extractUsage reads the OpenAI-shaped {"usage": {...}} field from a
// unary JSON response body.
func extractUsage(body []byte) (usageFields, bool) {
	var payload struct {
		Usage usageFields `json:"usage"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return usageFields{}, false
	}
	if payload.Usage.TotalTokens == 0 && payload.Usage.PromptTokens == 0 && payload.Usage.CompletionTokens == 0 {
		return usageFields{}, false
	}
	return payload.Usage, true
}

// scanSSEForUsage looks for a `data: {...}` line carrying a non-null
// "usage" field, which OpenAI-compatible servers emit on the final chunk
// of a streamed response when the client set stream_options.
func scanSSEForUsage(buf *bytes.Buffer, prior *usageFields) *usageFields {
	found := prior
	for _, line := range bytes.Split(buf.Bytes(), []byte("\n")) {
		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = bytes.TrimSpace(line[len("data: "):])
		if len(line) == 0 || string(line) == "[DONE]" {
			continue
		}
		var payload struct {
			Usage *usageFields `json:"usage"`
		}
		if err := json.Unmarshal(line, &payload); err == nil && payload.Usage != nil {
			found = payload.Usage
		}
	}
	return found
}

// hopByHopHeaders must never be forwarded in either direction, per
// RFC 7230 §6.1.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func copyForwardHeaders(dst, src http.Header) {
	for k, vv := range src {
		if hopByHopHeaders[k] {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	dst.Set("X-Request-Id", uuid.NewString())
}

func copyResponseHeaders(dst, src http.Header) {
	for k, vv := range src {
		if hopByHopHeaders[k] {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// RecordOutcome emits Prometheus metrics and an audit usage row for a
// completed proxy call.
func (rt *Router) RecordOutcome(ctx context.Context, req ProxyRequest, out Outcome, requestID string) {
	statusClass := "5xx"
	if out.StatusCode > 0 {
		statusClass = fmt.Sprintf("%dxx", out.StatusCode/100)
	}
	streamedLabel := "false"
	if req.Stream {
		streamedLabel = "true"
	}

	metrics.RequestsTotal.WithLabelValues(req.ServedModelName, statusClass, streamedLabel).Inc()
	metrics.RequestDuration.WithLabelValues(req.ServedModelName).Observe(float64(out.DurationMs) / 1000.0)
	if out.PromptTokens > 0 {
		metrics.TokensTotal.WithLabelValues(req.ServedModelName, "prompt").Add(float64(out.PromptTokens))
	}
	if out.CompletionTokens > 0 {
		metrics.TokensTotal.WithLabelValues(req.ServedModelName, "completion").Add(float64(out.CompletionTokens))
	}

	record := &models.UsageRecord{
		RequestID:        requestID,
		APIKeyID:         req.APIKeyID,
		ServedModelName:  req.ServedModelName,
		UpstreamURL:      out.UpstreamURL,
		Task:             req.Task,
		Streamed:         req.Stream,
		PromptTokens:     int64(out.PromptTokens),
		CompletionTokens: int64(out.CompletionTokens),
		TotalTokens:      int64(out.TotalTokens),
		TokensEstimated:  out.TokensEstimated,
		StatusCode:       out.StatusCode,
		DurationMs:       out.DurationMs,
	}
	if out.Err != nil {
		record.Error = out.Err.Error()
	}
	if err := rt.usage.AppendUsage(ctx, record); err != nil {
		log.Warn().Err(err).Msg("failed to append usage record")
	}
}
