// Package metrics wires the gateway's Prometheus counters/gauges/histograms,
// the domain-stack dependency the teacher never needed (it ships OTEL traces
// only) but which spec.md §6.6 requires explicitly.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// UpstreamHealth mirrors the Python original's gateway_upstream_health
	// gauge exactly (name and label), one series per upstream base URL.
	UpstreamHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_upstream_health",
		Help: "1 if the upstream last responded healthy, 0 otherwise.",
	}, []string{"base_url"})

	BreakerOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_breaker_open",
		Help: "1 if the circuit breaker for this upstream is currently open.",
	}, []string{"base_url"})

	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Total proxied requests by served model, status class, and streaming mode.",
	}, []string{"served_model_name", "status_class", "streamed"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_duration_seconds",
		Help:    "End-to-end proxied request duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"served_model_name"})

	TokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_tokens_total",
		Help: "Total tokens accounted, by served model and kind (prompt/completion).",
	}, []string{"served_model_name", "kind"})

	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_rate_limit_rejections_total",
		Help: "Requests rejected by the rate limiter, by API key.",
	}, []string{"api_key_id"})
)

// Handler exposes the registered collectors on /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
