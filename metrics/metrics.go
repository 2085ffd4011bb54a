// Package metrics exposes Prometheus metrics for the HTTP server and for
// completion runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics encapsulates the Prometheus collectors on a private registry.
type Metrics struct {
	registry        *prometheus.Registry
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  *prometheus.GaugeVec
	ErrorsTotal     *prometheus.CounterVec
	RateLimitHits   *prometheus.CounterVec

	RunsTotal       *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	FirstTokenDelay *prometheus.HistogramVec
	TokensTotal     *prometheus.CounterVec
	StreamEvents    *prometheus.CounterVec
	ProxyRequests   *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance with its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		registry: registry,
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promptbench_http_requests_total",
				Help: "Total number of HTTP requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "promptbench_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		ActiveRequests: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "promptbench_http_active_requests",
				Help: "Number of currently active HTTP requests",
			},
			[]string{"endpoint"},
		),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promptbench_errors_total",
				Help: "Total number of errors by type",
			},
			[]string{"type"},
		),
		RateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promptbench_rate_limit_hits_total",
				Help: "Total number of rate limit hits by client",
			},
			[]string{"client"},
		),
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promptbench_runs_total",
				Help: "Completion runs by endpoint mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "promptbench_run_duration_seconds",
				Help:    "Wall-clock duration of completion runs",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"mode"},
		),
		FirstTokenDelay: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "promptbench_first_token_seconds",
				Help:    "Time to the first output token of streamed runs",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"mode"},
		),
		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promptbench_tokens_total",
				Help: "Tokens reported by upstream usage, by kind",
			},
			[]string{"kind"},
		),
		StreamEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promptbench_stream_events_total",
				Help: "Decoded stream events by display category",
			},
			[]string{"category"},
		),
		ProxyRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promptbench_proxy_requests_total",
				Help: "Relay requests by outcome",
			},
			[]string{"outcome"},
		),
	}

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m.RequestsTotal.WithLabelValues("/health", "200").Add(0)
	m.RequestsTotal.WithLabelValues("/metrics", "200").Add(0)
	m.RequestDuration.WithLabelValues("/health").Observe(0)
	m.RequestDuration.WithLabelValues("/metrics").Observe(0)

	return m
}

// Registry returns the registry so other components can register collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns a handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: false,
	})
}

// RunObservation is what a finished run reports.
type RunObservation struct {
	Mode       string
	Outcome    string
	Latency    time.Duration
	FirstToken *time.Duration

	PromptTokens     int
	CompletionTokens int
	CachedTokens     int
	ReasoningTokens  int
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(o RunObservation) {
	m.RunsTotal.WithLabelValues(o.Mode, o.Outcome).Inc()
	m.RunDuration.WithLabelValues(o.Mode).Observe(o.Latency.Seconds())
	if o.FirstToken != nil {
		m.FirstTokenDelay.WithLabelValues(o.Mode).Observe(o.FirstToken.Seconds())
	}
	m.addTokens("prompt", o.PromptTokens)
	m.addTokens("completion", o.CompletionTokens)
	m.addTokens("cached", o.CachedTokens)
	m.addTokens("reasoning", o.ReasoningTokens)
}

func (m *Metrics) addTokens(kind string, n int) {
	if n > 0 {
		m.TokensTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// ObserveEvent counts one decoded stream event.
func (m *Metrics) ObserveEvent(category string) {
	m.StreamEvents.WithLabelValues(category).Inc()
}
