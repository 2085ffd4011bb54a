// Package circuitbreaker guards upstream model endpoints. After repeated
// failures against a host, runs fail fast until the host has had time to recover.
package circuitbreaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Config holds the breaker settings.
type Config struct {
	Name             string
	MaxRequests      uint32        // requests allowed while half-open
	Interval         time.Duration // closed-state window after which counts reset
	Timeout          time.Duration // open-state duration before trying half-open
	FailureThreshold uint32        // consecutive failures that open the circuit
	TestMode         bool          // skip metric registration

	// IsFailure decides whether an error counts against the breaker. When nil
	// every error does.
	IsFailure func(err error) bool
}

// CircuitBreaker wraps gobreaker with logging and Prometheus metrics.
type CircuitBreaker struct {
	name   string
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger

	stateGauge    prometheus.Gauge
	failuresCount prometheus.Counter
	tripsTotal    prometheus.Counter
}

// NewCircuitBreaker creates a breaker. Metrics are registered on registry
// unless TestMode is set or registry is nil.
func NewCircuitBreaker(config Config, logger *zap.Logger, registry *prometheus.Registry) (*CircuitBreaker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("circuit breaker name is required")
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	labels := prometheus.Labels{"name": config.Name}
	b := &CircuitBreaker{
		name:   config.Name,
		logger: logger,
		stateGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "promptbench_circuit_breaker_state",
			Help:        "Current state of the circuit breaker (0=closed, 1=half-open, 2=open)",
			ConstLabels: labels,
		}),
		failuresCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "promptbench_circuit_breaker_failures_total",
			Help:        "Total number of failures recorded by the circuit breaker",
			ConstLabels: labels,
		}),
		tripsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "promptbench_circuit_breaker_trips_total",
			Help:        "Total number of times the circuit breaker has tripped",
			ConstLabels: labels,
		}),
	}

	if !config.TestMode && registry != nil {
		for _, c := range []prometheus.Collector{b.stateGauge, b.failuresCount, b.tripsTotal} {
			if err := registry.Register(c); err != nil {
				return nil, fmt.Errorf("register breaker metrics: %w", err)
			}
		}
	}

	threshold := config.FailureThreshold
	isFailure := config.IsFailure
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			if isFailure != nil && !isFailure(err) {
				return true
			}
			b.failuresCount.Inc()
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.stateGauge.Set(float64(to))
			if to == gobreaker.StateOpen {
				b.tripsTotal.Inc()
				logger.Warn("circuit breaker tripped",
					zap.String("name", name),
					zap.String("from", from.String()),
				)
				return
			}
			logger.Info("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return b, nil
}

// Execute runs f unless the circuit is open, in which case it returns
// ErrCircuitOpen without calling f.
func (b *CircuitBreaker) Execute(f func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, f()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return ErrCircuitOpen
	}
	return err
}

// State returns the current state.
func (b *CircuitBreaker) State() gobreaker.State {
	return b.cb.State()
}

// Counts returns the counts of the current window.
func (b *CircuitBreaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}

// Name returns the breaker name.
func (b *CircuitBreaker) Name() string {
	return b.name
}

// Group lazily creates one breaker per key, typically the upstream host.
type Group struct {
	mu       sync.Mutex
	base     Config
	logger   *zap.Logger
	registry *prometheus.Registry
	breakers map[string]*CircuitBreaker
}

// NewGroup returns a group creating breakers from base, named after their key.
func NewGroup(base Config, logger *zap.Logger, registry *prometheus.Registry) *Group {
	return &Group{
		base:     base,
		logger:   logger,
		registry: registry,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for key, creating it on first use.
func (g *Group) Get(key string) (*CircuitBreaker, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.breakers[key]; ok {
		return b, nil
	}
	cfg := g.base
	cfg.Name = key
	b, err := NewCircuitBreaker(cfg, g.logger, g.registry)
	if err != nil {
		return nil, err
	}
	g.breakers[key] = b
	return b, nil
}

// Execute runs f through the breaker for key.
func (g *Group) Execute(key string, f func() error) error {
	b, err := g.Get(key)
	if err != nil {
		return err
	}
	return b.Execute(f)
}

// States reports the state of every breaker created so far.
func (g *Group) States() map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]string, len(g.breakers))
	for k, b := range g.breakers {
		out[k] = b.State().String()
	}
	return out
}
