// Package server assembles the promptbench HTTP server: the workbench API,
// the CORS relay, health and metrics endpoints, and the middleware stack.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/teilomillet/promptbench/circuitbreaker"
	"github.com/teilomillet/promptbench/config"
	"github.com/teilomillet/promptbench/errors"
	"github.com/teilomillet/promptbench/executor"
	"github.com/teilomillet/promptbench/judge"
	"github.com/teilomillet/promptbench/matrix"
	"github.com/teilomillet/promptbench/metrics"
	"github.com/teilomillet/promptbench/pricing"
	"github.com/teilomillet/promptbench/server/handlers"
	"github.com/teilomillet/promptbench/server/middleware"
	"github.com/teilomillet/promptbench/server/proxy"
	"github.com/teilomillet/promptbench/store"
	"github.com/teilomillet/promptbench/tokens"
	"github.com/teilomillet/promptbench/workbench"
)

// Server is the promptbench HTTP server.
type Server struct {
	httpServer *http.Server
	watcher    config.Watcher
	logger     *zap.Logger

	metrics  *metrics.Metrics
	breakers *circuitbreaker.Group
	session  *workbench.Session
	relay    *proxy.Proxy
	limiter  *middleware.RateLimiter
}

// Option configures a Server.
type Option func(*serverOptions)

type serverOptions struct {
	client    *http.Client
	judge     *judge.Judge
	optimizer *judge.Optimizer
	counter   handlers.TokenCounters
}

// WithHTTPClient sets the client used for upstream runs and relayed requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *serverOptions) { o.client = c }
}

// WithJudge overrides the judge built from configuration.
func WithJudge(j *judge.Judge, o *judge.Optimizer) Option {
	return func(so *serverOptions) {
		so.judge = j
		so.optimizer = o
	}
}

// WithTokenCounters overrides the tiktoken counters.
func WithTokenCounters(c handlers.TokenCounters) Option {
	return func(o *serverOptions) { o.counter = c }
}

// New builds every component from the watcher's current configuration.
func New(watcher config.Watcher, logger *zap.Logger, opts ...Option) (*Server, error) {
	so := serverOptions{client: &http.Client{}}
	for _, opt := range opts {
		opt(&so)
	}
	if so.counter == nil {
		so.counter = tokens.NewCache()
	}

	cfg := watcher.GetCurrentConfig()
	m := metrics.NewMetrics()

	var breakers *circuitbreaker.Group
	if cfg.CircuitBreaker.Enabled {
		breakers = circuitbreaker.NewGroup(circuitbreaker.Config{
			MaxRequests:      cfg.CircuitBreaker.MaxRequests,
			Interval:         cfg.CircuitBreaker.Interval,
			Timeout:          cfg.CircuitBreaker.Timeout,
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			TestMode:         cfg.TestMode,
			IsFailure:        executor.IsBreakerFailure,
		}, logger, m.Registry())
	}

	execOpts := []executor.Option{
		executor.WithHTTPClient(so.client),
		executor.WithLogger(logger),
		executor.WithMetrics(m),
	}
	if breakers != nil {
		execOpts = append(execOpts, executor.WithBreakers(breakers))
	}
	exec := executor.New(execOpts...)

	history, cases, err := openStores(cfg.History, logger)
	if err != nil {
		return nil, err
	}

	session := workbench.NewSession(exec,
		workbench.WithHistory(history),
		workbench.WithMaxEvents(cfg.Stream.MaxEvents),
		workbench.WithLogger(logger),
	)

	if so.judge == nil && cfg.Judge.Enabled {
		l, err := judge.NewLLM(cfg.Judge.Provider, cfg.Judge.Model, cfg.Judge.APIKey)
		if err != nil {
			return nil, errors.NewConfigError("judge model unavailable", err)
		}
		so.judge = judge.New(l, logger)
		so.optimizer = judge.NewOptimizer(l, logger)
	}

	api := handlers.New(watcher, session,
		handlers.WithTestCases(cases),
		handlers.WithMatrix(matrix.NewRunner(exec, cfg.Matrix.Concurrency, logger)),
		handlers.WithPricing(pricing.NewTable(cfg.Pricing)),
		handlers.WithTokenCounters(so.counter),
		handlers.WithJudge(so.judge, so.optimizer),
		handlers.WithTimeouts(cfg.Judge.Timeout, cfg.Matrix.Timeout),
		handlers.WithLogger(logger),
	)

	relay := proxy.New(cfg.Proxy.AllowedDomains, cfg.Proxy.Timeout,
		proxy.WithHTTPClient(so.client),
		proxy.WithLogger(logger),
		proxy.WithMetrics(m),
	)
	rl := cfg.Proxy.RateLimit
	limiter := middleware.NewRateLimiter(rl.Requests, rl.Per, rl.Burst, m)

	s := &Server{
		watcher:  watcher,
		logger:   logger,
		metrics:  m,
		breakers: breakers,
		session:  session,
		relay:    relay,
		limiter:  limiter,
	}

	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        s.router(cfg, api),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}
	return s, nil
}

// openStores opens the run history and test case repositories.
func openStores(cfg config.HistoryConfig, logger *zap.Logger) (store.Repository[*executor.Record], store.Repository[*matrix.TestCase], error) {
	if cfg.Type != "file" {
		return store.NewMemoryStore[*executor.Record]("run", cfg.MaxRecords),
			store.NewMemoryStore[*matrix.TestCase]("test case", 0), nil
	}

	history, err := store.OpenFileStore[*executor.Record](cfg.Path, "run", cfg.MaxRecords, logger)
	if err != nil {
		return nil, nil, errors.NewConfigError("open run history", err)
	}
	if cfg.TestCasesPath == "" {
		return history, store.NewMemoryStore[*matrix.TestCase]("test case", 0), nil
	}
	cases, err := store.OpenFileStore[*matrix.TestCase](cfg.TestCasesPath, "test case", 0, logger)
	if err != nil {
		return nil, nil, errors.NewConfigError("open test cases", err)
	}
	return history, cases, nil
}

// router mounts every route behind the middleware stack.
func (s *Server) router(cfg *config.Config, api *handlers.API) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RequestTimer)
	r.Use(middleware.Logging(s.logger))
	r.Use(middleware.Recovery(s.logger))
	r.Use(middleware.CORS(cfg.Server.AllowedOrigins))
	r.Use(middleware.PrometheusMetrics(s.metrics))

	r.Get("/health", s.health)
	r.Get("/api/health", s.health)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/v1", api.Routes)

	if cfg.Proxy.Enabled {
		r.With(s.limiter.Handler).Handle(cfg.Proxy.Path, s.relay)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		errors.WriteError(w, errors.NewError(errors.NotFoundError, "route not found",
			http.StatusNotFound, middleware.GetRequestID(r.Context()), map[string]interface{}{"path": r.URL.Path}, nil))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		errors.WriteError(w, errors.NewError(errors.BadRequestError, "method not allowed",
			http.StatusMethodNotAllowed, middleware.GetRequestID(r.Context()), map[string]interface{}{"method": r.Method}, nil))
	})

	return r
}

// HealthResponse reports liveness and upstream breaker states.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Running   bool              `json:"running"`
	Breakers  map[string]string `json:"breakers,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Running:   s.session.Running(),
	}
	if s.breakers != nil {
		resp.Breakers = s.breakers.States()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// applyConfig updates the components that follow reloads. Workspace defaults
// are read per request and need nothing here; listener settings need a
// restart.
func (s *Server) applyConfig(cfg *config.Config) {
	s.relay.Update(cfg.Proxy.AllowedDomains, cfg.Proxy.Timeout)
	rl := cfg.Proxy.RateLimit
	s.limiter.Update(rl.Requests, rl.Per, rl.Burst)
	s.logger.Info("Applied reloaded configuration",
		zap.Strings("allowed_domains", cfg.Proxy.AllowedDomains),
	)
}

func (s *Server) watchConfig(ctx context.Context) {
	updates := s.watcher.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			s.applyConfig(cfg)
		}
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully: the
// in-flight run is aborted and open requests get the configured shutdown
// timeout to finish.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)

	go s.watchConfig(ctx)

	go func() {
		s.logger.Info("Server started", zap.String("address", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		timeout := s.watcher.GetCurrentConfig().Server.ShutdownTimeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		s.logger.Info("Shutting down server", zap.Duration("timeout", timeout))
		s.session.Abort()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("error during server shutdown: %w", err)
		}
		return nil

	case err := <-errChan:
		return err
	}
}
