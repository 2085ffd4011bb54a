// Package handlers implements the JSON API a workbench UI talks to: compile
// previews, lint, runs and their history, test cases, matrices and the judge.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/teilomillet/promptbench/compiler"
	"github.com/teilomillet/promptbench/config"
	"github.com/teilomillet/promptbench/errors"
	"github.com/teilomillet/promptbench/judge"
	"github.com/teilomillet/promptbench/matrix"
	"github.com/teilomillet/promptbench/pricing"
	"github.com/teilomillet/promptbench/prompt"
	"github.com/teilomillet/promptbench/server/middleware"
	"github.com/teilomillet/promptbench/store"
	"github.com/teilomillet/promptbench/tokens"
	"github.com/teilomillet/promptbench/workbench"
)

// TokenCounters hands out a counter per model. *tokens.Cache satisfies it.
type TokenCounters interface {
	Get(model string) (*tokens.Counter, error)
}

// API holds the dependencies of every handler.
type API struct {
	config    config.Watcher
	session   *workbench.Session
	testCases store.Repository[*matrix.TestCase]
	matrix    *matrix.Runner
	pricing   *pricing.Table
	counters  TokenCounters
	judge     *judge.Judge
	optimizer *judge.Optimizer
	logger    *zap.Logger

	judgeTimeout  time.Duration
	matrixTimeout time.Duration
}

// Option configures an API.
type Option func(*API)

// WithTestCases stores test cases in repo.
func WithTestCases(repo store.Repository[*matrix.TestCase]) Option {
	return func(a *API) { a.testCases = repo }
}

// WithMatrix enables POST /v1/matrix.
func WithMatrix(r *matrix.Runner) Option {
	return func(a *API) { a.matrix = r }
}

// WithPricing sets the price table used for run costs.
func WithPricing(t *pricing.Table) Option {
	return func(a *API) { a.pricing = t }
}

// WithTokenCounters enables prompt token estimates.
func WithTokenCounters(c TokenCounters) Option {
	return func(a *API) { a.counters = c }
}

// WithJudge enables LLM scoring and prompt optimization.
func WithJudge(j *judge.Judge, o *judge.Optimizer) Option {
	return func(a *API) {
		a.judge = j
		a.optimizer = o
	}
}

// WithTimeouts bounds judge and optimizer calls, and matrix runs. Zero
// leaves them bounded by the client connection.
func WithTimeouts(judge, matrix time.Duration) Option {
	return func(a *API) {
		a.judgeTimeout = judge
		a.matrixTimeout = matrix
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *API) { a.logger = l }
}

// New returns an API serving session. Workspace defaults are read from cfg on
// every request so reloads apply immediately.
func New(cfg config.Watcher, session *workbench.Session, opts ...Option) *API {
	a := &API{
		config:  cfg,
		session: session,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.testCases == nil {
		a.testCases = store.NewMemoryStore[*matrix.TestCase]("test case", 0)
	}
	if a.pricing == nil {
		a.pricing = pricing.NewTable(nil)
	}
	return a
}

// Routes mounts the API on r.
func (a *API) Routes(r chi.Router) {
	r.Get("/defaults", a.Defaults)
	r.Get("/presets", a.Presets)
	r.Post("/compile", a.Compile)
	r.Post("/lint", a.Lint)

	r.Route("/runs", func(r chi.Router) {
		r.Get("/", a.ListRuns)
		r.Post("/", a.CreateRun)
		r.Get("/current", a.CurrentRun)
		r.Delete("/current", a.AbortRun)
		r.Get("/current/events", a.CurrentEvents)
		r.Get("/{id}", a.GetRun)
		r.Patch("/{id}", a.AnnotateRun)
		r.Delete("/{id}", a.DeleteRun)
		r.Get("/{id}/cost", a.RunCost)
	})

	r.Route("/testcases", func(r chi.Router) {
		r.Get("/", a.ListTestCases)
		r.Post("/", a.CreateTestCase)
		r.Get("/{id}", a.GetTestCase)
		r.Delete("/{id}", a.DeleteTestCase)
	})

	r.With(middleware.Timeout(a.matrixTimeout)).Post("/matrix", a.RunMatrix)

	r.Get("/rubrics", a.Rubrics)
	r.Get("/strategies", a.Strategies)
	r.Post("/evaluate", a.Evaluate)
	r.With(middleware.Timeout(a.judgeTimeout)).Post("/judge", a.Judge)
	r.With(middleware.Timeout(a.judgeTimeout)).Post("/optimize", a.Optimize)
}

// RunRequest is the body of the compile, lint and run endpoints. Connection
// and params fields the body leaves out keep the workspace defaults.
type RunRequest struct {
	Draft      *prompt.Draft        `json:"draft"`
	Params     *compiler.Params     `json:"params"`
	Connection *compiler.Connection `json:"connection"`
}

// decodeRunRequest decodes the body on top of the current defaults.
func (a *API) decodeRunRequest(r *http.Request) (*RunRequest, *errors.BenchError) {
	cfg := a.config.GetCurrentConfig()
	params := cfg.Params.Clone()
	conn := cfg.Workspace
	conn.Headers = make(map[string]string, len(cfg.Workspace.Headers))
	for k, v := range cfg.Workspace.Headers {
		conn.Headers[k] = v
	}

	req := &RunRequest{Params: &params, Connection: &conn}
	if err := decodeBody(r, req); err != nil {
		return nil, err
	}
	if req.Draft == nil {
		return nil, errors.NewValidationError(requestID(r), "draft is required", map[string]interface{}{
			"field": "draft",
		})
	}
	if req.Params == nil {
		req.Params = &params
	}
	if req.Connection == nil {
		req.Connection = &conn
	}
	return req, nil
}

func requestID(r *http.Request) string {
	return middleware.GetRequestID(r.Context())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	errors.Respond(w, requestID(r), err)
}
