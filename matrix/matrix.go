// Package matrix runs a draft against every combination of test case, model
// and temperature.
package matrix

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teilomillet/promptbench/errors"
	"github.com/teilomillet/promptbench/executor"
	"github.com/teilomillet/promptbench/judge"
	"github.com/teilomillet/promptbench/prompt"
)

// DefaultConcurrency bounds parallel runs when none is configured.
const DefaultConcurrency = 4

// TestCase is a named set of variable values with an optional expected output.
type TestCase struct {
	ID             string            `json:"id"`
	Name           string            `json:"name" validate:"required"`
	Description    string            `json:"description"`
	Variables      map[string]string `json:"variables"`
	ExpectedOutput string            `json:"expectedOutput,omitempty"`
	Tags           []string          `json:"tags"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// Key returns the test case id.
func (tc *TestCase) Key() string { return tc.ID }

// Created returns the creation time.
func (tc *TestCase) Created() time.Time { return tc.CreatedAt }

// Config selects what a matrix covers. Empty Models or Temperatures fall
// back to the base request's model and temperature.
type Config struct {
	Models       []string  `json:"models" validate:"dive,required"`
	Temperatures []float64 `json:"temperatures" validate:"dive,gte=0,lte=2"`
	TestCaseIDs  []string  `json:"testCaseIds" validate:"required,min=1"`
}

// RunMetrics is the subset of run metrics kept per matrix cell.
type RunMetrics struct {
	LatencyMs    int64   `json:"latencyMs"`
	TotalTokens  int     `json:"totalTokens"`
	FinishReason *string `json:"finishReason"`
}

// TestRun is one matrix cell.
type TestRun struct {
	ID          string     `json:"id"`
	RecordID    string     `json:"recordId,omitempty"`
	TestCaseID  string     `json:"testCaseId"`
	ModelID     string     `json:"modelId"`
	Temperature float64    `json:"temperature"`
	OutputText  string     `json:"outputText"`
	Metrics     RunMetrics `json:"metrics"`
	Error       *string    `json:"error,omitempty"`
	// Score is the word-overlap similarity with the expected output scaled
	// to 0..10. Nil when the test case has no expected output.
	Score     *float64  `json:"score,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Result holds every cell of one matrix, ordered by test case, then model,
// then temperature.
type Result struct {
	ID        string    `json:"id"`
	Config    Config    `json:"config"`
	Runs      []TestRun `json:"runs"`
	CreatedAt time.Time `json:"createdAt"`
}

// Executor runs one request.
type Executor interface {
	Execute(ctx context.Context, req executor.Request, hooks executor.Hooks) (*executor.Record, error)
}

// Runner fans matrix cells out to an Executor.
type Runner struct {
	exec        Executor
	concurrency int
	logger      *zap.Logger
}

// NewRunner returns a Runner running at most concurrency cells at once.
func NewRunner(exec Executor, concurrency int, logger *zap.Logger) *Runner {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{exec: exec, concurrency: concurrency, logger: logger}
}

type cell struct {
	tc          *TestCase
	model       string
	temperature float64
}

// Run executes base once per cell. Streaming is turned off for every cell.
// A failing cell records its error and does not stop the others. When ctx is
// cancelled, cells not yet started are recorded as aborted and the aborted
// error is returned with the partial result.
func (r *Runner) Run(ctx context.Context, base executor.Request, cfg Config, cases []*TestCase) (*Result, error) {
	models := cfg.Models
	if len(models) == 0 {
		models = []string{base.Connection.ModelID}
	}
	temps := cfg.Temperatures
	if len(temps) == 0 {
		temps = []float64{base.Params.Temperature}
	}

	var cells []cell
	for _, tc := range cases {
		for _, m := range models {
			for _, t := range temps {
				cells = append(cells, cell{tc: tc, model: m, temperature: t})
			}
		}
	}

	res := &Result{
		ID:        uuid.NewString(),
		Config:    cfg,
		Runs:      make([]TestRun, len(cells)),
		CreatedAt: time.Now().UTC(),
	}
	r.logger.Info("matrix started",
		zap.String("matrix_id", res.ID),
		zap.Int("cells", len(cells)),
		zap.Int("concurrency", r.concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, c := range cells {
		i, c := i, c
		if gctx.Err() != nil {
			res.Runs[i] = aborted(c)
			continue
		}
		g.Go(func() error {
			res.Runs[i] = r.runCell(gctx, base, c)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		r.logger.Info("matrix aborted", zap.String("matrix_id", res.ID))
		return res, errors.NewAbortedError(err)
	}
	r.logger.Info("matrix finished", zap.String("matrix_id", res.ID))
	return res, nil
}

func (r *Runner) runCell(ctx context.Context, base executor.Request, c cell) TestRun {
	if ctx.Err() != nil {
		return aborted(c)
	}
	req := base
	req.Draft = withVariables(base.Draft, c.tc.Variables)
	req.Params = base.Params.Clone()
	req.Params.Temperature = c.temperature
	req.Params.Stream = false
	req.Connection.ModelID = c.model

	rec, _ := r.exec.Execute(ctx, req, executor.Hooks{})
	run := TestRun{
		ID:          uuid.NewString(),
		TestCaseID:  c.tc.ID,
		ModelID:     c.model,
		Temperature: c.temperature,
		CreatedAt:   time.Now().UTC(),
	}
	if rec != nil {
		run.RecordID = rec.ID
		run.OutputText = rec.OutputText
		run.Error = rec.Error
		run.Metrics = RunMetrics{
			LatencyMs:    rec.Metrics.LatencyMs,
			TotalTokens:  rec.Metrics.TotalTokens,
			FinishReason: rec.Metrics.FinishReason,
		}
	}
	if c.tc.ExpectedOutput != "" && run.Error == nil {
		score := judge.QuickEvaluate(run.OutputText, c.tc.ExpectedOutput).Similarity * 10
		run.Score = &score
	}
	return run
}

func aborted(c cell) TestRun {
	msg := "Request aborted"
	return TestRun{
		ID:          uuid.NewString(),
		TestCaseID:  c.tc.ID,
		ModelID:     c.model,
		Temperature: c.temperature,
		Error:       &msg,
		CreatedAt:   time.Now().UTC(),
	}
}

// withVariables returns a copy of d whose variables are overlaid with vars.
func withVariables(d *prompt.Draft, vars map[string]string) *prompt.Draft {
	out := &prompt.Draft{}
	if d != nil {
		*out = *d
	}
	merged := make(map[string]string, len(out.Variables)+len(vars))
	for k, v := range out.Variables {
		merged[k] = v
	}
	for k, v := range vars {
		merged[k] = v
	}
	out.Variables = merged
	return out
}
