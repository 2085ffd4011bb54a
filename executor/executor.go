// Package executor runs one compiled request against a completion endpoint and
// produces a Record. Streamed responses are decoded incrementally and reported
// through Hooks as they arrive.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teilomillet/promptbench/circuitbreaker"
	"github.com/teilomillet/promptbench/compiler"
	"github.com/teilomillet/promptbench/errors"
	"github.com/teilomillet/promptbench/metrics"
	"github.com/teilomillet/promptbench/prompt"
	"github.com/teilomillet/promptbench/stream"
)

// maxBodyBytes caps how much of a non-streamed body is read.
const maxBodyBytes = 32 << 20

// Request is the input of one run.
type Request struct {
	Draft      *prompt.Draft
	Params     compiler.Params
	Connection compiler.Connection
}

// Hooks receive progress while a run is in flight. Every field is optional.
// No hook fires after the run's context is cancelled, except OnError and
// OnState reporting the abort.
type Hooks struct {
	OnState     func(State)
	OnEvent     func(stream.Event)
	OnChunk     func(chunk string)
	OnReasoning func(chunk string)
	OnDone      func(output string)
	OnError     func(err error)
}

// Executor sends runs. It holds no per-run state and is safe for concurrent use.
type Executor struct {
	client   *http.Client
	logger   *zap.Logger
	metrics  *metrics.Metrics
	breakers *circuitbreaker.Group
}

// Option configures an Executor.
type Option func(*Executor)

// WithHTTPClient sets the client used for upstream requests. The client should
// not carry a timeout: runs are bounded by their context.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) { e.client = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithMetrics records run and stream metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithBreakers guards upstream hosts with circuit breakers. Aborts and 4xx
// answers do not count as failures.
func WithBreakers(g *circuitbreaker.Group) Option {
	return func(e *Executor) { e.breakers = g }
}

// New returns an Executor.
func New(opts ...Option) *Executor {
	e := &Executor{
		client: &http.Client{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// run carries the state of one Execute call.
type run struct {
	ctx    context.Context
	hooks  Hooks
	record *Record
	start  time.Time
	logger *zap.Logger
}

// Execute compiles req, posts it and reads the answer. The returned record is
// never nil. The error is non-nil for transport failures, non-2xx answers and
// aborts, and is a *errors.BenchError.
func (e *Executor) Execute(ctx context.Context, req Request, hooks Hooks) (*Record, error) {
	r := &run{
		ctx:   ctx,
		hooks: hooks,
		start: time.Now(),
	}
	r.state(StateBuilding)

	conn := req.Connection
	body := compiler.Compile(req.Draft, req.Params, conn)
	payload, err := compiler.Encode(body)
	if err != nil {
		return e.finish(r, errors.NewInternalError("", fmt.Errorf("encode request: %w", err)))
	}

	headers := conn.RequestHeaders(uuid.NewString())
	r.record = &Record{
		ID:              uuid.NewString(),
		CreatedAt:       r.start.UTC(),
		EndpointMode:    conn.EndpointMode,
		URL:             conn.URL(),
		CompiledRequest: payload,
		RequestHeaders:  compiler.MaskHeaders(headers),
		ResponseHeaders: map[string]string{},
		Tags:            []string{},
		ModelID:         conn.ModelID,
		Temperature:     req.Params.Temperature,
		Stream:          req.Params.Stream,
	}
	r.logger = e.logger.With(
		zap.String("run_id", r.record.ID),
		zap.String("mode", string(conn.EndpointMode)),
		zap.String("model", conn.ModelID),
		zap.Bool("stream", req.Params.Stream),
	)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.record.URL, bytes.NewReader(payload))
	if err != nil {
		return e.finish(r, errors.NewTransportError(err))
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}
	if req.Params.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	r.state(StateInFlight)
	r.logger.Debug("sending run", zap.String("url", r.record.URL))

	resp, err := e.send(httpReq, conn)
	if err != nil {
		return e.finish(r, e.classify(ctx, err))
	}
	defer resp.Body.Close()

	r.record.Metrics.StatusCode = resp.StatusCode
	for k, v := range resp.Header {
		r.record.ResponseHeaders[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	r.logger.Debug("upstream answered", zap.Int("status", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if readErr != nil && ctx.Err() != nil {
			return e.finish(r, errors.NewAbortedError(ctx.Err()))
		}
		r.record.ResponseJSON = errorBody(string(text))
		return e.finish(r, errors.NewUpstreamError(resp.StatusCode, string(text)))
	}

	if req.Params.Stream && resp.Body != nil {
		return e.finish(r, e.readStream(r, resp.Body, conn.EndpointMode))
	}
	return e.finish(r, e.readBody(r, resp.Body, conn.EndpointMode))
}

// serverStatus marks a 5xx answer so the breaker counts it; the response
// itself is still handled normally.
type serverStatus int

func (s serverStatus) Error() string {
	return fmt.Sprintf("upstream status %d", int(s))
}

func (e *Executor) send(req *http.Request, conn compiler.Connection) (*http.Response, error) {
	if e.breakers == nil {
		return e.client.Do(req)
	}

	var resp *http.Response
	err := e.breakers.Execute(breakerKey(conn), func() error {
		r, err := e.client.Do(req)
		if err != nil {
			return err
		}
		resp = r
		if r.StatusCode >= 500 {
			return serverStatus(r.StatusCode)
		}
		return nil
	})
	var status serverStatus
	if stderrors.As(err, &status) {
		err = nil
	}
	return resp, err
}

// IsBreakerFailure is the breaker failure predicate used with WithBreakers.
func IsBreakerFailure(err error) bool {
	return !stderrors.Is(err, context.Canceled) && !stderrors.Is(err, context.DeadlineExceeded)
}

func breakerKey(conn compiler.Connection) string {
	if u, err := url.Parse(conn.BaseURL); err == nil && u.Host != "" {
		return u.Host
	}
	return conn.BaseURL
}

func (e *Executor) classify(ctx context.Context, err error) *errors.BenchError {
	if ctx.Err() != nil || stderrors.Is(err, context.Canceled) {
		return errors.NewAbortedError(err)
	}
	return errors.NewTransportError(err)
}

func (e *Executor) readStream(r *run, body io.Reader, mode compiler.EndpointMode) *errors.BenchError {
	acc := stream.NewAccumulator(mode)
	dec := stream.NewDecoder(body)

	for dec.Next() {
		if r.ctx.Err() != nil {
			break
		}
		ev := dec.Event()
		if e.metrics != nil {
			e.metrics.ObserveEvent(string(stream.Classify(ev)))
		}
		if r.hooks.OnEvent != nil {
			r.hooks.OnEvent(ev)
		}

		d := acc.Apply(ev)
		if d.Reasoning != "" && r.hooks.OnReasoning != nil {
			r.hooks.OnReasoning(d.Reasoning)
		}
		if d.Output != "" {
			if r.record.Metrics.FirstTokenMs == nil {
				ms := time.Since(r.start).Milliseconds()
				r.record.Metrics.FirstTokenMs = &ms
			}
			if r.hooks.OnChunk != nil {
				r.hooks.OnChunk(d.Output)
			}
		}
	}

	res := acc.Result()
	r.record.OutputText = res.Output
	r.record.ReasoningText = res.Reasoning
	if res.Usage != nil {
		r.applyUsage(*res.Usage)
	}
	r.record.setFinishReason(res.FinishReason)

	if r.ctx.Err() != nil {
		return errors.NewAbortedError(r.ctx.Err())
	}
	if err := dec.Err(); err != nil {
		return e.classify(r.ctx, err)
	}

	if r.hooks.OnDone != nil {
		r.hooks.OnDone(res.Output)
	}
	return nil
}

func (e *Executor) readBody(r *run, body io.Reader, mode compiler.EndpointMode) *errors.BenchError {
	data, err := io.ReadAll(io.LimitReader(body, maxBodyBytes))
	if err != nil {
		return e.classify(r.ctx, err)
	}
	if r.ctx.Err() != nil {
		return errors.NewAbortedError(r.ctx.Err())
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		r.record.ResponseText = string(data)
		return errors.NewTransportError(fmt.Errorf("invalid JSON response body"))
	}
	r.record.ResponseJSON = trimmed

	ex := extract(mode, trimmed)
	r.record.OutputText = ex.output
	r.record.ReasoningText = ex.reasoning
	r.applyUsage(ex.usage)
	r.record.setFinishReason(ex.finishReason)

	if r.hooks.OnDone != nil {
		r.hooks.OnDone(ex.output)
	}
	return nil
}

func (r *run) applyUsage(u stream.Usage) {
	m := &r.record.Metrics
	m.PromptTokens = u.PromptTokens
	m.CompletionTokens = u.CompletionTokens
	m.TotalTokens = u.TotalTokens
	m.CachedTokens = u.CachedTokens
	m.ReasoningTokens = u.ReasoningTokens
}

func (r *run) state(s State) {
	if r.hooks.OnState != nil {
		r.hooks.OnState(s)
	}
}

// finish stamps latency and the final state, reports the outcome and returns.
func (e *Executor) finish(r *run, runErr *errors.BenchError) (*Record, error) {
	if r.record == nil {
		r.record = &Record{
			ID:              uuid.NewString(),
			CreatedAt:       r.start.UTC(),
			RequestHeaders:  map[string]string{},
			ResponseHeaders: map[string]string{},
			Tags:            []string{},
		}
	}
	if r.logger == nil {
		r.logger = e.logger.With(zap.String("run_id", r.record.ID))
	}
	rec := r.record
	latency := time.Since(r.start)
	rec.Metrics.LatencyMs = latency.Milliseconds()

	switch {
	case runErr == nil:
		rec.State = StateCompleted
		r.logger.Info("run completed",
			zap.Int64("latency_ms", rec.Metrics.LatencyMs),
			zap.Int("total_tokens", rec.Metrics.TotalTokens),
		)
	case runErr.Type == errors.AbortedError:
		rec.State = StateAborted
		r.logger.Info("run aborted", zap.Int64("latency_ms", rec.Metrics.LatencyMs))
	default:
		rec.State = StateErrored
		level := r.logger.Warn
		if runErr.Type == errors.UpstreamError {
			level = r.logger.Info
		}
		level("run failed",
			zap.String("error_type", string(runErr.Type)),
			zap.Int("status", rec.Metrics.StatusCode),
			zap.Error(runErr),
		)
	}

	if e.metrics != nil {
		obs := metrics.RunObservation{
			Mode:             string(rec.EndpointMode),
			Outcome:          string(rec.State),
			Latency:          latency,
			PromptTokens:     rec.Metrics.PromptTokens,
			CompletionTokens: rec.Metrics.CompletionTokens,
			CachedTokens:     rec.Metrics.CachedTokens,
			ReasoningTokens:  rec.Metrics.ReasoningTokens,
		}
		if rec.Metrics.FirstTokenMs != nil {
			d := time.Duration(*rec.Metrics.FirstTokenMs) * time.Millisecond
			obs.FirstToken = &d
		}
		e.metrics.ObserveRun(obs)
	}

	r.state(rec.State)
	if runErr == nil {
		return rec, nil
	}
	rec.setError(runErr.Message)
	if r.hooks.OnError != nil {
		r.hooks.OnError(runErr)
	}
	return rec, runErr
}

// errorBody wraps a non-2xx body as {"error": body}.
func errorBody(text string) json.RawMessage {
	b, err := json.Marshal(map[string]string{"error": text})
	if err != nil {
		return nil
	}
	return b
}
