// Package workbench owns the mutable state around runs: the single in-flight
// guard, the live output of the current run, its event log and the history.
package workbench

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/teilomillet/promptbench/errors"
	"github.com/teilomillet/promptbench/executor"
	"github.com/teilomillet/promptbench/store"
	"github.com/teilomillet/promptbench/stream"
)

// ErrRunInProgress is returned by Run while another run is in flight.
var ErrRunInProgress = errors.NewConflictError("", "a run is already in progress")

// Runner executes one request. *executor.Executor satisfies it.
type Runner interface {
	Execute(ctx context.Context, req executor.Request, hooks executor.Hooks) (*executor.Record, error)
}

// Live is the view of the current or most recent run.
type Live struct {
	RunID     string           `json:"runId,omitempty"`
	State     executor.State   `json:"state"`
	Output    string           `json:"output"`
	Reasoning string           `json:"reasoning"`
	Stats     stream.Stats     `json:"stats"`
	Record    *executor.Record `json:"record,omitempty"`
}

// Session serializes runs of one workbench.
type Session struct {
	runner    Runner
	history   store.Repository[*executor.Record]
	maxEvents int
	logger    *zap.Logger

	running atomic.Bool

	mu        sync.RWMutex
	cancel    context.CancelFunc
	state     executor.State
	output    strings.Builder
	reasoning strings.Builder
	events    *stream.EventLog
	last      *executor.Record
}

// Option configures a Session.
type Option func(*Session)

// WithHistory stores every finished record in repo.
func WithHistory(repo store.Repository[*executor.Record]) Option {
	return func(s *Session) { s.history = repo }
}

// WithMaxEvents bounds the per-run event log.
func WithMaxEvents(n int) Option {
	return func(s *Session) { s.maxEvents = n }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// NewSession returns an idle session.
func NewSession(runner Runner, opts ...Option) *Session {
	s := &Session{
		runner: runner,
		logger: zap.NewNop(),
		state:  executor.StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.history == nil {
		s.history = store.NewMemoryStore[*executor.Record]("run", 0)
	}
	s.events = stream.NewEventLog(s.maxEvents)
	return s
}

// Running reports whether a run is in flight.
func (s *Session) Running() bool {
	return s.running.Load()
}

// Run executes req unless another run is in flight, in which case it returns
// ErrRunInProgress without side effects. The caller's hooks are invoked after
// the session has recorded each chunk and event. The finished record is saved
// to history; a history failure is logged and does not fail the run.
func (s *Session) Run(ctx context.Context, req executor.Request, hooks executor.Hooks) (*executor.Record, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer s.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := stream.NewEventLog(s.maxEvents)
	s.mu.Lock()
	s.cancel = cancel
	s.state = executor.StateIdle
	s.output.Reset()
	s.reasoning.Reset()
	s.events = events
	s.last = nil
	s.mu.Unlock()

	rec, err := s.runner.Execute(ctx, req, s.wrap(events, hooks))

	s.mu.Lock()
	s.cancel = nil
	s.last = rec
	if rec != nil {
		s.state = rec.State
	}
	s.mu.Unlock()

	if rec != nil {
		if perr := s.history.Put(context.WithoutCancel(ctx), rec); perr != nil {
			s.logger.Error("failed to save run", zap.String("run_id", rec.ID), zap.Error(perr))
		}
	}
	return rec, err
}

func (s *Session) wrap(events *stream.EventLog, hooks executor.Hooks) executor.Hooks {
	return executor.Hooks{
		OnState: func(st executor.State) {
			s.mu.Lock()
			s.state = st
			s.mu.Unlock()
			if hooks.OnState != nil {
				hooks.OnState(st)
			}
		},
		OnEvent: func(ev stream.Event) {
			events.Add(ev)
			if hooks.OnEvent != nil {
				hooks.OnEvent(ev)
			}
		},
		OnChunk: func(chunk string) {
			s.mu.Lock()
			s.output.WriteString(chunk)
			s.mu.Unlock()
			if hooks.OnChunk != nil {
				hooks.OnChunk(chunk)
			}
		},
		OnReasoning: func(chunk string) {
			s.mu.Lock()
			s.reasoning.WriteString(chunk)
			s.mu.Unlock()
			if hooks.OnReasoning != nil {
				hooks.OnReasoning(chunk)
			}
		},
		OnDone:  hooks.OnDone,
		OnError: hooks.OnError,
	}
}

// Abort cancels the in-flight run. It reports whether there was one.
func (s *Session) Abort() bool {
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// Live returns the current run's progress, or the last run's outcome.
func (s *Session) Live() Live {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l := Live{
		State:     s.state,
		Output:    s.output.String(),
		Reasoning: s.reasoning.String(),
		Stats:     s.events.Stats(),
		Record:    s.last,
	}
	if s.last != nil {
		l.RunID = s.last.ID
		l.Output = s.last.OutputText
		l.Reasoning = s.last.ReasoningText
	}
	return l
}

// Events returns the event log of the current or last run.
func (s *Session) Events() *stream.EventLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.events
}

// History lists stored records, newest first.
func (s *Session) History(ctx context.Context) ([]*executor.Record, error) {
	return s.history.GetAll(ctx)
}

// Record returns a stored record.
func (s *Session) Record(ctx context.Context, id string) (*executor.Record, error) {
	return s.history.Get(ctx, id)
}

// DeleteRecord removes a stored record.
func (s *Session) DeleteRecord(ctx context.Context, id string) error {
	return s.history.Delete(ctx, id)
}

// Annotate replaces the tags and notes of a stored record. Nil tags leave
// them unchanged.
func (s *Session) Annotate(ctx context.Context, id string, tags []string, notes *string) (*executor.Record, error) {
	rec, err := s.history.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	updated := *rec
	if tags != nil {
		updated.Tags = append([]string(nil), tags...)
	}
	if notes != nil {
		updated.Notes = *notes
	}
	if err := s.history.Put(ctx, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}
