package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/teilomillet/promptbench/errors"
	"github.com/teilomillet/promptbench/executor"
	"github.com/teilomillet/promptbench/pricing"
	"github.com/teilomillet/promptbench/stream"
	"github.com/teilomillet/promptbench/workbench"
)

// eventWriter writes server-sent event frames. The response header is sent
// with the first frame, so a request rejected before the run starts can
// still answer with a JSON error.
type eventWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
	failed  bool
}

func newEventWriter(w http.ResponseWriter) *eventWriter {
	f, _ := w.(http.Flusher)
	return &eventWriter{w: w, flusher: f}
}

func (e *eventWriter) send(event string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failed {
		return
	}
	if !e.started {
		h := e.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		e.w.WriteHeader(http.StatusOK)
		e.started = true
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		e.failed = true
		return
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
}

func (e *eventWriter) wasStarted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

type textFrame struct {
	Text string `json:"text"`
}

type stateFrame struct {
	State executor.State `json:"state"`
}

type eventFrame struct {
	stream.Event
	Category stream.Category `json:"category"`
}

func wantsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// CreateRun executes a run through the session. It answers 409 while another
// run is in flight. With Accept: text/event-stream the run is relayed as
// state, chunk, reasoning and sse frames followed by a record frame and, for
// failed runs, an error frame. Otherwise the finished record is returned;
// upstream failures and aborts are part of the record, not the status.
func (a *API) CreateRun(w http.ResponseWriter, r *http.Request) {
	req, berr := a.decodeRunRequest(r)
	if berr != nil {
		errors.WriteError(w, berr)
		return
	}
	if berr := runnable(r, req); berr != nil {
		errors.WriteError(w, berr)
		return
	}

	run := executor.Request{Draft: req.Draft, Params: *req.Params, Connection: *req.Connection}

	if !wantsEventStream(r) {
		rec, err := a.session.Run(r.Context(), run, executor.Hooks{})
		if rec == nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
		return
	}

	ew := newEventWriter(w)
	hooks := executor.Hooks{
		OnState: func(s executor.State) { ew.send("state", stateFrame{State: s}) },
		OnEvent: func(ev stream.Event) {
			ew.send("sse", eventFrame{Event: ev, Category: stream.Classify(ev)})
		},
		OnChunk:     func(c string) { ew.send("chunk", textFrame{Text: c}) },
		OnReasoning: func(c string) { ew.send("reasoning", textFrame{Text: c}) },
	}

	rec, err := a.session.Run(r.Context(), run, hooks)
	if rec == nil {
		if !ew.wasStarted() {
			writeError(w, r, err)
			return
		}
		ew.send("error", errors.NewInternalError(requestID(r), err))
		return
	}

	ew.send("record", rec)
	if err != nil {
		var be *errors.BenchError
		if !errors.As(err, &be) {
			be = errors.NewInternalError(requestID(r), err)
		}
		ew.send("error", be.WithRequestID(requestID(r)))
	}
}

// AbortRun cancels the in-flight run.
func (a *API) AbortRun(w http.ResponseWriter, r *http.Request) {
	aborted := a.session.Abort()
	a.logger.Info("Abort requested", zap.String("request_id", requestID(r)), zap.Bool("aborted", aborted))
	writeJSON(w, http.StatusOK, map[string]bool{"aborted": aborted})
}

// LiveResponse is the live view plus whether a run is in flight.
type LiveResponse struct {
	Running bool `json:"running"`
	workbench.Live
}

// CurrentRun returns the live view of the current or last run.
func (a *API) CurrentRun(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LiveResponse{
		Running: a.session.Running(),
		Live:    a.session.Live(),
	})
}

// EventsResponse is a page of the current run's event log.
type EventsResponse struct {
	Events  []eventFrame `json:"events"`
	Next    int          `json:"next"`
	Dropped int          `json:"dropped"`
	Stats   stream.Stats `json:"stats"`
}

// CurrentEvents returns the retained events of the current run. A since
// query parameter skips that many retained events; next is the value to pass
// on the following poll. A category parameter filters by display category.
func (a *API) CurrentEvents(w http.ResponseWriter, r *http.Request) {
	since := 0
	if s := r.URL.Query().Get("since"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			errors.WriteError(w, errors.NewBadRequestError(requestID(r), "since must be a non-negative integer", err))
			return
		}
		since = n
	}
	category := stream.Category(r.URL.Query().Get("category"))

	log := a.session.Events()
	events := log.Since(since)
	frames := make([]eventFrame, 0, len(events))
	for _, ev := range events {
		c := stream.Classify(ev)
		if category != "" && c != category {
			continue
		}
		frames = append(frames, eventFrame{Event: ev, Category: c})
	}

	writeJSON(w, http.StatusOK, EventsResponse{
		Events:  frames,
		Next:    since + len(events),
		Dropped: log.Dropped(),
		Stats:   log.Stats(),
	})
}

// ListRuns lists the history, newest first. An optional tag query parameter
// keeps records carrying that tag.
func (a *API) ListRuns(w http.ResponseWriter, r *http.Request) {
	records, err := a.session.History(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if tag := r.URL.Query().Get("tag"); tag != "" {
		kept := records[:0:0]
		for _, rec := range records {
			for _, t := range rec.Tags {
				if t == tag {
					kept = append(kept, rec)
					break
				}
			}
		}
		records = kept
	}
	if records == nil {
		records = []*executor.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// GetRun returns one record.
func (a *API) GetRun(w http.ResponseWriter, r *http.Request) {
	rec, err := a.session.Record(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DeleteRun removes one record.
func (a *API) DeleteRun(w http.ResponseWriter, r *http.Request) {
	if err := a.session.DeleteRecord(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AnnotateRequest edits a record. Omitted fields are left unchanged.
type AnnotateRequest struct {
	Tags  []string `json:"tags"`
	Notes *string  `json:"notes"`
}

// AnnotateRun replaces a record's tags and notes.
func (a *API) AnnotateRun(w http.ResponseWriter, r *http.Request) {
	var req AnnotateRequest
	if berr := decodeBody(r, &req); berr != nil {
		errors.WriteError(w, berr)
		return
	}
	rec, err := a.session.Annotate(r.Context(), chi.URLParam(r, "id"), req.Tags, req.Notes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// CostResponse is a record's cost with its display forms.
type CostResponse struct {
	pricing.Cost
	Formatted string `json:"formatted"`
	Breakdown string `json:"breakdown"`
}

// RunCost prices a record from its reported usage.
func (a *API) RunCost(w http.ResponseWriter, r *http.Request) {
	rec, err := a.session.Record(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	m := rec.Metrics
	cost := a.pricing.Cost(rec.ModelID, m.PromptTokens, m.CompletionTokens, m.CachedTokens)
	writeJSON(w, http.StatusOK, CostResponse{
		Cost:      cost,
		Formatted: pricing.FormatCost(cost.TotalCost),
		Breakdown: cost.Breakdown(),
	})
}
