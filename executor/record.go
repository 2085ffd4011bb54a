package executor

import (
	"encoding/json"
	"time"

	"github.com/teilomillet/promptbench/compiler"
)

// State is a run's position in its lifecycle.
type State string

const (
	StateIdle      State = "idle"
	StateBuilding  State = "building"
	StateInFlight  State = "in_flight"
	StateCompleted State = "completed"
	StateErrored   State = "errored"
	StateAborted   State = "aborted"
)

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateErrored || s == StateAborted
}

// Metrics are the measurements of one run. Token counts stay zero when the
// endpoint reports no usage.
type Metrics struct {
	LatencyMs        int64   `json:"latencyMs"`
	FirstTokenMs     *int64  `json:"firstTokenMs"`
	PromptTokens     int     `json:"promptTokens"`
	CompletionTokens int     `json:"completionTokens"`
	TotalTokens      int     `json:"totalTokens"`
	CachedTokens     int     `json:"cachedTokens"`
	ReasoningTokens  int     `json:"reasoningTokens"`
	StatusCode       int     `json:"statusCode"`
	FinishReason     *string `json:"finishReason"`
}

// Record is the outcome of one run. The executor builds it once; afterwards
// only Tags and Notes are edited, by whoever stores it.
type Record struct {
	ID              string                `json:"id"`
	CreatedAt       time.Time             `json:"createdAt"`
	EndpointMode    compiler.EndpointMode `json:"endpointMode"`
	URL             string                `json:"url"`
	CompiledRequest json.RawMessage       `json:"compiledRequestJson"`
	// ResponseJSON is nil for streamed runs.
	ResponseJSON json.RawMessage `json:"responseJson"`
	// ResponseText holds a body that was not valid JSON.
	ResponseText    string            `json:"responseText,omitempty"`
	RequestHeaders  map[string]string `json:"requestHeaders"`
	ResponseHeaders map[string]string `json:"responseHeaders"`
	Metrics         Metrics           `json:"metrics"`
	OutputText      string            `json:"outputText"`
	ReasoningText   string            `json:"reasoningText,omitempty"`
	Error           *string           `json:"error"`
	State           State             `json:"state"`
	Tags            []string          `json:"tags"`
	Notes           string            `json:"notes"`
	ModelID         string            `json:"modelId"`
	Temperature     float64           `json:"temperature"`
	Stream          bool              `json:"stream"`
}

// Key returns the record id.
func (r *Record) Key() string {
	return r.ID
}

// Created returns the creation time.
func (r *Record) Created() time.Time {
	return r.CreatedAt
}

// Failed reports whether the run ended with an error.
func (r *Record) Failed() bool {
	return r.Error != nil
}

func (r *Record) setError(msg string) {
	r.Error = &msg
}

func (r *Record) setFinishReason(reason string) {
	if reason == "" {
		return
	}
	r.Metrics.FinishReason = &reason
}
