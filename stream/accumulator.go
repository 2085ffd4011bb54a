package stream

import (
	"github.com/teilomillet/promptbench/compiler"
)

// Delta is what one event contributed.
type Delta struct {
	Output    string
	Reasoning string
	// Done is set when the event ends output for the run.
	Done bool
}

// Result is the accumulated state of a stream.
type Result struct {
	Output       string `json:"output"`
	Reasoning    string `json:"reasoning"`
	Usage        *Usage `json:"usage,omitempty"`
	FinishReason string `json:"finishReason,omitempty"`
	Done         bool   `json:"done"`
}

// Accumulator folds events into a Result using the field paths of one
// endpoint mode.
type Accumulator interface {
	Apply(ev Event) Delta
	Result() Result
}

// NewAccumulator returns a fresh accumulator for mode.
func NewAccumulator(mode compiler.EndpointMode) Accumulator {
	if mode == compiler.ModeResponses {
		return &responsesAccumulator{}
	}
	return &chatAccumulator{}
}

// chatAccumulator reads choices[0].delta and top-level usage. [DONE] ends output.
type chatAccumulator struct {
	res Result
}

func (a *chatAccumulator) Apply(ev Event) Delta {
	if a.res.Done {
		return Delta{}
	}
	if ev.Type == TypeDone {
		a.res.Done = true
		return Delta{Done: true}
	}
	if ev.Type != TypeData || !ev.HasParsed() {
		return Delta{}
	}

	var d Delta
	p := ev.Parsed
	if s, ok := String(p, "choices", "[0]", "delta", "reasoning_content"); ok && s != "" {
		d.Reasoning = s
		a.res.Reasoning += s
	}
	if s, ok := String(p, "choices", "[0]", "delta", "content"); ok && s != "" {
		d.Output = s
		a.res.Output += s
	}
	if s, ok := String(p, "choices", "[0]", "finish_reason"); ok && s != "" {
		a.res.FinishReason = s
	}
	if u := Object(p, "usage"); u != nil {
		usage := ParseUsage(u)
		a.res.Usage = &usage
	}
	return d
}

func (a *chatAccumulator) Result() Result {
	return a.res
}

// responsesAccumulator dispatches on the event's type field. [DONE] is ignored;
// completion comes from response.completed or response.done.
type responsesAccumulator struct {
	res Result
}

func (a *responsesAccumulator) Apply(ev Event) Delta {
	if ev.Type != TypeData || !ev.HasParsed() {
		return Delta{}
	}

	var d Delta
	p := ev.Parsed
	t, _ := String(p, "type")
	switch t {
	case responsesOutputDelta:
		if s, _ := String(p, "delta"); s != "" {
			d.Output = s
		}
	case responsesReasoningDelta, responsesSummaryDelta:
		if s, _ := String(p, "delta"); s != "" {
			d.Reasoning = s
		}
	case responsesCompleted, responsesDone:
		if u := Object(p, "response", "usage"); u != nil {
			usage := ParseUsage(u)
			a.res.Usage = &usage
		}
		if s, ok := String(p, "response", "status"); ok && s != "" {
			a.res.FinishReason = s
		}
		a.res.Done = true
		d.Done = true
	default:
		if u := Object(p, "usage"); u != nil {
			usage := ParseUsage(u)
			a.res.Usage = &usage
		}
	}

	// Some gateways send chat-shaped deltas on the Responses endpoint.
	if s, ok := String(p, "delta", "content"); ok && s != "" {
		d.Output += s
	}

	a.res.Output += d.Output
	a.res.Reasoning += d.Reasoning
	return d
}

func (a *responsesAccumulator) Result() Result {
	return a.res
}
