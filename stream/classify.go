package stream

// Category groups events in the event viewer. It is derived on demand and
// never feeds output accumulation.
type Category string

const (
	CategoryReasoning Category = "reasoning"
	CategoryOutput    Category = "output"
	CategoryMetadata  Category = "metadata"
	CategoryOther     Category = "other"
)

// Responses event types carrying text.
const (
	responsesOutputDelta    = "response.output_text.delta"
	responsesReasoningDelta = "response.reasoning_text.delta"
	responsesSummaryDelta   = "response.reasoning_summary_text.delta"
	responsesCompleted      = "response.completed"
	responsesDone           = "response.done"
)

// Classify assigns a display category. Checks run in order and the first
// match wins.
func Classify(ev Event) Category {
	switch {
	case ev.Type == TypeDone:
		return CategoryMetadata
	case ev.Type == TypeError:
		return CategoryOther
	case !ev.HasParsed():
		return CategoryOther
	case hasUsage(ev.Parsed):
		return CategoryMetadata
	case isReasoning(ev.Parsed):
		return CategoryReasoning
	case isOutput(ev.Parsed):
		return CategoryOutput
	}
	return CategoryOther
}

func hasUsage(p []byte) bool {
	return Object(p, "usage") != nil || Object(p, "response", "usage") != nil
}

// isReasoning matches a reasoning_content key on the first choice delta, even
// an empty one, or a Responses reasoning delta event.
func isReasoning(p []byte) bool {
	if Has(p, "choices", "[0]", "delta", "reasoning_content") {
		return true
	}
	t, _ := String(p, "type")
	return t == responsesReasoningDelta || t == responsesSummaryDelta
}

func isOutput(p []byte) bool {
	if s, ok := String(p, "choices", "[0]", "delta", "content"); ok && s != "" {
		return true
	}
	if t, _ := String(p, "type"); t == responsesOutputDelta {
		s, _ := String(p, "delta")
		return s != ""
	}
	return false
}
