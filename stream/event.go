// Package stream decodes server-sent event streams from completion endpoints
// into events, classifies them for display, and accumulates output text,
// reasoning text and usage per endpoint mode.
package stream

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType is the line-level kind of a decoded event.
type EventType string

const (
	TypeData  EventType = "data"
	TypeError EventType = "error"
	TypeDone  EventType = "done"
	TypeOther EventType = "other"
)

const (
	dataPrefix  = "data: "
	doneMarker  = "[DONE]"
	errorPrefix = "error:"
)

// Event is one decoded non-blank line. Parsed holds the payload when it is
// valid JSON of any kind; it is unset only when parsing fails.
type Event struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Type      EventType       `json:"type"`
	Raw       string          `json:"raw"`
	Parsed    json.RawMessage `json:"parsed,omitempty"`
}

// HasParsed reports whether the payload parsed as JSON.
func (e Event) HasParsed() bool {
	return len(e.Parsed) > 0
}

// ParseLine decodes a single line. It returns false for blank lines.
func ParseLine(line string) (Event, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Event{}, false
	}

	ev := Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Type:      TypeOther,
		Raw:       trimmed,
	}

	switch {
	case strings.HasPrefix(trimmed, dataPrefix):
		data := trimmed[len(dataPrefix):]
		ev.Type = TypeData
		if data == doneMarker {
			ev.Type = TypeDone
			break
		}
		ev.Parsed = parseJSON(data)
	case strings.HasPrefix(trimmed, errorPrefix) || strings.Contains(trimmed, `"error"`):
		ev.Type = TypeError
		ev.Parsed = parseJSON(trimmed)
		if ev.Parsed == nil && strings.HasPrefix(trimmed, errorPrefix) {
			ev.Parsed = parseJSON(strings.TrimSpace(trimmed[len(errorPrefix):]))
		}
	}
	return ev, true
}

// parseJSON returns s as raw JSON when it is well-formed.
func parseJSON(s string) json.RawMessage {
	b := []byte(s)
	if len(bytes.TrimSpace(b)) == 0 || !json.Valid(b) {
		return nil
	}
	return json.RawMessage(b)
}
