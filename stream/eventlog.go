package stream

import (
	"sync"

	"github.com/eapache/queue/v2"
)

// DefaultMaxEvents bounds an EventLog created with a non-positive limit.
const DefaultMaxEvents = 10000

// Stats counts a log's events by display category.
type Stats struct {
	Total     int `json:"total"`
	Reasoning int `json:"reasoning"`
	Output    int `json:"output"`
	Metadata  int `json:"metadata"`
	Error     int `json:"error"`
}

// EventLog is the append-only log of one run's events. Once full, the oldest
// event is dropped for each new one. It is safe for concurrent use so that
// readers can watch a run in flight.
type EventLog struct {
	mu      sync.RWMutex
	events  *queue.Queue[Event]
	max     int
	dropped int
}

// NewEventLog returns an empty log holding at most max events.
func NewEventLog(max int) *EventLog {
	if max <= 0 {
		max = DefaultMaxEvents
	}
	return &EventLog{events: queue.New[Event](), max: max}
}

// Add appends ev.
func (l *EventLog) Add(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events.Add(ev)
	for l.events.Length() > l.max {
		l.events.Remove()
		l.dropped++
	}
}

// Len returns the number of retained events.
func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.events.Length()
}

// Dropped returns how many events were evicted.
func (l *EventLog) Dropped() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dropped
}

// Events returns a copy of the retained events, oldest first.
func (l *EventLog) Events() []Event {
	return l.Filter(func(Event) bool { return true })
}

// Since returns the events after the first n retained ones.
func (l *EventLog) Since(n int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Event
	for i := n; i < l.events.Length(); i++ {
		out = append(out, l.events.Get(i))
	}
	return out
}

// Filter returns the retained events matching keep, oldest first.
func (l *EventLog) Filter(keep func(Event) bool) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, 0, l.events.Length())
	for i := 0; i < l.events.Length(); i++ {
		if ev := l.events.Get(i); keep(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// ByCategory returns the events of one display category.
func (l *EventLog) ByCategory(c Category) []Event {
	return l.Filter(func(ev Event) bool { return Classify(ev) == c })
}

// Stats counts the retained events.
func (l *EventLog) Stats() Stats {
	var s Stats
	for _, ev := range l.Events() {
		s.Total++
		if ev.Type == TypeError {
			s.Error++
		}
		switch Classify(ev) {
		case CategoryReasoning:
			s.Reasoning++
		case CategoryOutput:
			s.Output++
		case CategoryMetadata:
			s.Metadata++
		}
	}
	return s
}

// Reset empties the log.
func (l *EventLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = queue.New[Event]()
	l.dropped = 0
}
