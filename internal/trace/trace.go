// Package trace holds the ordered record of progress events observed for
// a single run. Events are recorded in arrival order; the log is append
// only and is cleared wholesale when a new run starts.
package trace

import (
	"sync"
	"time"
)

type EventType string

// One type per named stream signal. EventTransportError is synthesized
// client-side when the stream channel itself breaks; everything else
// originates from the service.
const (
	EventReady          EventType = "ready"
	EventStart          EventType = "start"
	EventLog            EventType = "log"
	EventServerError    EventType = "error"
	EventSummary        EventType = "summary"
	EventDone           EventType = "done"
	EventTransportError EventType = "transport_error"
)

// Event is a single progress signal. Fields beyond Type and Time are
// populated per type: Task for start, Level/Message for log and the error
// kinds, Status/NodeHistory/HasOutput/previews for done and summary. Time
// is the arrival timestamp assigned by the consumer, never taken from the
// wire.
type Event struct {
	Type              EventType `json:"type"`
	Time              time.Time `json:"time"`
	Task              string    `json:"task,omitempty"`
	Level             string    `json:"level,omitempty"`
	Message           string    `json:"message,omitempty"`
	Status            string    `json:"status,omitempty"`
	NodeHistory       []string  `json:"node_history,omitempty"`
	HasOutput         bool      `json:"has_output,omitempty"`
	OutputPreview     string    `json:"output_preview,omitempty"`
	TranscriptPreview string    `json:"transcript_preview,omitempty"`
}

// Terminal reports whether this event ends the stream phase of a run.
func (e Event) Terminal() bool {
	return e.Type == EventDone
}

// Log accumulates events for one run. Safe for concurrent appends and
// snapshots; presentation layers consume it read-only via Snapshot.
type Log struct {
	mu     sync.RWMutex
	events []Event
}

func NewLog() *Log {
	return &Log{}
}

func (l *Log) Append(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

// Snapshot returns a copy of the events in arrival order. The returned
// slice is owned by the caller.
func (l *Log) Snapshot() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}
