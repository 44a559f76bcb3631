// Package tracer implements span lifecycle tracking, sampling, and W3C
// trace-context propagation.
//
// Design Notes:
//   - Active spans live in a map keyed by spanId until ended; completed
//     spans move into a bounded FIFO ring (capacity ~10000) and are
//     evicted oldest-first once full.
//   - Trace and span IDs are random bytes (math/rand) held in
//     go.opentelemetry.io/otel/trace's TraceID/SpanID types, and W3C
//     traceparent parsing and rendering are delegated to its propagation
//     package rather than hand-rolled, since that package's
//     SpanContext/propagator already implements the wire format.
package tracer

import "time"

// Status is the terminal outcome recorded on a span.
type Status int

const (
	StatusUnset Status = iota
	StatusOK
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	default:
		return "unset"
	}
}

// Event is a timestamped annotation attached to a span.
type Event struct {
	Name       string
	Timestamp  time.Time
	Attributes map[string]any
}

// Span represents one unit of traced work.
type Span struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	Name         string
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Status       Status
	Attributes   map[string]any
	Events       []Event

	ended bool
}

// Ended reports whether End has already been called on this span.
func (s *Span) Ended() bool { return s.ended }

// SetAttribute attaches or overwrites an attribute. Safe to call only
// before the span has ended; callers synchronize via the owning Tracer.
func (s *Span) SetAttribute(key string, value any) {
	if s.Attributes == nil {
		s.Attributes = make(map[string]any)
	}
	s.Attributes[key] = value
}

// AddEvent appends a timestamped event to the span.
func (s *Span) AddEvent(name string, attrs map[string]any) {
	s.Events = append(s.Events, Event{Name: name, Timestamp: time.Now(), Attributes: attrs})
}
