// Package span records the spans produced while one invocation is handled.
package span

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StatusCode is the final state of a span.
type StatusCode int

const (
	// StatusUnset means the instrumented code did not report an outcome.
	StatusUnset StatusCode = iota
	// StatusOK marks a successful unit of work.
	StatusOK
	// StatusError marks a failed unit of work.
	StatusError
	// StatusIncomplete marks a span that was still open when the tree was
	// snapshotted and had to be closed by the recorder.
	StatusIncomplete
)

// String returns the lowercase name of the status code.
func (c StatusCode) String() string {
	switch c {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	case StatusIncomplete:
		return "incomplete"
	default:
		return "unset"
	}
}

// Status is a status code with an optional message.
type Status struct {
	Code    StatusCode
	Message string
}

// OK returns a successful status.
func OK() Status {
	return Status{Code: StatusOK}
}

// Error returns an error status carrying msg.
func Error(msg string) Status {
	return Status{Code: StatusError, Message: msg}
}

// Event is a timestamped annotation on a span.
type Event struct {
	Name       string
	Time       time.Time
	Attributes []attribute.KeyValue
}

// Span is a timed unit of work. Values returned by the recorder are copies
// and can be serialized independently of it.
type Span struct {
	TraceID      trace.TraceID
	SpanID       trace.SpanID
	ParentSpanID trace.SpanID

	// ParentIndex is the position of the local parent in the owning tree,
	// or -1 when the parent is remote or absent.
	ParentIndex  int
	RemoteParent bool

	Name       string
	Kind       trace.SpanKind
	Start      time.Time
	End        time.Time
	Status     Status
	Attributes []attribute.KeyValue
	Events     []Event
}

// HasParent reports whether the span has a local or remote parent.
func (s Span) HasParent() bool {
	return s.ParentSpanID.IsValid()
}

// Duration returns the elapsed time between start and end.
// The monotonic clock reading is used when both timestamps carry one.
func (s Span) Duration() time.Duration {
	if s.End.IsZero() {
		return 0
	}
	d := s.End.Sub(s.Start)
	if d < 0 {
		return 0
	}
	return d
}

// Attribute returns the value recorded for key.
func (s Span) Attribute(key attribute.Key) (attribute.Value, bool) {
	for _, kv := range s.Attributes {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func (s Span) clone() Span {
	c := s
	if s.Attributes != nil {
		c.Attributes = append([]attribute.KeyValue(nil), s.Attributes...)
	}
	if s.Events != nil {
		c.Events = make([]Event, len(s.Events))
		for i, e := range s.Events {
			c.Events[i] = e
			if e.Attributes != nil {
				c.Events[i].Attributes = append([]attribute.KeyValue(nil), e.Attributes...)
			}
		}
	}
	return c
}
