// Package ddschema is the Datadog trace-agent v0.3 span schema shared by the
// owned and oteldd encoders.
package ddschema

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/lambdatrace/internal/encoding"
)

// Meta and metrics keys with a fixed meaning for the agent.
const (
	KeyEnv              = "env"
	KeyVersion          = "version"
	KeyUpperTraceID     = "_dd.p.tid"
	KeySamplingPriority = "_sampling_priority_v1"
	KeyTopLevel         = "_top_level"
	KeySpanKind         = "span.kind"
	KeyErrorMsg         = "error.msg"
	KeyEvents           = "events"
	KeyLanguage         = "language"
)

// ResourceAttribute is the span attribute that names the Datadog resource.
// It is consumed by the encoders and not repeated in meta.
const ResourceAttribute = "resource.name"

// Span types understood by the Datadog UI.
const (
	TypeWeb    = "web"
	TypeHTTP   = "http"
	TypeCustom = "custom"
)

// Span is one element of a v0.3 trace.
type Span struct {
	Name     string           `json:"name"`
	TraceID  uint64           `json:"trace_id"`
	SpanID   uint64           `json:"span_id"`
	ParentID uint64           `json:"parent_id,omitempty"`
	Start    int64            `json:"start"`
	Duration int64            `json:"duration"`
	Service  string           `json:"service"`
	Resource string           `json:"resource"`
	Error    int32            `json:"error"`
	Meta     Ordered[string]  `json:"meta"`
	Metrics  Ordered[float64] `json:"metrics"`
	Type     string           `json:"type,omitempty"`
}

// LowerTraceID returns the low 64 bits of id, the part the v0.3 schema
// carries in trace_id.
func LowerTraceID(id trace.TraceID) uint64 {
	return binary.BigEndian.Uint64(id[8:])
}

// UpperTraceID returns the high 64 bits of id.
func UpperTraceID(id trace.TraceID) uint64 {
	return binary.BigEndian.Uint64(id[:8])
}

// SpanIDValue returns id as an unsigned integer.
func SpanIDValue(id trace.SpanID) uint64 {
	return binary.BigEndian.Uint64(id[:])
}

// TypeForKind maps a span kind to a Datadog span type.
func TypeForKind(kind trace.SpanKind) string {
	switch kind {
	case trace.SpanKindServer:
		return TypeWeb
	case trace.SpanKindClient:
		return TypeHTTP
	default:
		return TypeCustom
	}
}

// KindName returns the span.kind meta value, or "" for an unspecified kind.
func KindName(kind trace.SpanKind) string {
	if kind == trace.SpanKindUnspecified {
		return ""
	}
	return kind.String()
}

// TagRoot attaches the trace-level tags to the root span.
func TagRoot(s *Span, tags encoding.Tags, id trace.TraceID, sampled bool) {
	if tags.Env != "" {
		s.Meta.Set(KeyEnv, tags.Env)
	}
	if tags.Version != "" {
		s.Meta.Set(KeyVersion, tags.Version)
	}
	if upper := UpperTraceID(id); upper != 0 {
		s.Meta.Set(KeyUpperTraceID, fmt.Sprintf("%016x", upper))
	}
	s.Meta.Set(KeyLanguage, "go")

	priority := 0.0
	if sampled {
		priority = 1
	}
	s.Metrics.Set(KeySamplingPriority, priority)
	s.Metrics.Set(KeyTopLevel, 1)
}

// Event is the JSON form of a span event stored under meta["events"].
type Event struct {
	Name         string        `json:"name"`
	TimeUnixNano int64         `json:"time_unix_nano"`
	Attributes   *Ordered[any] `json:"attributes,omitempty"`
}

// NewEvent builds an Event keeping attribute order.
func NewEvent(name string, unixNano int64, attrs []attribute.KeyValue) Event {
	e := Event{Name: name, TimeUnixNano: unixNano}
	if len(attrs) > 0 {
		m := &Ordered[any]{}
		for _, kv := range attrs {
			m.Set(string(kv.Key), eventValue(kv.Value))
		}
		e.Attributes = m
	}
	return e
}

// eventValue renders floats JSON cannot carry (NaN, ±Inf) as strings.
func eventValue(v attribute.Value) any {
	switch v.Type() {
	case attribute.FLOAT64:
		if f := v.AsFloat64(); !finite(f) {
			return strconv.FormatFloat(f, 'g', -1, 64)
		}
	case attribute.FLOAT64SLICE:
		fs := v.AsFloat64Slice()
		out := make([]any, len(fs))
		for i, f := range fs {
			if finite(f) {
				out[i] = f
			} else {
				out[i] = strconv.FormatFloat(f, 'g', -1, 64)
			}
		}
		return out
	}
	return v.AsInterface()
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// EventsJSON renders events as the meta["events"] value.
func EventsJSON(events []Event) (string, error) {
	b, err := json.Marshal(events)
	if err != nil {
		return "", fmt.Errorf("failed to marshal span events: %w", err)
	}
	return string(b), nil
}

// NewPayload marshals spans as a single v0.3 trace. An empty slice yields
// an empty trace list.
func NewPayload(spans []Span) (*encoding.Payload, error) {
	traces := [][]Span{}
	if len(spans) > 0 {
		traces = append(traces, spans)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(traces); err != nil {
		return nil, fmt.Errorf("failed to marshal v0.3 traces: %w", err)
	}

	// Remove trailing newline added by encoder
	body := buf.Bytes()
	if len(body) > 0 && body[len(body)-1] == '\n' {
		body = body[:len(body)-1]
	}

	return &encoding.Payload{
		Protocol:    encoding.ProtocolDatadogJSON,
		ContentType: encoding.ContentTypeJSON,
		Body:        body,
		SpanCount:   len(spans),
		TraceCount:  len(traces),
	}, nil
}
