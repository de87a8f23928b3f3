package span

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrContextMismatch is returned when a parent context belongs to a
	// different trace than the one already recorded.
	ErrContextMismatch = errors.New("parent context belongs to a different trace")

	// ErrDoubleFinish is returned when a span is finished twice.
	ErrDoubleFinish = errors.New("span already finished")
)

// IDGenerator creates trace and span identifiers.
type IDGenerator interface {
	NewTraceID() trace.TraceID
	NewSpanID() trace.SpanID
}

type randomIDGenerator struct{}

// RandomIDs returns an IDGenerator backed by math/rand/v2.
func RandomIDs() IDGenerator {
	return randomIDGenerator{}
}

// NewTraceID implements IDGenerator.
func (randomIDGenerator) NewTraceID() trace.TraceID {
	var id trace.TraceID
	for !id.IsValid() {
		//nolint:gosec // G404: trace ids are not security-sensitive
		binary.BigEndian.PutUint64(id[:8], rand.Uint64())
		//nolint:gosec // G404: trace ids are not security-sensitive
		binary.BigEndian.PutUint64(id[8:], rand.Uint64())
	}
	return id
}

// NewSpanID implements IDGenerator.
func (randomIDGenerator) NewSpanID() trace.SpanID {
	var id trace.SpanID
	for !id.IsValid() {
		//nolint:gosec // G404: span ids are not security-sensitive
		binary.BigEndian.PutUint64(id[:], rand.Uint64())
	}
	return id
}

type record struct {
	span     Span
	finished bool
}

// Recorder captures the spans of a single invocation. Spans are kept in an
// arena and reference their local parent by index.
type Recorder struct {
	mu       sync.Mutex
	ids      IDGenerator
	now      func() time.Time
	traceID  trace.TraceID
	sampled  bool
	hasTrace bool
	records  []record
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithIDGenerator sets the identifier source.
func WithIDGenerator(g IDGenerator) Option {
	return func(r *Recorder) {
		if g != nil {
			r.ids = g
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRecorder creates an empty recorder.
func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{
		ids: RandomIDs(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type startConfig struct {
	remote    trace.SpanContext
	parent    *Handle
	traceID   trace.TraceID
	sampled   bool
	hasTrace  bool
	kind      trace.SpanKind
	attrs     []attribute.KeyValue
	startTime time.Time
}

// StartOption configures a span at creation.
type StartOption func(*startConfig)

// WithRemoteParent makes the span a child of a context received from
// another process. The remote sampling flag is adopted for a new trace.
func WithRemoteParent(sc trace.SpanContext) StartOption {
	return func(c *startConfig) {
		c.remote = sc
	}
}

// ChildOf makes the span a child of a span of the same recorder.
func ChildOf(h *Handle) StartOption {
	return func(c *startConfig) {
		c.parent = h
	}
}

// WithTrace starts a root span in the given trace. It has no effect once
// the recorder already holds a trace.
func WithTrace(id trace.TraceID, sampled bool) StartOption {
	return func(c *startConfig) {
		c.traceID = id
		c.sampled = sampled
		c.hasTrace = true
	}
}

// WithKind sets the span kind.
func WithKind(kind trace.SpanKind) StartOption {
	return func(c *startConfig) {
		c.kind = kind
	}
}

// WithAttributes sets the initial attributes.
func WithAttributes(attrs ...attribute.KeyValue) StartOption {
	return func(c *startConfig) {
		c.attrs = append(c.attrs, attrs...)
	}
}

// WithStartTime overrides the start timestamp.
func WithStartTime(t time.Time) StartOption {
	return func(c *startConfig) {
		c.startTime = t
	}
}

// StartSpan creates a new open span.
func (r *Recorder) StartSpan(name string, opts ...StartOption) (*Handle, error) {
	cfg := startConfig{kind: trace.SpanKindInternal}
	for _, opt := range opts {
		opt(&cfg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s := Span{
		Name:        name,
		Kind:        cfg.kind,
		ParentIndex: -1,
		Attributes:  cfg.attrs,
	}
	sampled := true

	switch {
	case cfg.parent != nil:
		if cfg.parent.rec != r || cfg.parent.idx >= len(r.records) {
			return nil, fmt.Errorf("%w: parent span is owned by another recorder", ErrContextMismatch)
		}
		parent := r.records[cfg.parent.idx].span
		s.TraceID = parent.TraceID
		s.ParentSpanID = parent.SpanID
		s.ParentIndex = cfg.parent.idx
	case cfg.remote.IsValid():
		s.TraceID = cfg.remote.TraceID()
		s.ParentSpanID = cfg.remote.SpanID()
		s.RemoteParent = true
		sampled = cfg.remote.IsSampled()
	case r.hasTrace:
		s.TraceID = r.traceID
	case cfg.hasTrace && cfg.traceID.IsValid():
		s.TraceID = cfg.traceID
		sampled = cfg.sampled
	default:
		s.TraceID = r.ids.NewTraceID()
	}

	if r.hasTrace && s.TraceID != r.traceID {
		return nil, fmt.Errorf("%w: got %s, recording %s", ErrContextMismatch, s.TraceID, r.traceID)
	}
	if !r.hasTrace {
		r.traceID = s.TraceID
		r.sampled = sampled
		r.hasTrace = true
	}

	s.SpanID = r.ids.NewSpanID()
	s.Start = cfg.startTime
	if s.Start.IsZero() {
		s.Start = r.now()
	}

	r.records = append(r.records, record{span: s})
	return &Handle{rec: r, idx: len(r.records) - 1}, nil
}

// Snapshot returns every span of the trace. Spans still open are closed
// with StatusIncomplete first, so later End calls on them fail.
func (r *Recorder) Snapshot() *Tree {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	tree := &Tree{
		TraceID: r.traceID,
		Sampled: r.sampled,
		Spans:   make([]Span, 0, len(r.records)),
	}
	for i := range r.records {
		rec := &r.records[i]
		if !rec.finished {
			rec.span.End = clampEnd(rec.span.Start, now)
			rec.span.Status = Status{Code: StatusIncomplete, Message: "span still open at flush"}
			rec.finished = true
		}
		tree.Spans = append(tree.Spans, rec.span.clone())
	}
	return tree
}

func clampEnd(start, end time.Time) time.Time {
	if end.Before(start) {
		return start
	}
	return end
}
