package span

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Handle refers to one span of a Recorder. A nil Handle is valid and every
// method on it is a no-op, so instrumented code never has to nil-check.
type Handle struct {
	rec *Recorder
	idx int
}

// SpanContext returns the identity of the span for propagation.
func (h *Handle) SpanContext() trace.SpanContext {
	if h == nil {
		return trace.SpanContext{}
	}
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()

	s := h.rec.records[h.idx].span
	var flags trace.TraceFlags
	if h.rec.sampled {
		flags = trace.FlagsSampled
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    s.TraceID,
		SpanID:     s.SpanID,
		TraceFlags: flags,
	})
}

// Name returns the span name.
func (h *Handle) Name() string {
	if h == nil {
		return ""
	}
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	return h.rec.records[h.idx].span.Name
}

// Finished reports whether the span has been finalized.
func (h *Handle) Finished() bool {
	if h == nil {
		return true
	}
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	return h.rec.records[h.idx].finished
}

// SetAttributes appends attributes in call order. Ignored once finished.
func (h *Handle) SetAttributes(kv ...attribute.KeyValue) {
	if h == nil || len(kv) == 0 {
		return
	}
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()

	rec := &h.rec.records[h.idx]
	if rec.finished {
		return
	}
	rec.span.Attributes = append(rec.span.Attributes, kv...)
}

type eventConfig struct {
	timestamp time.Time
	attrs     []attribute.KeyValue
}

// EventOption configures an event.
type EventOption func(*eventConfig)

// WithTimestamp sets the event time. The recorder clock is used otherwise.
func WithTimestamp(t time.Time) EventOption {
	return func(c *eventConfig) {
		c.timestamp = t
	}
}

// WithEventAttributes attaches attributes to an event.
func WithEventAttributes(kv ...attribute.KeyValue) EventOption {
	return func(c *eventConfig) {
		c.attrs = append(c.attrs, kv...)
	}
}

// AddEvent appends an event. Ignored once finished.
func (h *Handle) AddEvent(name string, opts ...EventOption) {
	if h == nil {
		return
	}
	var cfg eventConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()

	rec := &h.rec.records[h.idx]
	if rec.finished {
		return
	}
	if cfg.timestamp.IsZero() {
		cfg.timestamp = h.rec.now()
	}
	rec.span.Events = append(rec.span.Events, Event{
		Name:       name,
		Time:       cfg.timestamp,
		Attributes: cfg.attrs,
	})
}

// End finalizes the span. A second call returns ErrDoubleFinish and leaves
// the first finalization untouched.
func (h *Handle) End(status Status) error {
	if h == nil {
		return nil
	}
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()

	rec := &h.rec.records[h.idx]
	if rec.finished {
		return fmt.Errorf("%w: %q", ErrDoubleFinish, rec.span.Name)
	}
	rec.span.End = clampEnd(rec.span.Start, h.rec.now())
	rec.span.Status = status
	rec.finished = true
	return nil
}

// EndWithError finalizes the span with an error status when err is non-nil
// and an OK status otherwise.
func (h *Handle) EndWithError(err error) error {
	if err != nil {
		return h.End(Error(err.Error()))
	}
	return h.End(OK())
}

type handleKey struct{}

// ContextWithHandle returns a context carrying h as the active span.
func ContextWithHandle(ctx context.Context, h *Handle) context.Context {
	return context.WithValue(ctx, handleKey{}, h)
}

// HandleFromContext returns the active span, or nil.
func HandleFromContext(ctx context.Context) *Handle {
	h, _ := ctx.Value(handleKey{}).(*Handle)
	return h
}
