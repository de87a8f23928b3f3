package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/lambdatrace/internal/encoding"
	"github.com/vyrodovalexey/lambdatrace/internal/encoding/ddschema"
	"github.com/vyrodovalexey/lambdatrace/internal/observability/logging"
	"github.com/vyrodovalexey/lambdatrace/internal/propagation"
	"github.com/vyrodovalexey/lambdatrace/internal/span"
)

const (
	// DefaultFlushTimeout bounds Finish when the invocation has time left.
	DefaultFlushTimeout = 500 * time.Millisecond

	// DefaultCanceledFlushTimeout bounds Finish once the invocation
	// context is already done.
	DefaultCanceledFlushTimeout = 100 * time.Millisecond

	// RootSpanName names the server span of every invocation.
	RootSpanName = "lambda.request"

	// ClientSpanName names spans created by RoundTripper.
	ClientSpanName = "http.request"
)

// Attribute keys set on the root span besides the semconv ones.
const (
	AttrRequestID = "request_id"
	AttrOrigin    = "_dd.origin"
)

var (
	// ErrInvalidState is returned for a transition the state machine does
	// not allow.
	ErrInvalidState = errors.New("invalid pipeline state")

	// ErrNotConfigured is reported when the coordinator has no encoder or
	// no sender and a sampled trace cannot be exported.
	ErrNotConfigured = errors.New("pipeline has no encoder or sender")
)

// State is the lifecycle position of a Coordinator.
type State int

// States, in the only order they are entered.
const (
	StateIdle State = iota
	StateRecording
	StateFlushing
	StateDone
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateFlushing:
		return "flushing"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Sender hands payloads to the export path. *exporter.Exporter satisfies it.
type Sender interface {
	Dispatch(payload *encoding.Payload)
	Flush(timeout time.Duration) error
}

// Deps are the collaborators of one Coordinator. Propagator and Logger
// fall back to defaults when nil.
type Deps struct {
	Propagator      *propagation.Propagator
	Encoder         encoding.Strategy
	Sender          Sender
	Logger          *zap.Logger
	Metrics         *encoding.Metrics
	RecorderOptions []span.Option
}

// Inbound describes the request that started the invocation.
type Inbound struct {
	Headers   map[string]string
	RequestID string
	Method    string
	Path      string
	ColdStart bool
}

// Outcome is how the handler finished.
type Outcome struct {
	StatusCode int
	Err        error
}

// Report summarizes a Finish call. Err holds the pipeline failure, if any;
// it is informational and never a reason to fail the request.
type Report struct {
	TraceID     trace.TraceID
	Sampled     bool
	Spans       int
	Incomplete  int
	Stringified bool
	Exported    bool
	Err         error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithFlushTimeout sets the upper bound of the flush in Finish.
func WithFlushTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.flushTimeout = d
		}
	}
}

// WithCanceledFlushTimeout sets the flush bound used after the invocation
// context is done.
func WithCanceledFlushTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.canceledFlushTimeout = d
		}
	}
}

// Coordinator owns the span tree of a single invocation and drives it from
// the first span to the flushed payload. Build a new one per invocation.
type Coordinator struct {
	propagator *propagation.Propagator
	encoder    encoding.Strategy
	sender     Sender
	metrics    *encoding.Metrics
	recorder   *span.Recorder

	flushTimeout         time.Duration
	canceledFlushTimeout time.Duration

	mu     sync.Mutex
	logger *zap.Logger
	state  State
	root   *span.Handle
	trace  propagation.TraceContext
	report *Report
}

// New creates a Coordinator in the Idle state.
func New(deps Deps, opts ...Option) *Coordinator {
	c := &Coordinator{
		propagator:           deps.Propagator,
		encoder:              deps.Encoder,
		sender:               deps.Sender,
		metrics:              deps.Metrics,
		recorder:             span.NewRecorder(deps.RecorderOptions...),
		logger:               logging.OrNop(deps.Logger).With(logging.Component("pipeline")),
		flushTimeout:         DefaultFlushTimeout,
		canceledFlushTimeout: DefaultCanceledFlushTimeout,
	}
	if c.propagator == nil {
		c.propagator = propagation.New()
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.canceledFlushTimeout > c.flushTimeout {
		c.canceledFlushTimeout = c.flushTimeout
	}
	return c
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Begin continues the trace carried by the inbound headers, or starts a new
// one, and records the root server span. The returned context carries the
// root handle. Calling Begin outside Idle returns the existing root.
func (c *Coordinator) Begin(ctx context.Context, in Inbound) (context.Context, *span.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle {
		c.logger.Warn("begin called twice", zap.String(logging.FieldState, c.state.String()))
		return span.ContextWithHandle(ctx, c.root), c.root
	}

	tc, remote := c.propagator.Extract(in.Headers)
	opts := []span.StartOption{
		span.WithKind(trace.SpanKindServer),
		span.WithAttributes(rootAttributes(in, tc)...),
	}
	if remote {
		opts = append(opts, span.WithRemoteParent(tc.SpanContext()))
	} else {
		tc = c.propagator.NewTrace()
		opts = append(opts, span.WithTrace(tc.TraceID, tc.Sampled))
	}

	root, err := c.recorder.StartSpan(RootSpanName, opts...)
	if err != nil {
		c.logger.Warn("failed to start root span", zap.Error(err))
		return ctx, nil
	}
	c.enter(root, tc, in.RequestID)
	c.logger.Debug("trace started",
		zap.Bool("remote_parent", remote),
		zap.String("format", string(tc.Format)),
	)
	return span.ContextWithHandle(ctx, root), root
}

// enter records root as the invocation root and moves to Recording. The
// caller holds c.mu.
func (c *Coordinator) enter(root *span.Handle, tc propagation.TraceContext, requestID string) {
	sc := root.SpanContext()
	c.root = root
	c.trace = propagation.Child(tc, sc.SpanID())
	c.trace.Sampled = sc.IsSampled()
	c.state = StateRecording

	fields := logging.TraceFields(sc)
	if requestID != "" {
		fields = append(fields, logging.RequestID(requestID))
	}
	c.logger = c.logger.With(fields...)
}

func rootAttributes(in Inbound, tc propagation.TraceContext) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(ddschema.ResourceAttribute, resourceName(in)),
		semconv.FaaSTriggerHTTP,
		semconv.FaaSColdstart(in.ColdStart),
	}
	if in.RequestID != "" {
		attrs = append(attrs,
			attribute.String(AttrRequestID, in.RequestID),
			semconv.FaaSInvocationID(in.RequestID),
		)
	}
	if in.Method != "" {
		attrs = append(attrs, semconv.HTTPMethod(in.Method))
	}
	if in.Path != "" {
		attrs = append(attrs, semconv.HTTPTarget(in.Path))
	}
	if tc.Origin != "" {
		attrs = append(attrs, attribute.String(AttrOrigin, tc.Origin))
	}
	return attrs
}

func resourceName(in Inbound) string {
	switch {
	case in.Method != "" && in.Path != "":
		return in.Method + " " + in.Path
	case in.Path != "":
		return in.Path
	default:
		return RootSpanName
	}
}

// StartSpan records a child of the span carried by ctx, or of the root when
// ctx carries none. A span started while Idle becomes the root of a new
// trace. After Finish has begun the returned handle is nil, and every
// method on it is a no-op.
func (c *Coordinator) StartSpan(ctx context.Context, name string, opts ...span.StartOption) (context.Context, *span.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateFlushing, StateDone:
		c.logger.Debug("span started after finish, dropped",
			zap.String("span", name),
			zap.String(logging.FieldState, c.state.String()),
		)
		return ctx, nil
	case StateIdle:
		tc := c.propagator.NewTrace()
		opts = append([]span.StartOption{span.WithTrace(tc.TraceID, tc.Sampled)}, opts...)
		h, err := c.recorder.StartSpan(name, opts...)
		if err != nil {
			c.logger.Warn("failed to start span", zap.String("span", name), zap.Error(err))
			return ctx, nil
		}
		c.enter(h, tc, "")
		return span.ContextWithHandle(ctx, h), h
	}

	parent := span.HandleFromContext(ctx)
	if parent == nil {
		parent = c.root
	}
	opts = append([]span.StartOption{span.ChildOf(parent)}, opts...)
	h, err := c.recorder.StartSpan(name, opts...)
	if err != nil {
		c.logger.Warn("failed to start span", zap.String("span", name), zap.Error(err))
		return ctx, nil
	}
	return span.ContextWithHandle(ctx, h), h
}

// Inject returns a copy of headers carrying the context of the span in ctx,
// or of the root span. Headers are returned unchanged before Begin.
func (c *Coordinator) Inject(ctx context.Context, headers map[string]string) map[string]string {
	c.mu.Lock()
	tc := c.trace
	root := c.root
	c.mu.Unlock()

	h := span.HandleFromContext(ctx)
	if h == nil {
		h = root
	}
	if sc := h.SpanContext(); sc.IsValid() && sc.TraceID() == tc.TraceID {
		tc = propagation.Child(tc, sc.SpanID())
	}
	return c.propagator.Inject(tc, headers)
}

// Finish ends the root span with the outcome, snapshots the tree (closing
// open spans as incomplete), encodes it and flushes it within the flush
// bound. Pipeline failures are logged and returned in the Report only.
// Later calls return the first Report.
func (c *Coordinator) Finish(ctx context.Context, out Outcome) Report {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
		c.state = StateDone
		c.report = &Report{}
		c.mu.Unlock()
		return Report{}
	case StateFlushing:
		c.mu.Unlock()
		return Report{Err: fmt.Errorf("%w: finish while %s", ErrInvalidState, StateFlushing)}
	case StateDone:
		report := *c.report
		c.mu.Unlock()
		return report
	}
	c.state = StateFlushing
	root := c.root
	logger := c.logger
	c.mu.Unlock()

	endRoot(root, out)
	tree := c.recorder.Snapshot()

	report := Report{
		TraceID: tree.TraceID,
		Sampled: tree.Sampled,
		Spans:   tree.Len(),
	}
	for _, s := range tree.Spans {
		if s.Status.Code == span.StatusIncomplete {
			report.Incomplete++
		}
	}
	if report.Incomplete > 0 {
		logger.Warn("spans still open at flush", zap.Int("incomplete", report.Incomplete))
	}

	report.Err = c.export(ctx, tree, &report, logger)

	c.mu.Lock()
	c.state = StateDone
	c.report = &report
	c.mu.Unlock()
	return report
}

func endRoot(root *span.Handle, out Outcome) {
	if root.Finished() {
		return
	}
	if out.StatusCode > 0 {
		root.SetAttributes(semconv.HTTPStatusCode(out.StatusCode))
	}
	switch {
	case out.Err != nil:
		_ = root.End(span.Error(out.Err.Error()))
	case out.StatusCode >= http.StatusInternalServerError:
		_ = root.End(span.Error(http.StatusText(out.StatusCode)))
	default:
		_ = root.End(span.OK())
	}
}

func (c *Coordinator) export(ctx context.Context, tree *span.Tree, report *Report, logger *zap.Logger) error {
	if tree.Len() == 0 || !tree.Sampled {
		logger.Debug("trace not exported", zap.Bool("sampled", tree.Sampled), zap.Int(logging.FieldSpans, tree.Len()))
		return nil
	}
	if c.encoder == nil || c.sender == nil {
		logger.Warn("trace dropped", zap.Error(ErrNotConfigured))
		return ErrNotConfigured
	}

	payload, err := c.encode(tree, report, logger)
	if err != nil {
		logger.Warn("failed to encode trace", zap.Error(err))
		return err
	}

	budget := c.flushBudget(ctx)
	start := time.Now()
	c.sender.Dispatch(payload)
	if err := c.sender.Flush(budget); err != nil {
		logger.Warn("failed to flush trace",
			zap.Error(err),
			zap.Duration("budget", budget),
			zap.Int(logging.FieldSpans, payload.SpanCount),
		)
		return err
	}

	report.Exported = true
	logger.Debug("trace flushed",
		zap.Int(logging.FieldSpans, payload.SpanCount),
		zap.Int(logging.FieldBytes, len(payload.Body)),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

func (c *Coordinator) encode(tree *span.Tree, report *Report, logger *zap.Logger) (*encoding.Payload, error) {
	variant := c.encoder.Variant()

	payload, err := c.encoder.Encode(tree)
	if errors.Is(err, encoding.ErrUnsupportedFieldType) {
		logger.Warn("stringifying unsupported attributes",
			zap.String(logging.FieldVariant, string(variant)),
			zap.Error(err),
		)
		c.metrics.RecordStringified(variant)
		report.Stringified = true
		payload, err = c.encoder.Encode(encoding.Stringify(tree, c.encoder))
	}
	if err != nil {
		c.metrics.RecordEncode(variant, "error", 0)
		return nil, fmt.Errorf("encode %s trace: %w", variant, err)
	}
	c.metrics.RecordEncode(variant, "success", payload.SpanCount)
	return payload, nil
}

// flushBudget is the flush bound for ctx: the configured timeout, shortened
// to the invocation deadline, and the short canceled timeout once ctx is
// done or nearly so.
func (c *Coordinator) flushBudget(ctx context.Context) time.Duration {
	if ctx.Err() != nil {
		return c.canceledFlushTimeout
	}
	budget := c.flushTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < budget {
			budget = remaining
		}
	}
	if budget < c.canceledFlushTimeout {
		budget = c.canceledFlushTimeout
	}
	return budget
}
