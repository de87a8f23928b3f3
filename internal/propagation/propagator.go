// Package propagation extracts and injects trace context across the
// inbound request boundary and outbound calls.
//
// Three header formats are understood on extraction, in priority order:
// W3C Trace Context, Datadog and B3. Injection always writes W3C and
// Datadog headers so that both OpenTelemetry and Datadog instrumented
// downstream services join the trace.
package propagation

import (
	"context"
	"encoding/binary"
	"sort"
	"strconv"
	"strings"

	"go.opentelemetry.io/contrib/propagators/b3"
	"go.opentelemetry.io/otel/baggage"
	otelprop "go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/lambdatrace/internal/span"
)

// Header names. Lookups are case-insensitive.
const (
	HeaderTraceparent             = "traceparent"
	HeaderTracestate              = "tracestate"
	HeaderBaggage                 = "baggage"
	HeaderDatadogTraceID          = "x-datadog-trace-id"
	HeaderDatadogParentID         = "x-datadog-parent-id"
	HeaderDatadogSamplingPriority = "x-datadog-sampling-priority"
	HeaderDatadogTags             = "x-datadog-tags"
	HeaderDatadogOrigin           = "x-datadog-origin"
	HeaderB3Single                = "b3"
	HeaderB3TraceID               = "x-b3-traceid"
	HeaderB3SpanID                = "x-b3-spanid"
	HeaderB3ParentSpanID          = "x-b3-parentspanid"
	HeaderB3Sampled               = "x-b3-sampled"
	HeaderB3Flags                 = "x-b3-flags"
)

// TagUpperTraceID carries the upper 64 bits of a 128-bit trace id in
// x-datadog-tags, as 16 lowercase hex characters.
const TagUpperTraceID = "_dd.p.tid"

// Format identifies the header format a context was read from.
type Format string

// Formats.
const (
	FormatNone    Format = "none"
	FormatW3C     Format = "w3c"
	FormatDatadog Format = "datadog"
	FormatB3      Format = "b3"
)

// Member is one baggage entry.
type Member struct {
	Key   string
	Value string
}

// TraceContext is the minimal state needed to continue a trace.
type TraceContext struct {
	TraceID trace.TraceID
	SpanID  trace.SpanID
	Sampled bool
	Origin  string
	Baggage []Member
	Format  Format
}

// IsValid reports whether both identifiers are set.
func (tc TraceContext) IsValid() bool {
	return tc.TraceID.IsValid() && tc.SpanID.IsValid()
}

// SpanContext converts tc into a remote OpenTelemetry span context.
func (tc TraceContext) SpanContext() trace.SpanContext {
	var flags trace.TraceFlags
	if tc.Sampled {
		flags = trace.FlagsSampled
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tc.TraceID,
		SpanID:     tc.SpanID,
		TraceFlags: flags,
		Remote:     true,
	})
}

// Child returns a copy of tc that names spanID as the current span.
func Child(tc TraceContext, spanID trace.SpanID) TraceContext {
	out := tc
	out.SpanID = spanID
	if tc.Baggage != nil {
		out.Baggage = append([]Member(nil), tc.Baggage...)
	}
	return out
}

// Propagator reads and writes propagation headers. It is safe for
// concurrent use.
type Propagator struct {
	sampler sdktrace.Sampler
	rate    float64
	ids     span.IDGenerator
	w3c     otelprop.TraceContext
	b3      otelprop.TextMapPropagator
}

// Option configures a Propagator.
type Option func(*Propagator)

// WithSampleRate sets the fraction of new traces that are sampled.
// Values outside [0, 1] are clamped.
func WithSampleRate(rate float64) Option {
	return func(p *Propagator) {
		switch {
		case rate < 0:
			rate = 0
		case rate > 1:
			rate = 1
		}
		p.rate = rate
	}
}

// New creates a Propagator. The default sample rate is 1.
func New(opts ...Option) *Propagator {
	p := &Propagator{
		rate: 1,
		ids:  span.RandomIDs(),
		b3:   b3.New(b3.WithInjectEncoding(b3.B3MultipleHeader | b3.B3SingleHeader)),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.sampler = sdktrace.TraceIDRatioBased(p.rate)
	return p
}

// SampleRate returns the configured rate.
func (p *Propagator) SampleRate() float64 {
	return p.rate
}

// Decide returns the sampling decision for a trace id. The decision only
// depends on the id and the rate, so every process of a distributed trace
// that lacks an explicit flag reaches the same result.
func (p *Propagator) Decide(id trace.TraceID) bool {
	res := p.sampler.ShouldSample(sdktrace.SamplingParameters{TraceID: id})
	return res.Decision == sdktrace.RecordAndSample
}

// NewTrace starts a trace without a remote parent. The span id is left
// empty; it is assigned when the root span is recorded.
func (p *Propagator) NewTrace() TraceContext {
	id := p.ids.NewTraceID()
	return TraceContext{
		TraceID: id,
		Sampled: p.Decide(id),
		Format:  FormatNone,
	}
}

// Extract reads a trace context from request headers. It returns false when
// no recognized format is present or the present one is malformed.
func (p *Propagator) Extract(headers map[string]string) (TraceContext, bool) {
	if len(headers) == 0 {
		return TraceContext{}, false
	}
	h := lowerKeys(headers)

	tc, ok := p.extractW3C(h)
	if !ok {
		tc, ok = p.extractDatadog(h)
	}
	if !ok {
		tc, ok = p.extractB3(h)
	}
	if !ok {
		return TraceContext{}, false
	}

	tc.Origin = strings.TrimSpace(h[HeaderDatadogOrigin])
	tc.Baggage = parseBaggage(h[HeaderBaggage])
	return tc, true
}

func (p *Propagator) extractW3C(h map[string]string) (TraceContext, bool) {
	if h[HeaderTraceparent] == "" {
		return TraceContext{}, false
	}
	ctx := p.w3c.Extract(context.Background(), otelprop.MapCarrier(h))
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return TraceContext{}, false
	}
	return TraceContext{
		TraceID: sc.TraceID(),
		SpanID:  sc.SpanID(),
		Sampled: sc.IsSampled(),
		Format:  FormatW3C,
	}, true
}

func (p *Propagator) extractDatadog(h map[string]string) (TraceContext, bool) {
	rawTrace, rawParent := h[HeaderDatadogTraceID], h[HeaderDatadogParentID]
	if rawTrace == "" || rawParent == "" {
		return TraceContext{}, false
	}
	lower, err := strconv.ParseUint(strings.TrimSpace(rawTrace), 10, 64)
	if err != nil || lower == 0 {
		return TraceContext{}, false
	}
	parent, err := strconv.ParseUint(strings.TrimSpace(rawParent), 10, 64)
	if err != nil || parent == 0 {
		return TraceContext{}, false
	}

	var tc TraceContext
	tc.Format = FormatDatadog
	binary.BigEndian.PutUint64(tc.TraceID[8:], lower)
	if upper, ok := upperFromTags(h[HeaderDatadogTags]); ok {
		binary.BigEndian.PutUint64(tc.TraceID[:8], upper)
	}
	binary.BigEndian.PutUint64(tc.SpanID[:], parent)

	if prio, err := strconv.Atoi(strings.TrimSpace(h[HeaderDatadogSamplingPriority])); err == nil {
		tc.Sampled = prio > 0
	} else {
		tc.Sampled = p.Decide(tc.TraceID)
	}
	return tc, true
}

func (p *Propagator) extractB3(h map[string]string) (TraceContext, bool) {
	ctx := p.b3.Extract(context.Background(), otelprop.MapCarrier(h))
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return TraceContext{}, false
	}
	tc := TraceContext{
		TraceID: sc.TraceID(),
		SpanID:  sc.SpanID(),
		Sampled: sc.IsSampled(),
		Format:  FormatB3,
	}
	if !b3HasSamplingState(h) {
		tc.Sampled = p.Decide(tc.TraceID)
	}
	return tc, true
}

// Inject returns a copy of headers with the propagation headers for tc set.
// Existing propagation headers of every known format are dropped regardless
// of their case, so
// injecting the same context twice yields the same map. An invalid context
// leaves the copy unchanged.
func (p *Propagator) Inject(tc TraceContext, headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers)+6)
	for k, v := range headers {
		if tc.IsValid() && IsHeader(k) {
			continue
		}
		out[k] = v
	}
	if !tc.IsValid() {
		return out
	}

	ctx := trace.ContextWithSpanContext(context.Background(), tc.SpanContext())
	p.w3c.Inject(ctx, otelprop.MapCarrier(out))

	out[HeaderDatadogTraceID] = strconv.FormatUint(binary.BigEndian.Uint64(tc.TraceID[8:]), 10)
	out[HeaderDatadogParentID] = strconv.FormatUint(binary.BigEndian.Uint64(tc.SpanID[:]), 10)
	if tc.Sampled {
		out[HeaderDatadogSamplingPriority] = "1"
	} else {
		out[HeaderDatadogSamplingPriority] = "0"
	}
	if upper := binary.BigEndian.Uint64(tc.TraceID[:8]); upper != 0 {
		out[HeaderDatadogTags] = TagUpperTraceID + "=" + hex16(upper)
	}
	if tc.Origin != "" {
		out[HeaderDatadogOrigin] = tc.Origin
	}
	if b := formatBaggage(tc.Baggage); b != "" {
		out[HeaderBaggage] = b
	}
	return out
}

// IsHeader reports whether key is a propagation header of any known format.
func IsHeader(key string) bool {
	switch strings.ToLower(key) {
	case HeaderTraceparent, HeaderTracestate, HeaderBaggage,
		HeaderDatadogTraceID, HeaderDatadogParentID, HeaderDatadogSamplingPriority,
		HeaderDatadogTags, HeaderDatadogOrigin,
		HeaderB3Single, HeaderB3TraceID, HeaderB3SpanID, HeaderB3ParentSpanID,
		HeaderB3Sampled, HeaderB3Flags:
		return true
	}
	return false
}

func lowerKeys(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[strings.ToLower(k)] = v
	}
	return out
}

func upperFromTags(tags string) (uint64, bool) {
	for _, tag := range strings.Split(tags, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(tag), "=")
		if !ok || k != TagUpperTraceID || len(v) != 16 {
			continue
		}
		upper, err := strconv.ParseUint(v, 16, 64)
		if err != nil {
			return 0, false
		}
		return upper, true
	}
	return 0, false
}

func hex16(v uint64) string {
	s := strconv.FormatUint(v, 16)
	if len(s) < 16 {
		s = strings.Repeat("0", 16-len(s)) + s
	}
	return s
}

func b3HasSamplingState(h map[string]string) bool {
	if h[HeaderB3Sampled] != "" || h[HeaderB3Flags] != "" {
		return true
	}
	// {TraceId}-{SpanId}-{SamplingState}-{ParentSpanId}
	if single := h[HeaderB3Single]; single != "" {
		parts := strings.Split(single, "-")
		return len(parts) >= 3 || len(parts) == 1
	}
	return false
}

func parseBaggage(raw string) []Member {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	b, err := baggage.Parse(raw)
	if err != nil || b.Len() == 0 {
		return nil
	}
	members := make([]Member, 0, b.Len())
	for _, m := range b.Members() {
		members = append(members, Member{Key: m.Key(), Value: m.Value()})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Key < members[j].Key })
	return members
}

func formatBaggage(members []Member) string {
	if len(members) == 0 {
		return ""
	}
	sorted := append([]Member(nil), members...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	parts := make([]string, 0, len(sorted))
	for _, m := range sorted {
		bm, err := baggage.NewMemberRaw(m.Key, m.Value)
		if err != nil {
			continue
		}
		parts = append(parts, bm.String())
	}
	return strings.Join(parts, ",")
}
