// Package otlp encodes span trees into OTLP protocol buffers, the format
// accepted by OpenTelemetry collectors and OTLP-compatible intakes.
package otlp

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"

	"github.com/vyrodovalexey/lambdatrace/internal/encoding"
	"github.com/vyrodovalexey/lambdatrace/internal/span"
)

// Encoder is the otel_otlp Strategy.
type Encoder struct {
	encoding.Sealed
	tags     encoding.Tags
	resource []*commonpb.KeyValue
}

var _ encoding.Strategy = (*Encoder)(nil)

// New creates an Encoder. The tags become resource attributes.
func New(tags encoding.Tags) *Encoder {
	attrs := []attribute.KeyValue{semconv.ServiceName(tags.Service)}
	if tags.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(tags.Version))
	}
	if tags.Env != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(tags.Env))
	}
	return &Encoder{
		tags:     tags,
		resource: KeyValues(attrs),
	}
}

// Variant implements encoding.Strategy.
func (e *Encoder) Variant() encoding.Variant {
	return encoding.VariantOTelOTLP
}

// Supports implements encoding.Strategy. Slices map to ArrayValue.
func (e *Encoder) Supports(t attribute.Type) bool {
	return t != attribute.INVALID
}

// Encode implements encoding.Strategy. The body is the deterministic
// protobuf encoding of an ExportTraceServiceRequest.
func (e *Encoder) Encode(tree *span.Tree) (*encoding.Payload, error) {
	if err := encoding.CheckAttributes(tree, e); err != nil {
		return nil, err
	}

	var rs []*tracepb.ResourceSpans
	if tree.Len() > 0 {
		rs = []*tracepb.ResourceSpans{e.ResourceSpans(tree)}
	}
	req := &coltracepb.ExportTraceServiceRequest{ResourceSpans: rs}
	body, err := proto.MarshalOptions{Deterministic: true}.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal export request: %w", err)
	}

	traces := 0
	if tree.Len() > 0 {
		traces = 1
	}
	return &encoding.Payload{
		Protocol:      encoding.ProtocolOTLPProto,
		ContentType:   encoding.ContentTypeProtobuf,
		Body:          body,
		ResourceSpans: rs,
		SpanCount:     tree.Len(),
		TraceCount:    traces,
	}, nil
}

// ResourceSpans builds the OTLP message for one tree.
func (e *Encoder) ResourceSpans(tree *span.Tree) *tracepb.ResourceSpans {
	spans := make([]*tracepb.Span, 0, tree.Len())
	for _, s := range tree.Spans {
		spans = append(spans, convert(s, tree.Sampled))
	}
	return &tracepb.ResourceSpans{
		Resource: &resourcepb.Resource{Attributes: e.resource},
		ScopeSpans: []*tracepb.ScopeSpans{{
			Scope: &commonpb.InstrumentationScope{
				Name:    e.tags.Scope(),
				Version: e.tags.ScopeVersion,
			},
			Spans:     spans,
			SchemaUrl: semconv.SchemaURL,
		}},
		SchemaUrl: semconv.SchemaURL,
	}
}

func convert(s span.Span, sampled bool) *tracepb.Span {
	traceID := s.TraceID
	spanID := s.SpanID

	flags := uint32(tracepb.SpanFlags_SPAN_FLAGS_CONTEXT_HAS_IS_REMOTE_MASK)
	if sampled {
		flags |= uint32(trace.FlagsSampled)
	}
	if s.RemoteParent {
		flags |= uint32(tracepb.SpanFlags_SPAN_FLAGS_CONTEXT_IS_REMOTE_MASK)
	}

	out := &tracepb.Span{
		TraceId:           traceID[:],
		SpanId:            spanID[:],
		Flags:             flags,
		Name:              s.Name,
		Kind:              tracepb.Span_SpanKind(s.Kind),
		StartTimeUnixNano: unixNano(s.Start),
		EndTimeUnixNano:   unixNano(s.End),
		Attributes:        KeyValues(s.Attributes),
		Status:            status(s.Status),
	}
	if s.HasParent() {
		parent := s.ParentSpanID
		out.ParentSpanId = parent[:]
	}
	if s.Status.Code == span.StatusIncomplete {
		out.Attributes = append(out.Attributes, KeyValue(attribute.Bool(encoding.IncompleteAttribute, true)))
	}
	for _, ev := range s.Events {
		out.Events = append(out.Events, &tracepb.Span_Event{
			TimeUnixNano: unixNano(ev.Time),
			Name:         ev.Name,
			Attributes:   KeyValues(ev.Attributes),
		})
	}
	return out
}

func status(s span.Status) *tracepb.Status {
	switch s.Code {
	case span.StatusOK:
		return &tracepb.Status{Code: tracepb.Status_STATUS_CODE_OK}
	case span.StatusError:
		return &tracepb.Status{Code: tracepb.Status_STATUS_CODE_ERROR, Message: s.Message}
	case span.StatusIncomplete:
		return &tracepb.Status{Code: tracepb.Status_STATUS_CODE_UNSET, Message: s.Message}
	default:
		return &tracepb.Status{Code: tracepb.Status_STATUS_CODE_UNSET}
	}
}

// KeyValues converts attributes keeping their order.
func KeyValues(attrs []attribute.KeyValue) []*commonpb.KeyValue {
	if len(attrs) == 0 {
		return nil
	}
	out := make([]*commonpb.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		out = append(out, KeyValue(kv))
	}
	return out
}

// KeyValue converts one attribute.
func KeyValue(kv attribute.KeyValue) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: string(kv.Key), Value: value(kv.Value)}
}

func value(v attribute.Value) *commonpb.AnyValue {
	switch v.Type() {
	case attribute.BOOL:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: v.AsBool()}}
	case attribute.INT64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: v.AsInt64()}}
	case attribute.FLOAT64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: v.AsFloat64()}}
	case attribute.STRING:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v.AsString()}}
	case attribute.BOOLSLICE:
		return array(v.AsBoolSlice(), attribute.BoolValue)
	case attribute.INT64SLICE:
		return array(v.AsInt64Slice(), attribute.Int64Value)
	case attribute.FLOAT64SLICE:
		return array(v.AsFloat64Slice(), attribute.Float64Value)
	case attribute.STRINGSLICE:
		return array(v.AsStringSlice(), attribute.StringValue)
	default:
		return &commonpb.AnyValue{}
	}
}

func array[T any](items []T, wrap func(T) attribute.Value) *commonpb.AnyValue {
	values := make([]*commonpb.AnyValue, 0, len(items))
	for _, item := range items {
		values = append(values, value(wrap(item)))
	}
	return &commonpb.AnyValue{Value: &commonpb.AnyValue_ArrayValue{
		ArrayValue: &commonpb.ArrayValue{Values: values},
	}}
}

func unixNano(t time.Time) uint64 {
	n := t.UnixNano()
	if t.IsZero() || n < 0 {
		return 0
	}
	return uint64(n)
}
