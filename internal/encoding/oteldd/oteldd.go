// Package oteldd encodes span trees through the OpenTelemetry SDK span
// model and translates the result into the Datadog trace-agent v0.3 schema.
//
// Going through sdktrace.ReadOnlySpan gives the encoder resource attributes
// and instrumentation scope metadata that the owned encoder does not carry.
package oteldd

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/lambdatrace/internal/encoding"
	"github.com/vyrodovalexey/lambdatrace/internal/encoding/ddschema"
	"github.com/vyrodovalexey/lambdatrace/internal/span"
)

// Meta keys written by the translator.
const (
	KeyLibraryName       = "otel.library.name"
	KeyLibraryVersion    = "otel.library.version"
	KeyStatusCode        = "otel.status_code"
	KeyStatusDescription = "otel.status_description"
)

// Encoder is the otel_dd Strategy.
type Encoder struct {
	encoding.Sealed
	tags     encoding.Tags
	resource *resource.Resource
	scope    instrumentation.Scope
}

var _ encoding.Strategy = (*Encoder)(nil)

// New creates an Encoder. The tags become resource attributes of every span.
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
		resource: resource.NewWithAttributes(semconv.SchemaURL, attrs...),
		scope: instrumentation.Scope{
			Name:      tags.Scope(),
			Version:   tags.ScopeVersion,
			SchemaURL: semconv.SchemaURL,
		},
	}
}

// Variant implements encoding.Strategy.
func (e *Encoder) Variant() encoding.Variant {
	return encoding.VariantOTelDD
}

// Supports implements encoding.Strategy. Slices are carried as JSON strings.
func (e *Encoder) Supports(t attribute.Type) bool {
	return t != attribute.INVALID
}

// Encode implements encoding.Strategy.
func (e *Encoder) Encode(tree *span.Tree) (*encoding.Payload, error) {
	if tree.Len() == 0 {
		return ddschema.NewPayload(nil)
	}
	if err := encoding.CheckAttributes(tree, e); err != nil {
		return nil, err
	}

	root := tree.RootIndex()
	snapshots := e.Snapshots(tree)
	spans := make([]ddschema.Span, 0, len(snapshots))
	for i, ro := range snapshots {
		dd, err := Translate(ro)
		if err != nil {
			return nil, err
		}
		if i == root {
			ddschema.TagRoot(&dd, e.tags, tree.TraceID, tree.Sampled)
		}
		spans = append(spans, dd)
	}
	return ddschema.NewPayload(spans)
}

// Snapshots converts the tree into SDK read-only spans, in tree order.
func (e *Encoder) Snapshots(tree *span.Tree) []sdktrace.ReadOnlySpan {
	var flags trace.TraceFlags
	if tree.Sampled {
		flags = trace.FlagsSampled
	}

	stubs := make(tracetest.SpanStubs, 0, tree.Len())
	for _, s := range tree.Spans {
		stub := tracetest.SpanStub{
			Name: s.Name,
			SpanContext: trace.NewSpanContext(trace.SpanContextConfig{
				TraceID:    s.TraceID,
				SpanID:     s.SpanID,
				TraceFlags: flags,
			}),
			SpanKind:             s.Kind,
			StartTime:            s.Start,
			EndTime:              s.End,
			Attributes:           s.Attributes,
			Status:               status(s.Status),
			Resource:             e.resource,
			InstrumentationScope: e.scope,
		}
		if s.HasParent() {
			stub.Parent = trace.NewSpanContext(trace.SpanContextConfig{
				TraceID:    s.TraceID,
				SpanID:     s.ParentSpanID,
				TraceFlags: flags,
				Remote:     s.RemoteParent,
			})
		}
		if s.Status.Code == span.StatusIncomplete {
			stub.Attributes = append(append([]attribute.KeyValue(nil), s.Attributes...),
				attribute.Bool(encoding.IncompleteAttribute, true))
		}
		for _, ev := range s.Events {
			stub.Events = append(stub.Events, sdktrace.Event{
				Name:       ev.Name,
				Attributes: ev.Attributes,
				Time:       ev.Time,
			})
		}
		stubs = append(stubs, stub)
	}
	return stubs.Snapshots()
}

func status(s span.Status) sdktrace.Status {
	switch s.Code {
	case span.StatusOK:
		return sdktrace.Status{Code: codes.Ok}
	case span.StatusError:
		return sdktrace.Status{Code: codes.Error, Description: s.Message}
	default:
		return sdktrace.Status{Code: codes.Unset}
	}
}

// Translate maps one SDK span onto the Datadog schema. Span attributes come
// first in meta, followed by resource attributes and scope metadata.
func Translate(ro sdktrace.ReadOnlySpan) (ddschema.Span, error) {
	sc := ro.SpanContext()
	dd := ddschema.Span{
		Name:     ro.Name(),
		TraceID:  ddschema.LowerTraceID(sc.TraceID()),
		SpanID:   ddschema.SpanIDValue(sc.SpanID()),
		Start:    ro.StartTime().UnixNano(),
		Duration: duration(ro),
		Resource: ro.Name(),
		Type:     ddschema.TypeForKind(ro.SpanKind()),
	}
	if p := ro.Parent(); p.SpanID().IsValid() {
		dd.ParentID = ddschema.SpanIDValue(p.SpanID())
	}

	for _, kv := range ro.Attributes() {
		if kv.Key == ddschema.ResourceAttribute && kv.Value.Type() == attribute.STRING {
			dd.Resource = kv.Value.AsString()
			continue
		}
		setAttribute(&dd, string(kv.Key), kv.Value)
	}

	if res := ro.Resource(); res != nil {
		iter := res.Iter()
		for iter.Next() {
			kv := iter.Attribute()
			switch kv.Key {
			case semconv.ServiceNameKey:
				dd.Service = kv.Value.AsString()
			case semconv.ServiceVersionKey:
				dd.Meta.Set(ddschema.KeyVersion, kv.Value.AsString())
			case semconv.DeploymentEnvironmentKey:
				dd.Meta.Set(ddschema.KeyEnv, kv.Value.AsString())
			default:
				setAttribute(&dd, string(kv.Key), kv.Value)
			}
		}
	}

	scope := ro.InstrumentationScope()
	if scope.Name != "" {
		dd.Meta.Set(KeyLibraryName, scope.Name)
	}
	if scope.Version != "" {
		dd.Meta.Set(KeyLibraryVersion, scope.Version)
	}

	if kind := ddschema.KindName(ro.SpanKind()); kind != "" {
		dd.Meta.Set(ddschema.KeySpanKind, kind)
	}

	st := ro.Status()
	dd.Meta.Set(KeyStatusCode, st.Code.String())
	if st.Code == codes.Error {
		dd.Error = 1
		if st.Description != "" {
			dd.Meta.Set(KeyStatusDescription, st.Description)
			dd.Meta.Set(ddschema.KeyErrorMsg, st.Description)
		}
	}

	if events := ro.Events(); len(events) > 0 {
		out := make([]ddschema.Event, 0, len(events))
		for _, ev := range events {
			out = append(out, ddschema.NewEvent(ev.Name, ev.Time.UnixNano(), ev.Attributes))
		}
		raw, err := ddschema.EventsJSON(out)
		if err != nil {
			return ddschema.Span{}, fmt.Errorf("span %q: %w", ro.Name(), err)
		}
		dd.Meta.Set(ddschema.KeyEvents, raw)
	}
	return dd, nil
}

func duration(ro sdktrace.ReadOnlySpan) int64 {
	d := ro.EndTime().Sub(ro.StartTime())
	if d < 0 {
		return 0
	}
	return d.Nanoseconds()
}

func setAttribute(dd *ddschema.Span, key string, v attribute.Value) {
	switch v.Type() {
	case attribute.STRING:
		dd.Meta.Set(key, v.AsString())
	case attribute.BOOL:
		dd.Meta.Set(key, strconv.FormatBool(v.AsBool()))
	case attribute.INT64:
		dd.Metrics.Set(key, float64(v.AsInt64()))
	case attribute.FLOAT64:
		f := v.AsFloat64()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			dd.Meta.Set(key, strconv.FormatFloat(f, 'g', -1, 64))
			return
		}
		dd.Metrics.Set(key, f)
	case attribute.BOOLSLICE, attribute.INT64SLICE, attribute.FLOAT64SLICE, attribute.STRINGSLICE:
		raw, err := json.Marshal(v.AsInterface())
		if err != nil {
			dd.Meta.Set(key, v.Emit())
			return
		}
		dd.Meta.Set(key, string(raw))
	}
}
