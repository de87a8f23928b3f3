// Package owned encodes span trees straight into the Datadog trace-agent
// v0.3 JSON schema, without going through the OpenTelemetry data model.
//
// The schema is minimal: string and boolean attributes become meta,
// numeric attributes become metrics. Any other value type is rejected with
// encoding.ErrUnsupportedFieldType.
package owned

import (
	"fmt"
	"math"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	"github.com/vyrodovalexey/lambdatrace/internal/encoding"
	"github.com/vyrodovalexey/lambdatrace/internal/encoding/ddschema"
	"github.com/vyrodovalexey/lambdatrace/internal/span"
)

// Encoder is the owned Strategy.
type Encoder struct {
	encoding.Sealed
	tags encoding.Tags
}

var _ encoding.Strategy = (*Encoder)(nil)

// New creates an Encoder tagging every trace with tags.
func New(tags encoding.Tags) *Encoder {
	return &Encoder{tags: tags}
}

// Variant implements encoding.Strategy.
func (e *Encoder) Variant() encoding.Variant {
	return encoding.VariantOwned
}

// Supports implements encoding.Strategy.
func (e *Encoder) Supports(t attribute.Type) bool {
	switch t {
	case attribute.BOOL, attribute.INT64, attribute.FLOAT64, attribute.STRING:
		return true
	default:
		return false
	}
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
	spans := make([]ddschema.Span, 0, tree.Len())
	for i, s := range tree.Spans {
		dd, err := e.convert(s)
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

func (e *Encoder) convert(s span.Span) (ddschema.Span, error) {
	dd := ddschema.Span{
		Name:     s.Name,
		TraceID:  ddschema.LowerTraceID(s.TraceID),
		SpanID:   ddschema.SpanIDValue(s.SpanID),
		ParentID: ddschema.SpanIDValue(s.ParentSpanID),
		Start:    s.Start.UnixNano(),
		Duration: s.Duration().Nanoseconds(),
		Service:  e.tags.Service,
		Resource: s.Name,
		Type:     ddschema.TypeForKind(s.Kind),
	}

	for _, kv := range s.Attributes {
		if kv.Key == ddschema.ResourceAttribute && kv.Value.Type() == attribute.STRING {
			dd.Resource = kv.Value.AsString()
			continue
		}
		setAttribute(&dd, kv)
	}

	if kind := ddschema.KindName(s.Kind); kind != "" {
		dd.Meta.Set(ddschema.KeySpanKind, kind)
	}

	switch s.Status.Code {
	case span.StatusError:
		dd.Error = 1
		if s.Status.Message != "" {
			dd.Meta.Set(ddschema.KeyErrorMsg, s.Status.Message)
		}
	case span.StatusIncomplete:
		dd.Meta.Set(encoding.IncompleteAttribute, "true")
	}

	if len(s.Events) > 0 {
		events := make([]ddschema.Event, 0, len(s.Events))
		for _, ev := range s.Events {
			events = append(events, ddschema.NewEvent(ev.Name, ev.Time.UnixNano(), ev.Attributes))
		}
		raw, err := ddschema.EventsJSON(events)
		if err != nil {
			return ddschema.Span{}, fmt.Errorf("span %q: %w", s.Name, err)
		}
		dd.Meta.Set(ddschema.KeyEvents, raw)
	}
	return dd, nil
}

func setAttribute(dd *ddschema.Span, kv attribute.KeyValue) {
	key := string(kv.Key)
	switch kv.Value.Type() {
	case attribute.STRING:
		dd.Meta.Set(key, kv.Value.AsString())
	case attribute.BOOL:
		dd.Meta.Set(key, strconv.FormatBool(kv.Value.AsBool()))
	case attribute.INT64:
		dd.Metrics.Set(key, float64(kv.Value.AsInt64()))
	case attribute.FLOAT64:
		f := kv.Value.AsFloat64()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			// JSON has no representation for these.
			dd.Meta.Set(key, strconv.FormatFloat(f, 'g', -1, 64))
			return
		}
		dd.Metrics.Set(key, f)
	}
}
