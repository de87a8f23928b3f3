package encoding

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/vyrodovalexey/lambdatrace/internal/span"
)

// Variant names an encoder implementation.
type Variant string

// Variants.
const (
	VariantOwned    Variant = "owned"
	VariantOTelDD   Variant = "otel_dd"
	VariantOTelOTLP Variant = "otel_otlp"
)

// Protocol tags the wire format of a payload.
type Protocol string

// Protocols.
const (
	ProtocolDatadogJSON Protocol = "datadog/v0.3+json"
	ProtocolOTLPProto   Protocol = "otlp/protobuf"
)

// Content types.
const (
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/x-protobuf"
)

// IncompleteAttribute is set on spans that were force-closed at snapshot.
const IncompleteAttribute = "span.incomplete"

// ErrUnsupportedFieldType is returned when an attribute value has no
// representation in the target schema.
var ErrUnsupportedFieldType = errors.New("unsupported attribute type")

// UnsupportedFieldError names the offending attribute.
type UnsupportedFieldError struct {
	Span string
	Key  attribute.Key
	Type attribute.Type
}

// Error implements error.
func (e *UnsupportedFieldError) Error() string {
	return fmt.Sprintf("%s: span %q attribute %q has type %s", ErrUnsupportedFieldType, e.Span, e.Key, e.Type)
}

// Is matches ErrUnsupportedFieldType.
func (e *UnsupportedFieldError) Is(target error) bool {
	return target == ErrUnsupportedFieldType
}

// Payload is one encoded flush. It is produced once and consumed once.
type Payload struct {
	Protocol    Protocol
	ContentType string
	Body        []byte

	// ResourceSpans holds the OTLP objects the body was marshaled from, for
	// transports that send structured messages instead of bytes.
	ResourceSpans []*tracepb.ResourceSpans

	SpanCount  int
	TraceCount int
}

// Tags are the service-level tags attached at the trace level.
type Tags struct {
	Service      string
	Env          string
	Version      string
	ScopeName    string
	ScopeVersion string
}

// DefaultScopeName is the instrumentation scope reported when Tags leaves
// it empty.
const DefaultScopeName = "github.com/vyrodovalexey/lambdatrace"

// Scope returns the instrumentation scope name.
func (t Tags) Scope() string {
	if t.ScopeName == "" {
		return DefaultScopeName
	}
	return t.ScopeName
}

// Strategy turns a span tree into a payload. Encode is pure: the same tree
// always yields the same bytes, and attribute order is preserved.
type Strategy interface {
	Encode(tree *span.Tree) (*Payload, error)
	Variant() Variant
	// Supports reports whether attributes of type t can be encoded.
	Supports(t attribute.Type) bool

	sealed()
}

// Sealed is embedded by the implementations in this module so that no
// other package can satisfy Strategy.
type Sealed struct{}

func (Sealed) sealed() {}

// Stringify returns a copy of tree where every attribute value the strategy
// cannot encode is replaced by its string rendering.
func Stringify(tree *span.Tree, s Strategy) *span.Tree {
	return tree.MapAttributes(func(_ span.Span, kv attribute.KeyValue) attribute.KeyValue {
		if s.Supports(kv.Value.Type()) {
			return kv
		}
		return attribute.String(string(kv.Key), kv.Value.Emit())
	})
}

// CheckAttributes returns an UnsupportedFieldError for the first attribute
// of tree that s cannot encode.
func CheckAttributes(tree *span.Tree, s Strategy) error {
	if tree == nil {
		return nil
	}
	for _, sp := range tree.Spans {
		for _, kv := range sp.Attributes {
			if !s.Supports(kv.Value.Type()) {
				return &UnsupportedFieldError{Span: sp.Name, Key: kv.Key, Type: kv.Value.Type()}
			}
		}
		for _, ev := range sp.Events {
			for _, kv := range ev.Attributes {
				if !s.Supports(kv.Value.Type()) {
					return &UnsupportedFieldError{Span: sp.Name, Key: kv.Key, Type: kv.Value.Type()}
				}
			}
		}
	}
	return nil
}
