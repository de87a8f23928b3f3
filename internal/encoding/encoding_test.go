package encoding

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vyrodovalexey/lambdatrace/internal/span"
)

type scalarOnly struct {
	Sealed
}

func (scalarOnly) Encode(*span.Tree) (*Payload, error) { return &Payload{}, nil }
func (scalarOnly) Variant() Variant                    { return VariantOwned }
func (scalarOnly) Supports(t attribute.Type) bool {
	return t == attribute.STRING || t == attribute.INT64
}

func sampleTree() *span.Tree {
	return &span.Tree{Spans: []span.Span{{
		Name:        "root",
		ParentIndex: -1,
		Attributes: []attribute.KeyValue{
			attribute.String("s", "v"),
			attribute.Int64Slice("ids", []int64{1, 2}),
			attribute.Bool("ok", true),
		},
		Events: []span.Event{{
			Name:       "e",
			Attributes: []attribute.KeyValue{attribute.Float64("f", 1.5)},
		}},
	}}}
}

func TestCheckAttributes(t *testing.T) {
	t.Parallel()

	err := CheckAttributes(sampleTree(), scalarOnly{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedFieldType))

	var fieldErr *UnsupportedFieldError
	require.ErrorAs(t, err, &fieldErr)
	assert.Equal(t, "root", fieldErr.Span)
	assert.Equal(t, attribute.Key("ids"), fieldErr.Key)
	assert.Contains(t, err.Error(), `"ids"`)

	assert.NoError(t, CheckAttributes(nil, scalarOnly{}))
}

func TestStringify(t *testing.T) {
	t.Parallel()

	tree := sampleTree()
	out := Stringify(tree, scalarOnly{})

	attrs := out.Spans[0].Attributes
	require.Len(t, attrs, 3)
	assert.Equal(t, "v", attrs[0].Value.AsString())
	assert.Equal(t, "[1,2]", attrs[1].Value.AsString())
	assert.Equal(t, "true", attrs[2].Value.AsString())

	eventAttrs := out.Spans[0].Events[0].Attributes
	require.Len(t, eventAttrs, 1)
	assert.Equal(t, attribute.STRING, eventAttrs[0].Value.Type())
	assert.Equal(t, "1.5", eventAttrs[0].Value.AsString())

	assert.NoError(t, CheckAttributes(out, scalarOnly{}))
	assert.Equal(t, attribute.INT64SLICE, tree.Spans[0].Attributes[1].Value.Type())
	assert.Equal(t, attribute.FLOAT64, tree.Spans[0].Events[0].Attributes[0].Value.Type())
}

func TestTags_Scope(t *testing.T) {
	t.Parallel()

	assert.Equal(t, DefaultScopeName, Tags{}.Scope())
	assert.Equal(t, "custom", Tags{ScopeName: "custom"}.Scope())
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordEncode(VariantOwned, "success", 3)
	m.RecordEncode(VariantOwned, "error", 0)
	m.RecordStringified(VariantOwned)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.encodeTotal.WithLabelValues("owned", "success")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.spansTotal.WithLabelValues("owned")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stringifiedTotal.WithLabelValues("owned")))

	var nilMetrics *Metrics
	assert.NotPanics(t, func() {
		nilMetrics.RecordEncode(VariantOwned, "success", 1)
		nilMetrics.RecordStringified(VariantOwned)
	})
}
