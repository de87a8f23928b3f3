package selected

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vyrodovalexey/lambdatrace/internal/encoding"
	"github.com/vyrodovalexey/lambdatrace/internal/span"
)

func TestNew_MatchesBuild(t *testing.T) {
	t.Parallel()

	s := New(encoding.Tags{Service: "svc"})
	require.NotNil(t, s)
	assert.Equal(t, Variant, s.Variant())

	rec := span.NewRecorder()
	h, err := rec.StartSpan("root", span.WithAttributes(attribute.String("k", "v")))
	require.NoError(t, err)
	require.NoError(t, h.End(span.OK()))

	payload, err := s.Encode(rec.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, Protocol, payload.Protocol)
	assert.Equal(t, 1, payload.SpanCount)
	assert.NotEmpty(t, payload.Body)
}
