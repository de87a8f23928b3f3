package oteldd

import (
	"bytes"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/lambdatrace/internal/encoding"
	"github.com/vyrodovalexey/lambdatrace/internal/span"
)

type wireSpan struct {
	Name     string             `json:"name"`
	TraceID  uint64             `json:"trace_id"`
	SpanID   uint64             `json:"span_id"`
	ParentID uint64             `json:"parent_id"`
	Duration int64              `json:"duration"`
	Service  string             `json:"service"`
	Resource string             `json:"resource"`
	Error    int32              `json:"error"`
	Meta     map[string]string  `json:"meta"`
	Metrics  map[string]float64 `json:"metrics"`
	Type     string             `json:"type"`
}

var testTags = encoding.Tags{
	Service:      "checkout",
	Env:          "staging",
	Version:      "2.0.0",
	ScopeVersion: "0.1.0",
}

func testTree(t *testing.T) *span.Tree {
	t.Helper()

	now := time.Unix(1700000000, 0)
	rec := span.NewRecorder(span.WithClock(func() time.Time { return now }))

	remote := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0xab, 0xcd, 15: 0x01},
		SpanID:     trace.SpanID{7: 0x09},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	root, err := rec.StartSpan("lambda.request",
		span.WithRemoteParent(remote),
		span.WithKind(trace.SpanKindServer),
		span.WithAttributes(
			attribute.String("resource.name", "GET /items"),
			attribute.String("z.key", "1"),
			attribute.StringSlice("tags", []string{"a", "b"}),
			attribute.BoolSlice("flags", []bool{true, false}),
			attribute.String("a.key", "2"),
		),
	)
	require.NoError(t, err)

	child, err := rec.StartSpan("cache.get", span.ChildOf(root))
	require.NoError(t, err)
	child.SetAttributes(attribute.Int64Slice("sizes", []int64{1, 2}))
	child.AddEvent("miss")
	now = now.Add(10 * time.Millisecond)
	require.NoError(t, child.End(span.Error("timeout")))

	now = now.Add(10 * time.Millisecond)
	require.NoError(t, root.End(span.OK()))
	return rec.Snapshot()
}

func decode(t *testing.T, body []byte) [][]wireSpan {
	t.Helper()
	var traces [][]wireSpan
	require.NoError(t, json.Unmarshal(body, &traces))
	return traces
}

func TestEncoder_Encode(t *testing.T) {
	t.Parallel()

	payload, err := New(testTags).Encode(testTree(t))
	require.NoError(t, err)
	assert.Equal(t, encoding.ProtocolDatadogJSON, payload.Protocol)
	assert.Equal(t, 2, payload.SpanCount)

	traces := decode(t, payload.Body)
	require.Len(t, traces, 1)
	require.Len(t, traces[0], 2)
	root, child := traces[0][0], traces[0][1]

	assert.Equal(t, uint64(1), root.TraceID)
	assert.Equal(t, uint64(9), root.ParentID)
	assert.Equal(t, root.SpanID, child.ParentID)
	assert.Equal(t, "checkout", root.Service)
	assert.Equal(t, "checkout", child.Service)
	assert.Equal(t, "GET /items", root.Resource)
	assert.Equal(t, int64(20*time.Millisecond), root.Duration)

	assert.Equal(t, "staging", root.Meta["env"])
	assert.Equal(t, "2.0.0", root.Meta["version"])
	assert.Equal(t, "staging", child.Meta["env"])
	assert.Equal(t, "abcd000000000000", root.Meta["_dd.p.tid"])
	assert.Equal(t, encoding.DefaultScopeName, root.Meta[KeyLibraryName])
	assert.Equal(t, "0.1.0", root.Meta[KeyLibraryVersion])
	assert.Equal(t, `["a","b"]`, root.Meta["tags"])
	assert.Equal(t, `[true,false]`, root.Meta["flags"])
	assert.Equal(t, `[1,2]`, child.Meta["sizes"])

	assert.Equal(t, codes.Ok.String(), root.Meta[KeyStatusCode])
	assert.Equal(t, codes.Error.String(), child.Meta[KeyStatusCode])
	assert.Equal(t, int32(1), child.Error)
	assert.Equal(t, "timeout", child.Meta["error.msg"])
	assert.Equal(t, "timeout", child.Meta[KeyStatusDescription])
	assert.Contains(t, child.Meta["events"], `"name":"miss"`)

	assert.Equal(t, 1.0, root.Metrics["_top_level"])
	assert.Equal(t, "server", root.Meta["span.kind"])
	assert.Equal(t, "internal", child.Meta["span.kind"])
	assert.Equal(t, "custom", child.Type)
}

func TestEncoder_PreservesAttributeOrder(t *testing.T) {
	t.Parallel()

	payload, err := New(testTags).Encode(testTree(t))
	require.NoError(t, err)

	order := []string{`"z.key"`, `"tags"`, `"flags"`, `"a.key"`, `"version"`, `"otel.library.name"`}
	last := -1
	for _, key := range order {
		idx := bytes.Index(payload.Body, []byte(key))
		require.GreaterOrEqual(t, idx, 0, key)
		assert.Greater(t, idx, last, "key %s out of order", key)
		last = idx
	}
}

func TestEncoder_Deterministic(t *testing.T) {
	t.Parallel()

	tree := testTree(t)
	enc := New(testTags)
	first, err := enc.Encode(tree)
	require.NoError(t, err)
	second, err := enc.Encode(tree)
	require.NoError(t, err)
	assert.Equal(t, first.Body, second.Body)
}

func TestEncoder_Snapshots(t *testing.T) {
	t.Parallel()

	tree := testTree(t)
	ro := New(testTags).Snapshots(tree)
	require.Len(t, ro, 2)

	assert.True(t, ro[0].Parent().IsRemote())
	assert.False(t, ro[1].Parent().IsRemote())
	assert.Equal(t, tree.Spans[0].SpanID, ro[1].Parent().SpanID())
	assert.True(t, ro[0].SpanContext().IsSampled())

	val, ok := ro[0].Resource().Set().Value("service.name")
	require.True(t, ok)
	assert.Equal(t, "checkout", val.AsString())
}

func TestEncoder_IncompleteSpan(t *testing.T) {
	t.Parallel()

	rec := span.NewRecorder()
	_, err := rec.StartSpan("open")
	require.NoError(t, err)

	payload, err := New(testTags).Encode(rec.Snapshot())
	require.NoError(t, err)
	traces := decode(t, payload.Body)
	assert.Equal(t, "true", traces[0][0].Meta[encoding.IncompleteAttribute])
	assert.Equal(t, codes.Unset.String(), traces[0][0].Meta[KeyStatusCode])
}

func TestEncoder_Supports(t *testing.T) {
	t.Parallel()

	enc := New(testTags)
	assert.True(t, enc.Supports(attribute.STRINGSLICE))
	assert.True(t, enc.Supports(attribute.FLOAT64))
	assert.False(t, enc.Supports(attribute.INVALID))
	assert.Equal(t, encoding.VariantOTelDD, enc.Variant())
}

func TestEncoder_NonFiniteEventAttributes(t *testing.T) {
	t.Parallel()

	rec := span.NewRecorder()
	h, err := rec.StartSpan("root")
	require.NoError(t, err)
	h.AddEvent("ev", span.WithEventAttributes(
		attribute.Float64("ratio", math.NaN()),
		attribute.Float64Slice("bounds", []float64{1, math.Inf(-1)}),
	))
	require.NoError(t, h.End(span.OK()))

	payload, err := New(testTags).Encode(rec.Snapshot())
	require.NoError(t, err)

	var events []struct {
		Attributes map[string]any `json:"attributes"`
	}
	require.NoError(t, json.Unmarshal([]byte(decode(t, payload.Body)[0][0].Meta["events"]), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "NaN", events[0].Attributes["ratio"])
	assert.Equal(t, []any{1.0, "-Inf"}, events[0].Attributes["bounds"])
}

func TestEncoder_EmptyTree(t *testing.T) {
	t.Parallel()

	payload, err := New(testTags).Encode(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(payload.Body))
}
