package pipeline

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/lambdatrace/internal/encoding/ddschema"
	"github.com/vyrodovalexey/lambdatrace/internal/propagation"
	"github.com/vyrodovalexey/lambdatrace/internal/span"
)

// RoundTripper wraps base so every outbound request is recorded as a client
// span and carries the propagation headers of that span. A nil base uses
// http.DefaultTransport.
func (c *Coordinator) RoundTripper(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &tracingTransport{c: c, base: base}
}

type tracingTransport struct {
	c    *Coordinator
	base http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (t *tracingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, h := t.c.StartSpan(req.Context(), ClientSpanName,
		span.WithKind(trace.SpanKindClient),
		span.WithAttributes(
			attribute.String(ddschema.ResourceAttribute, req.Method+" "+req.URL.Path),
			semconv.HTTPMethod(req.Method),
			semconv.HTTPURL(req.URL.Redacted()),
		),
	)
	if h == nil {
		return t.base.RoundTrip(req)
	}

	out := req.Clone(ctx)
	for key := range out.Header {
		if propagation.IsHeader(key) {
			out.Header.Del(key)
		}
	}
	for key, value := range t.c.Inject(ctx, nil) {
		out.Header.Set(key, value)
	}

	resp, err := t.base.RoundTrip(out)
	if err != nil {
		_ = h.EndWithError(err)
		return nil, err
	}

	h.SetAttributes(semconv.HTTPStatusCode(resp.StatusCode))
	if resp.StatusCode >= http.StatusInternalServerError {
		_ = h.End(span.Error(http.StatusText(resp.StatusCode)))
	} else {
		_ = h.End(span.OK())
	}
	return resp, nil
}
