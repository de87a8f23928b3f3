// Package encoding defines the contract shared by the trace encoders.
//
// Three strategies implement it, one per wire shape:
//
//   - owned: hand-built Datadog trace-agent v0.3 JSON
//   - oteldd: OpenTelemetry span model translated to the Datadog schema
//   - otlp: OTLP protocol buffers
//
// Exactly one of them is linked into a binary. The selected subpackage picks
// it with build tags:
//
//	go build ./cmd/handler                  # owned
//	go build -tags otel_dd ./cmd/handler    # oteldd
//	go build -tags otel_otlp ./cmd/handler  # otlp
//
// # Unsupported values
//
// Encode fails with ErrUnsupportedFieldType when an attribute has no
// representation in the target schema. Callers pass the tree through
// Stringify and encode again.
//
// # Thread Safety
//
// Strategies are stateless after construction and safe for concurrent use.
package encoding
