// Package selected exposes the encoder chosen at build time.
//
// Exactly one of owned.go, oteldd.go and otlp.go is compiled in, depending
// on the otel_dd and otel_otlp build tags. Callers depend on this package
// only, so switching encoders never touches a call site.
package selected
