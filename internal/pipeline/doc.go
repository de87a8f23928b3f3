// Package pipeline coordinates tracing for one serverless invocation.
//
// A Coordinator moves through Idle, Recording, Flushing and Done. Begin
// extracts the inbound context and records the root span, instrumented code
// adds child spans with StartSpan or through RoundTripper, and Finish
// snapshots, encodes and flushes the tree before the invocation returns.
// Tracing failures end up in the Report and the log, never in the handler's
// response.
package pipeline
