package logging

import (
	"encoding/binary"
	"strconv"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Standard field keys
const (
	// Invocation fields
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"

	// Tracing fields
	FieldTraceID   = "trace_id"
	FieldSpanID    = "span_id"
	FieldDDTraceID = "dd.trace_id"
	FieldDDSpanID  = "dd.span_id"

	// Pipeline fields
	FieldComponent  = "component"
	FieldVariant    = "variant"
	FieldTransport  = "transport"
	FieldEndpoint   = "endpoint"
	FieldAttempt    = "attempt"
	FieldStatusCode = "status_code"
	FieldSpans      = "spans"
	FieldBytes      = "bytes"
	FieldState      = "state"

	// Service fields
	FieldService     = "service"
	FieldVersion     = "version"
	FieldEnvironment = "environment"
)

// TraceFields returns the correlation fields for sc. The dd.* pair uses the
// decimal low 64 bits that Datadog log correlation expects.
func TraceFields(sc trace.SpanContext) []zap.Field {
	if !sc.IsValid() {
		return nil
	}
	tid := sc.TraceID()
	sid := sc.SpanID()
	return []zap.Field{
		zap.String(FieldTraceID, tid.String()),
		zap.String(FieldSpanID, sid.String()),
		zap.String(FieldDDTraceID, strconv.FormatUint(binary.BigEndian.Uint64(tid[8:]), 10)),
		zap.String(FieldDDSpanID, strconv.FormatUint(binary.BigEndian.Uint64(sid[:]), 10)),
	}
}

// Component returns a component field.
func Component(name string) zap.Field {
	return zap.String(FieldComponent, name)
}

// RequestID returns a request id field.
func RequestID(id string) zap.Field {
	return zap.String(FieldRequestID, id)
}
