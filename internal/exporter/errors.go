package exporter

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vyrodovalexey/lambdatrace/internal/retry"
)

// Sentinel errors.
var (
	// ErrTransientSend marks a delivery failure that may succeed on retry.
	ErrTransientSend = errors.New("transient send failure")

	// ErrPermanentSend marks a delivery failure that will not succeed on retry.
	ErrPermanentSend = errors.New("permanent send failure")

	// ErrPartialFlush is returned by Flush when pending sends were abandoned.
	ErrPartialFlush = errors.New("flush timed out with sends still pending")
)

// SendError describes a failed delivery attempt.
type SendError struct {
	// Kind is ErrTransientSend or ErrPermanentSend.
	Kind error

	// StatusCode is the HTTP status or gRPC code, zero when no response
	// was received.
	StatusCode int

	Err error
}

// Error implements error.
func (e *SendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%v (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

// Unwrap returns both the kind and the cause.
func (e *SendError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// IsTransient reports whether err is a retryable send failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientSend)
}

func transient(code int, err error) *SendError {
	return &SendError{Kind: ErrTransientSend, StatusCode: code, Err: err}
}

func permanent(code int, err error) *SendError {
	return &SendError{Kind: ErrPermanentSend, StatusCode: code, Err: err}
}

// classifyHTTP maps a response status onto the failure taxonomy. It returns
// nil for 2xx.
func classifyHTTP(code int, body string) error {
	if code >= 200 && code < 300 {
		return nil
	}
	err := fmt.Errorf("endpoint responded %d: %s", code, truncate(body, 256))
	if retry.IsRetryableStatus(code) {
		return transient(code, err)
	}
	return permanent(code, err)
}

// classifyTransportError maps an error returned before any response arrived.
func classifyTransportError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || retry.IsNetworkError(err) {
		return transient(0, err)
	}
	return permanent(0, err)
}

// classifyGRPC maps an OTLP/gRPC upload error onto the failure taxonomy.
func classifyGRPC(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return transient(int(codes.DeadlineExceeded), err)
	}
	st, ok := status.FromError(err)
	if !ok {
		if retry.IsNetworkError(err) {
			return transient(0, err)
		}
		return permanent(0, err)
	}
	if retry.IsRetryableGRPC(err) {
		return transient(int(st.Code()), err)
	}
	return permanent(int(st.Code()), err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
