package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RetryableStatusCodes are the HTTP status codes worth another attempt.
var RetryableStatusCodes = []int{
	http.StatusRequestTimeout,
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// RetryableGRPCCodes are the gRPC status codes worth another attempt.
var RetryableGRPCCodes = []codes.Code{
	codes.Unavailable,
	codes.ResourceExhausted,
	codes.Aborted,
	codes.DeadlineExceeded,
}

// IsRetryableStatus reports whether an HTTP response status is transient.
// Any 5xx counts, as do 408 and 429.
func IsRetryableStatus(code int) bool {
	if code >= http.StatusInternalServerError && code <= 599 {
		return true
	}
	for _, c := range RetryableStatusCodes {
		if c == code {
			return true
		}
	}
	return false
}

// IsNetworkError reports whether err is a connection-level failure.
// Context cancellation is never a network error.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// IsRetryableGRPC reports whether err carries a transient gRPC status.
func IsRetryableGRPC(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	for _, c := range RetryableGRPCCodes {
		if st.Code() == c {
			return true
		}
	}
	return false
}
