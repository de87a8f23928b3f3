// Package retry provides bounded exponential backoff retry functionality.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Default retry configuration constants.
const (
	// DefaultMaxAttempts is the default total number of attempts, the first
	// one included.
	DefaultMaxAttempts = 3

	// DefaultInitialBackoff is the default initial backoff duration.
	DefaultInitialBackoff = 50 * time.Millisecond

	// DefaultMaxBackoff is the default maximum backoff duration. It is kept
	// short because every retry delays the end of an invocation.
	DefaultMaxBackoff = time.Second

	// DefaultJitterFactor is the default jitter factor (25%).
	DefaultJitterFactor = 0.25

	// MaxJitterFactor is the maximum allowed jitter factor.
	MaxJitterFactor = 1.0
)

// Config contains retry configuration parameters.
type Config struct {
	// MaxAttempts is the maximum number of attempts, the first one included.
	// Default is 3.
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	// Default is 50ms.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	// Default is 1s.
	MaxBackoff time.Duration

	// JitterFactor is the jitter factor (0.0 to 1.0) to add randomness to backoff.
	// Default is 0.25 (25% jitter).
	JitterFactor float64
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:    DefaultMaxAttempts,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		JitterFactor:   DefaultJitterFactor,
	}
}

// GetMaxAttempts returns the effective max attempts.
func (c *Config) GetMaxAttempts() int {
	if c == nil || c.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return c.MaxAttempts
}

// GetInitialBackoff returns the effective initial backoff.
func (c *Config) GetInitialBackoff() time.Duration {
	if c == nil || c.InitialBackoff <= 0 {
		return DefaultInitialBackoff
	}
	return c.InitialBackoff
}

// GetMaxBackoff returns the effective max backoff.
func (c *Config) GetMaxBackoff() time.Duration {
	if c == nil || c.MaxBackoff <= 0 {
		return DefaultMaxBackoff
	}
	return c.MaxBackoff
}

// GetJitterFactor returns the effective jitter factor.
func (c *Config) GetJitterFactor() float64 {
	if c == nil || c.JitterFactor < 0 {
		return DefaultJitterFactor
	}
	if c.JitterFactor > MaxJitterFactor {
		return MaxJitterFactor
	}
	return c.JitterFactor
}

// Validate checks the configuration for out-of-range values.
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("max attempts must be non-negative, got %d", c.MaxAttempts)
	}
	if c.InitialBackoff < 0 || c.MaxBackoff < 0 {
		return fmt.Errorf("backoff durations must be non-negative")
	}
	if c.MaxBackoff > 0 && c.InitialBackoff > c.MaxBackoff {
		return fmt.Errorf("initial backoff %s exceeds max backoff %s", c.InitialBackoff, c.MaxBackoff)
	}
	return nil
}

// RetryableFunc is a function that can be retried. attempt starts at 1.
type RetryableFunc func(ctx context.Context, attempt int) error

// ShouldRetryFunc determines if an error should trigger a retry.
type ShouldRetryFunc func(error) bool

// OnRetryFunc is called before each retry attempt.
type OnRetryFunc func(attempt int, err error, backoff time.Duration)

// Options contains optional retry behavior configuration.
type Options struct {
	// ShouldRetry determines if an error should trigger a retry.
	// If nil, all errors are retried.
	ShouldRetry ShouldRetryFunc

	// OnRetry is called before each retry attempt.
	OnRetry OnRetryFunc

	// Operation labels the recorded metrics.
	Operation string

	// Metrics receives attempt, backoff and outcome observations.
	Metrics *Metrics
}

// Do executes fn until it succeeds, returns a non-retryable error, the
// attempts are exhausted or ctx is done. It returns the number of attempts
// made alongside the last error.
func Do(ctx context.Context, cfg *Config, fn RetryableFunc, opts *Options) (int, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if opts == nil {
		opts = &Options{}
	}

	maxAttempts := cfg.GetMaxAttempts()
	initialBackoff := cfg.GetInitialBackoff()
	maxBackoff := cfg.GetMaxBackoff()
	jitterFactor := cfg.GetJitterFactor()

	start := time.Now()
	var lastErr error
	attempt := 0
	for attempt < maxAttempts {
		// Check context before each attempt
		select {
		case <-ctx.Done():
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			opts.Metrics.recordOutcome(opts.Operation, false, time.Since(start))
			return attempt, lastErr
		default:
		}

		attempt++
		opts.Metrics.recordAttempt(opts.Operation, attempt)
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			opts.Metrics.recordOutcome(opts.Operation, true, time.Since(start))
			return attempt, nil
		}

		// Check if error is retryable
		if opts.ShouldRetry != nil && !opts.ShouldRetry(lastErr) {
			break
		}

		// Don't sleep after the last attempt
		if attempt < maxAttempts {
			backoff := CalculateBackoff(attempt-1, initialBackoff, maxBackoff, jitterFactor)

			// Call OnRetry callback if provided
			if opts.OnRetry != nil {
				opts.OnRetry(attempt+1, lastErr, backoff)
			}
			opts.Metrics.recordBackoff(opts.Operation, backoff)

			select {
			case <-ctx.Done():
				opts.Metrics.recordOutcome(opts.Operation, false, time.Since(start))
				return attempt, lastErr
			case <-time.After(backoff):
			}
		}
	}

	opts.Metrics.recordOutcome(opts.Operation, false, time.Since(start))
	return attempt, lastErr
}

// CalculateBackoff calculates the backoff duration for a given attempt.
func CalculateBackoff(attempt int, initialBackoff, maxBackoff time.Duration, jitterFactor float64) time.Duration {
	// Exponential backoff
	backoff := float64(initialBackoff) * math.Pow(2, float64(attempt))

	// Add jitter to prevent thundering herd
	// Using math/rand is acceptable here as this is for timing, not security
	//nolint:gosec // G404: jitter for retry timing is not security-sensitive
	jitter := backoff * jitterFactor * rand.Float64()
	backoff += jitter

	// Cap at maxBackoff
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	return time.Duration(backoff)
}
