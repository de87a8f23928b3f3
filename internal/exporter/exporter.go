// Package exporter delivers encoded trace payloads to a backend with
// bounded retries, and tracks asynchronous sends so an invocation can
// flush them before it returns.
package exporter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/lambdatrace/internal/encoding"
	"github.com/vyrodovalexey/lambdatrace/internal/observability/logging"
	"github.com/vyrodovalexey/lambdatrace/internal/retry"
)

// Breaker defaults.
const (
	DefaultBreakerName        = "trace-export"
	DefaultBreakerFailures    = 5
	DefaultBreakerOpenTimeout = 30 * time.Second
)

// BreakerConfig configures the delivery circuit breaker.
type BreakerConfig struct {
	Name string

	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32

	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
}

// NewBreaker creates the circuit breaker guarding delivery attempts.
// Permanent failures and abandoned sends do not count against the endpoint.
func NewBreaker(cfg BreakerConfig, logger *zap.Logger, metrics *Metrics) *gobreaker.CircuitBreaker {
	logger = logging.OrNop(logger)
	if cfg.Name == "" {
		cfg.Name = DefaultBreakerName
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = DefaultBreakerFailures
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultBreakerOpenTimeout
	}

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrPermanentSend) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			metrics.recordBreaker(name, from, to)
		},
	})
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Exporter) {
		e.logger = logging.OrNop(logger)
	}
}

// WithRetry sets the retry configuration.
func WithRetry(cfg *retry.Config) Option {
	return func(e *Exporter) {
		e.retry = cfg
	}
}

// WithAttemptTimeout bounds each delivery attempt.
func WithAttemptTimeout(d time.Duration) Option {
	return func(e *Exporter) {
		if d > 0 {
			e.attemptTimeout = d
		}
	}
}

// WithBreaker sets a shared circuit breaker.
func WithBreaker(cb *gobreaker.CircuitBreaker) Option {
	return func(e *Exporter) {
		e.breaker = cb
	}
}

// WithMetrics sets the delivery and retry metrics.
func WithMetrics(m *Metrics, rm *retry.Metrics) Option {
	return func(e *Exporter) {
		e.metrics = m
		e.retryMetrics = rm
	}
}

// Exporter sends payloads over a Transport. Dispatch and Flush are meant
// for one invocation; the transport and breaker may be shared.
type Exporter struct {
	transport      Transport
	retry          *retry.Config
	attemptTimeout time.Duration
	breaker        *gobreaker.CircuitBreaker
	logger         *zap.Logger
	metrics        *Metrics
	retryMetrics   *retry.Metrics

	mu      sync.Mutex
	pending []*pendingSend
}

type pendingSend struct {
	spans  int
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// New creates an Exporter.
func New(transport Transport, opts ...Option) *Exporter {
	e := &Exporter{
		transport:      transport,
		retry:          retry.DefaultConfig(),
		attemptTimeout: DefaultTimeout,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.breaker == nil {
		e.breaker = NewBreaker(BreakerConfig{}, e.logger, e.metrics)
	}
	return e
}

// Send delivers payload synchronously. Only transient failures are retried,
// at most MaxAttempts times in total. An empty payload is not sent.
func (e *Exporter) Send(ctx context.Context, payload *encoding.Payload) error {
	if payload == nil || payload.SpanCount == 0 {
		return nil
	}

	name := e.transport.Name()
	e.metrics.recordPayload(name, len(payload.Body))

	start := time.Now()
	attempts, err := retry.Do(ctx, e.retry, func(ctx context.Context, _ int) error {
		return e.attempt(ctx, payload)
	}, &retry.Options{
		ShouldRetry: shouldRetry,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			e.logger.Debug("retrying trace delivery",
				zap.String(logging.FieldTransport, name),
				zap.Int(logging.FieldAttempt, attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
		},
		Operation: name,
		Metrics:   e.retryMetrics,
	})
	elapsed := time.Since(start)

	switch {
	case err == nil:
		e.metrics.recordSend(name, resultSent, payload.SpanCount, elapsed)
		return nil
	case ctx.Err() != nil:
		e.metrics.recordSend(name, resultAbandoned, payload.SpanCount, elapsed)
	case errors.Is(err, ErrPermanentSend):
		e.metrics.recordSend(name, resultRejected, payload.SpanCount, elapsed)
	default:
		e.metrics.recordSend(name, resultFailed, payload.SpanCount, elapsed)
	}
	e.logger.Debug("trace delivery failed",
		zap.String(logging.FieldTransport, name),
		zap.Int(logging.FieldAttempt, attempts),
		zap.Int(logging.FieldSpans, payload.SpanCount),
		zap.Error(err),
	)
	return fmt.Errorf("send after %d attempt(s): %w", attempts, err)
}

func (e *Exporter) attempt(ctx context.Context, payload *encoding.Payload) error {
	attemptCtx, cancel := context.WithTimeout(ctx, e.attemptTimeout)
	defer cancel()

	_, err := e.breaker.Execute(func() (interface{}, error) {
		return nil, e.transport.Deliver(attemptCtx, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return transient(0, err)
	}
	return err
}

// A breaker rejection is transient but retrying it inside one send only
// burns the flush budget.
func shouldRetry(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	return IsTransient(err)
}

// Dispatch starts an asynchronous Send and tracks it until Flush.
func (e *Exporter) Dispatch(payload *encoding.Payload) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &pendingSend{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if payload != nil {
		p.spans = payload.SpanCount
	}

	e.mu.Lock()
	e.pending = append(e.pending, p)
	e.mu.Unlock()

	go func() {
		defer close(p.done)
		defer cancel()
		p.err = e.Send(ctx, payload)
	}()
}

// Pending returns the number of dispatched sends not yet flushed.
func (e *Exporter) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Flush waits up to timeout for every dispatched send. Sends still running
// at the deadline are canceled and ErrPartialFlush is returned, joined with
// any errors from sends that did complete.
func (e *Exporter) Flush(timeout time.Duration) error {
	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var errs []error
	for i, p := range pending {
		select {
		case <-p.done:
			if p.err != nil {
				errs = append(errs, p.err)
			}
		case <-timer.C:
			return e.abandon(pending[i:], len(pending), errs)
		}
	}
	return errors.Join(errs...)
}

func (e *Exporter) abandon(rest []*pendingSend, total int, errs []error) error {
	abandoned, spans := 0, 0
	for _, p := range rest {
		select {
		case <-p.done:
			if p.err != nil {
				errs = append(errs, p.err)
			}
		default:
			p.cancel()
			abandoned++
			spans += p.spans
		}
	}
	if abandoned == 0 {
		return errors.Join(errs...)
	}

	e.metrics.recordPartialFlush()
	e.logger.Warn("flush deadline reached, abandoning pending sends",
		zap.String(logging.FieldTransport, e.transport.Name()),
		zap.Int("abandoned", abandoned),
		zap.Int(logging.FieldSpans, spans),
	)
	partial := fmt.Errorf("%w: %d of %d send(s) abandoned", ErrPartialFlush, abandoned, total)
	return errors.Join(append([]error{partial}, errs...)...)
}
