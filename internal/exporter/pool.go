package exporter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/lambdatrace/internal/encoding"
	"github.com/vyrodovalexey/lambdatrace/internal/observability/logging"
	"github.com/vyrodovalexey/lambdatrace/internal/retry"
)

// OTLP transport protocols.
const (
	OTLPProtocolHTTP = "http/protobuf"
	OTLPProtocolGRPC = "grpc"
)

// PoolConfig selects and configures the process-wide transport.
type PoolConfig struct {
	// Protocol is the wire format of the linked encoder.
	Protocol encoding.Protocol

	// AgentURL is the trace agent for Datadog payloads.
	AgentURL string

	// OTLPEndpoint and OTLPProtocol address the collector for OTLP payloads.
	OTLPEndpoint string
	OTLPProtocol string

	// APIKey is forwarded to OTLP intakes.
	APIKey string

	// Timeout bounds one delivery attempt.
	Timeout time.Duration

	// Retry configures send attempts.
	Retry *retry.Config

	Breaker BreakerConfig

	// Registerer receives the exporter and retry metrics.
	Registerer prometheus.Registerer
}

// Shared is the state that outlives one invocation: the transport with its
// connections, the circuit breaker and the metrics.
type Shared struct {
	Transport    Transport
	Breaker      *gobreaker.CircuitBreaker
	Metrics      *Metrics
	RetryMetrics *retry.Metrics

	cfg    PoolConfig
	logger *zap.Logger
}

// NewExporter returns an Exporter for one invocation backed by the shared
// transport and breaker.
func (s *Shared) NewExporter() *Exporter {
	return New(s.Transport,
		WithLogger(s.logger),
		WithRetry(s.cfg.Retry),
		WithAttemptTimeout(s.cfg.Timeout),
		WithBreaker(s.Breaker),
		WithMetrics(s.Metrics, s.RetryMetrics),
	)
}

// NewTransport builds the transport matching cfg.Protocol.
func NewTransport(cfg PoolConfig, logger *zap.Logger) (Transport, error) {
	switch cfg.Protocol {
	case encoding.ProtocolDatadogJSON:
		return NewAgentTransport(HTTPConfig{
			Endpoint: cfg.AgentURL,
			Timeout:  cfg.Timeout,
			Logger:   logger,
		})
	case encoding.ProtocolOTLPProto:
		if cfg.OTLPProtocol == OTLPProtocolGRPC {
			return NewOTLPGRPCTransport(GRPCConfig{
				Endpoint: cfg.OTLPEndpoint,
				Insecure: true,
				APIKey:   cfg.APIKey,
			}), nil
		}
		return NewOTLPHTTPTransport(HTTPConfig{
			Endpoint: cfg.OTLPEndpoint,
			Timeout:  cfg.Timeout,
			APIKey:   cfg.APIKey,
			Logger:   logger,
		})
	default:
		return nil, fmt.Errorf("no transport for protocol %q", cfg.Protocol)
	}
}

// ErrPoolClosed is returned by Acquire after Shutdown.
var ErrPoolClosed = errors.New("exporter pool is shut down")

// Pool lazily builds the Shared state once per process.
type Pool struct {
	mu     sync.Mutex
	shared *Shared
	closed bool

	// build is replaced in tests.
	build func(PoolConfig, *zap.Logger) (Transport, error)
}

// Acquire returns the Shared state, building it on first use. Later calls
// return the same value whatever cfg they pass.
func (p *Pool) Acquire(cfg PoolConfig, logger *zap.Logger) (*Shared, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	if p.shared != nil {
		return p.shared, nil
	}

	logger = logging.OrNop(logger).With(logging.Component("exporter"))
	build := p.build
	if build == nil {
		build = NewTransport
	}
	transport, err := build(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build transport: %w", err)
	}

	metrics := NewMetrics(cfg.Registerer)
	p.shared = &Shared{
		Transport:    transport,
		Breaker:      NewBreaker(cfg.Breaker, logger, metrics),
		Metrics:      metrics,
		RetryMetrics: retry.NewMetrics(cfg.Registerer),
		cfg:          cfg,
		logger:       logger,
	}
	logger.Info("trace transport initialized",
		zap.String(logging.FieldTransport, transport.Name()),
		zap.String("protocol", string(cfg.Protocol)),
	)
	return p.shared, nil
}

// Shutdown closes the shared transport. It is safe to call more than once.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	if p.shared == nil {
		return nil
	}
	shared := p.shared
	p.shared = nil
	if err := shared.Transport.Close(ctx); err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}
	return nil
}

var defaultPool Pool

// Acquire returns the process-wide Shared state.
func Acquire(cfg PoolConfig, logger *zap.Logger) (*Shared, error) {
	return defaultPool.Acquire(cfg, logger)
}

// Shutdown closes the process-wide transport.
func Shutdown(ctx context.Context) error {
	return defaultPool.Shutdown(ctx)
}
