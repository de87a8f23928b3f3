package exporter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"

	"github.com/vyrodovalexey/lambdatrace/internal/encoding"
)

// ErrTransportClosed is returned by Deliver after Close.
var ErrTransportClosed = errors.New("transport closed")

// GRPCConfig configures the OTLP/gRPC transport.
type GRPCConfig struct {
	// Endpoint is host:port of the collector.
	Endpoint string

	// Insecure disables TLS.
	Insecure bool

	// APIKey is sent as DD-API-KEY metadata when set.
	APIKey string

	// DialOptions are appended to the client's dial options.
	DialOptions []grpc.DialOption
}

// OTLPGRPCTransport uploads OTLP resource spans over gRPC. The connection
// is opened on first use and kept for the life of the process.
type OTLPGRPCTransport struct {
	client otlptrace.Client

	mu      sync.Mutex
	started bool
	closed  bool
}

var _ Transport = (*OTLPGRPCTransport)(nil)

// NewOTLPGRPCTransport creates an OTLPGRPCTransport. Retries are handled by
// the Exporter, so the client's own retry loop is disabled.
func NewOTLPGRPCTransport(cfg GRPCConfig) *OTLPGRPCTransport {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithRetry(otlptracegrpc.RetryConfig{Enabled: false}),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if cfg.APIKey != "" {
		opts = append(opts, otlptracegrpc.WithHeaders(map[string]string{HeaderAPIKey: cfg.APIKey}))
	}
	if len(cfg.DialOptions) > 0 {
		opts = append(opts, otlptracegrpc.WithDialOption(cfg.DialOptions...))
	}
	return &OTLPGRPCTransport{client: otlptracegrpc.NewClient(opts...)}
}

// Name implements Transport.
func (t *OTLPGRPCTransport) Name() string { return "otlp_grpc" }

func (t *OTLPGRPCTransport) start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}
	if t.started {
		return nil
	}
	if err := t.client.Start(ctx); err != nil {
		return fmt.Errorf("failed to start otlp grpc client: %w", err)
	}
	t.started = true
	return nil
}

// Deliver implements Transport. Payloads that only carry a body are
// decoded back into resource spans.
func (t *OTLPGRPCTransport) Deliver(ctx context.Context, payload *encoding.Payload) error {
	if payload.Protocol != encoding.ProtocolOTLPProto {
		return permanent(0, fmt.Errorf("%w: %s over %s", ErrProtocolMismatch, payload.Protocol, t.Name()))
	}
	if err := t.start(ctx); err != nil {
		if errors.Is(err, ErrTransportClosed) {
			return permanent(0, err)
		}
		return transient(0, err)
	}

	rs := payload.ResourceSpans
	if rs == nil && len(payload.Body) > 0 {
		req := &coltracepb.ExportTraceServiceRequest{}
		if err := proto.Unmarshal(payload.Body, req); err != nil {
			return permanent(0, fmt.Errorf("failed to decode payload: %w", err))
		}
		rs = req.ResourceSpans
	}
	if len(rs) == 0 {
		return nil
	}
	return classifyGRPC(t.client.UploadTraces(ctx, rs))
}

// Close implements Transport. A transport that never sent anything has no
// connection to close.
func (t *OTLPGRPCTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	if !t.started {
		return nil
	}
	return t.client.Stop(ctx)
}
