package exporter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/lambdatrace/internal/encoding"
)

// Endpoint paths.
const (
	AgentTracesPath = "/v0.3/traces"
	OTLPTracesPath  = "/v1/traces"
)

// Header names sent to the agent and intake.
const (
	HeaderMetaLang        = "Datadog-Meta-Lang"
	HeaderMetaLangVersion = "Datadog-Meta-Lang-Version"
	HeaderMetaTracer      = "Datadog-Meta-Tracer-Version"
	HeaderTraceCount      = "X-Datadog-Trace-Count"
	HeaderAPIKey          = "DD-API-KEY"
)

// TracerVersion is reported to the agent.
const TracerVersion = "0.1.0"

// DefaultTimeout bounds one delivery attempt when no timeout is configured.
const DefaultTimeout = 2 * time.Second

// ErrProtocolMismatch is returned when a payload reaches a transport that
// cannot carry its wire format.
var ErrProtocolMismatch = errors.New("payload protocol not supported by transport")

// Transport delivers one encoded payload to a trace backend.
type Transport interface {
	// Name identifies the transport in logs and metrics.
	Name() string

	// Deliver performs one attempt. Failures are *SendError values.
	Deliver(ctx context.Context, payload *encoding.Payload) error

	// Close releases connections. It is called once at process shutdown.
	Close(ctx context.Context) error
}

// HTTPConfig configures the resty based transports.
type HTTPConfig struct {
	// Endpoint is a URL. The agent transport also accepts unix:// URLs.
	Endpoint string

	// Timeout bounds one request.
	Timeout time.Duration

	// APIKey is sent as DD-API-KEY when set.
	APIKey string

	Logger *zap.Logger
}

// AgentTransport posts Datadog v0.3 JSON to a trace agent.
type AgentTransport struct {
	client *resty.Client
}

var _ Transport = (*AgentTransport)(nil)

// NewAgentTransport creates an AgentTransport. A unix:// endpoint dials the
// socket path and sends requests with a placeholder host.
func NewAgentTransport(cfg HTTPConfig) (*AgentTransport, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid agent url %q: %w", cfg.Endpoint, err)
	}

	client := newClient(cfg)
	switch u.Scheme {
	case "unix":
		socket := u.Path
		if socket == "" {
			return nil, fmt.Errorf("invalid agent url %q: missing socket path", cfg.Endpoint)
		}
		dialer := &net.Dialer{Timeout: timeoutOrDefault(cfg.Timeout)}
		client.SetTransport(&http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return dialer.DialContext(ctx, "unix", socket)
			},
		})
		client.SetBaseURL("http://localhost")
	case "http", "https":
		client.SetBaseURL(strings.TrimSuffix(u.String(), "/"))
	default:
		return nil, fmt.Errorf("invalid agent url %q: unsupported scheme %q", cfg.Endpoint, u.Scheme)
	}

	client.SetHeaders(map[string]string{
		HeaderMetaLang:        "go",
		HeaderMetaLangVersion: strings.TrimPrefix(runtime.Version(), "go"),
		HeaderMetaTracer:      TracerVersion,
	})

	return &AgentTransport{client: client}, nil
}

// Name implements Transport.
func (t *AgentTransport) Name() string { return "agent" }

// Deliver implements Transport.
func (t *AgentTransport) Deliver(ctx context.Context, payload *encoding.Payload) error {
	if payload.Protocol != encoding.ProtocolDatadogJSON {
		return permanent(0, fmt.Errorf("%w: %s over %s", ErrProtocolMismatch, payload.Protocol, t.Name()))
	}
	resp, err := t.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", payload.ContentType).
		SetHeader(HeaderTraceCount, strconv.Itoa(payload.TraceCount)).
		SetBody(payload.Body).
		Post(AgentTracesPath)
	if err != nil {
		return classifyTransportError(err)
	}
	return classifyHTTP(resp.StatusCode(), resp.String())
}

// Close implements Transport.
func (t *AgentTransport) Close(context.Context) error {
	t.client.GetClient().CloseIdleConnections()
	return nil
}

// OTLPHTTPTransport posts OTLP protobuf to a collector or intake.
type OTLPHTTPTransport struct {
	client *resty.Client
	url    string
}

var _ Transport = (*OTLPHTTPTransport)(nil)

// NewOTLPHTTPTransport creates an OTLPHTTPTransport. A bare host:port
// endpoint is treated as plain http.
func NewOTLPHTTPTransport(cfg HTTPConfig) (*OTLPHTTPTransport, error) {
	endpoint := cfg.Endpoint
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid otlp endpoint %q: %w", cfg.Endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid otlp endpoint %q: unsupported scheme %q", cfg.Endpoint, u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = OTLPTracesPath
	}

	client := newClient(cfg)
	if cfg.APIKey != "" {
		client.SetHeader(HeaderAPIKey, cfg.APIKey)
	}
	return &OTLPHTTPTransport{client: client, url: u.String()}, nil
}

// Name implements Transport.
func (t *OTLPHTTPTransport) Name() string { return "otlp_http" }

// Deliver implements Transport.
func (t *OTLPHTTPTransport) Deliver(ctx context.Context, payload *encoding.Payload) error {
	if payload.Protocol != encoding.ProtocolOTLPProto {
		return permanent(0, fmt.Errorf("%w: %s over %s", ErrProtocolMismatch, payload.Protocol, t.Name()))
	}
	resp, err := t.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", encoding.ContentTypeProtobuf).
		SetBody(payload.Body).
		Post(t.url)
	if err != nil {
		return classifyTransportError(err)
	}
	return classifyHTTP(resp.StatusCode(), resp.String())
}

// Close implements Transport.
func (t *OTLPHTTPTransport) Close(context.Context) error {
	t.client.GetClient().CloseIdleConnections()
	return nil
}

func newClient(cfg HTTPConfig) *resty.Client {
	client := resty.New().
		SetTimeout(timeoutOrDefault(cfg.Timeout)).
		SetRetryCount(0)
	if cfg.Logger != nil {
		client.SetLogger(cfg.Logger.Sugar())
	}
	return client
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTimeout
	}
	return d
}
