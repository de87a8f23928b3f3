package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/lambdatrace/internal/config"
	"github.com/vyrodovalexey/lambdatrace/internal/encoding"
	"github.com/vyrodovalexey/lambdatrace/internal/encoding/selected"
	"github.com/vyrodovalexey/lambdatrace/internal/exporter"
	"github.com/vyrodovalexey/lambdatrace/internal/observability/logging"
	"github.com/vyrodovalexey/lambdatrace/internal/pipeline"
	"github.com/vyrodovalexey/lambdatrace/internal/propagation"
	"github.com/vyrodovalexey/lambdatrace/internal/span"
)

// Environment variables read by the handler itself.
const (
	envDownstreamURL     = "DOWNSTREAM_URL"
	envDownstreamTimeout = "DOWNSTREAM_TIMEOUT"
)

// response is the JSON body returned to API Gateway.
type response struct {
	RequestID        string `json:"request_id"`
	TraceID          string `json:"trace_id,omitempty"`
	DownstreamStatus int    `json:"downstream_status,omitempty"`
	Error            string `json:"error,omitempty"`
}

// application holds the state that survives between invocations of a warm
// container.
type application struct {
	cfg        *config.Config
	logger     *zap.Logger
	propagator *propagation.Propagator
	encoder    encoding.Strategy
	metrics    *encoding.Metrics
	poolConfig exporter.PoolConfig

	acquire func(exporter.PoolConfig, *zap.Logger) (*exporter.Shared, error)
	release func(context.Context) error

	downstreamURL     string
	downstreamTimeout time.Duration
	baseTransport     http.RoundTripper

	warm atomic.Bool
}

// newApplication wires the pipeline dependencies from cfg. The exporter
// transport is built lazily by the first invocation.
func newApplication(cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) *application {
	logger = logging.OrNop(logger)
	return &application{
		cfg:        cfg,
		logger:     logger,
		propagator: propagation.New(propagation.WithSampleRate(cfg.Export.SampleRate)),
		encoder:    selected.New(cfg.Tags(version)),
		metrics:    encoding.NewMetrics(reg),
		poolConfig: cfg.Pool(selected.Protocol, reg),
		acquire:    exporter.Acquire,
		release:    exporter.Shutdown,

		downstreamURL:     getEnvOrDefault(envDownstreamURL, ""),
		downstreamTimeout: getEnvDuration(envDownstreamTimeout, 2*time.Second),
		baseTransport:     http.DefaultTransport,
	}
}

// Handle serves one API Gateway proxy event under a trace.
func (a *application) Handle(
	ctx context.Context,
	req events.APIGatewayProxyRequest,
) (events.APIGatewayProxyResponse, error) {
	requestID := invocationID(ctx, req)
	coordinator := pipeline.New(pipeline.Deps{
		Propagator: a.propagator,
		Encoder:    a.encoder,
		Sender:     a.sender(),
		Logger:     a.logger,
		Metrics:    a.metrics,
	}, pipeline.WithFlushTimeout(a.cfg.Export.FlushTimeout))

	in := pipeline.Inbound{
		Headers:   req.Headers,
		RequestID: requestID,
		Method:    req.HTTPMethod,
		Path:      req.Path,
		ColdStart: !a.warm.Swap(true),
	}
	return pipeline.Run(ctx, coordinator, in, func(ctx context.Context) (events.APIGatewayProxyResponse, int, error) {
		resp := a.serve(ctx, coordinator, requestID)
		return resp, resp.StatusCode, nil
	})
}

// sender returns an exporter for one invocation, or nil when the shared
// transport cannot be built. Tracing then degrades to a logged warning.
func (a *application) sender() pipeline.Sender {
	shared, err := a.acquire(a.poolConfig, a.logger)
	if err != nil {
		a.logger.Warn("trace export disabled for invocation", zap.Error(err))
		return nil
	}
	return shared.NewExporter()
}

func (a *application) serve(ctx context.Context, c *pipeline.Coordinator, requestID string) events.APIGatewayProxyResponse {
	body := response{RequestID: requestID}
	if sc := span.HandleFromContext(ctx).SpanContext(); sc.IsValid() {
		body.TraceID = sc.TraceID().String()
	}

	status := http.StatusOK
	if a.downstreamURL != "" {
		code, err := a.callDownstream(ctx, c)
		body.DownstreamStatus = code
		if err != nil {
			a.logger.Warn("downstream call failed",
				logging.RequestID(requestID),
				zap.String(logging.FieldEndpoint, a.downstreamURL),
				zap.Error(err),
			)
			status = http.StatusBadGateway
			body.Error = err.Error()
		}
	}
	return jsonResponse(status, body)
}

// callDownstream performs a GET through the coordinator's round tripper, so
// the request is recorded as a client span and carries the trace headers.
func (a *application) callDownstream(ctx context.Context, c *pipeline.Coordinator) (int, error) {
	client := resty.NewWithClient(&http.Client{
		Transport: c.RoundTripper(a.baseTransport),
		Timeout:   a.downstreamTimeout,
	})
	resp, err := client.R().SetContext(ctx).Get(a.downstreamURL)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode() >= http.StatusInternalServerError {
		return resp.StatusCode(), &downstreamError{status: resp.StatusCode()}
	}
	return resp.StatusCode(), nil
}

type downstreamError struct {
	status int
}

func (e *downstreamError) Error() string {
	return "downstream returned " + http.StatusText(e.status)
}

// Close tears down the shared trace transport.
func (a *application) Close(ctx context.Context) error {
	return a.release(ctx)
}

// invocationID prefers the Lambda request id, then the API Gateway one, and
// generates an id when both are missing.
func invocationID(ctx context.Context, req events.APIGatewayProxyRequest) string {
	if lc, ok := lambdacontext.FromContext(ctx); ok && lc.AwsRequestID != "" {
		return lc.AwsRequestID
	}
	if req.RequestContext.RequestID != "" {
		return req.RequestContext.RequestID
	}
	return uuid.New().String()
}

func jsonResponse(status int, body response) events.APIGatewayProxyResponse {
	raw, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		raw = []byte(`{"error":"internal server error"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(raw),
	}
}
