// Package metrics builds the Prometheus registry of the pipeline and
// optionally serves it over HTTP.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/lambdatrace/internal/observability/logging"
)

// ServerConfig holds configuration for the metrics server.
type ServerConfig struct {
	// Addr is the listen address, for example "127.0.0.1:9091".
	Addr string

	// Path is the path to serve metrics on.
	Path string

	// ReadTimeout is the read timeout for the server.
	ReadTimeout time.Duration

	// WriteTimeout is the write timeout for the server.
	WriteTimeout time.Duration
}

// DefaultServerConfig returns a ServerConfig with default values.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Addr:         "127.0.0.1:9091",
		Path:         "/metrics",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// NewRegistry returns a registry with the Go runtime and process
// collectors registered.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Server exposes a registry over HTTP. Lambda invocations are not reachable
// from outside, so the server is meant for local emulators and sidecars.
type Server struct {
	config   *ServerConfig
	logger   *zap.Logger
	gatherer prometheus.Gatherer

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer creates a metrics server for gatherer.
func NewServer(config *ServerConfig, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		config:   config,
		logger:   logging.OrNop(logger).With(logging.Component("metrics")),
		gatherer: gatherer,
	}
}

// Handler returns the Prometheus HTTP handler for the server's gatherer.
func (s *Server) Handler() http.Handler {
	return promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
		ErrorLog:            &zapErrorLogger{logger: s.logger},
		ErrorHandling:       promhttp.ContinueOnError,
		MaxRequestsInFlight: 10,
		Timeout:             s.config.WriteTimeout,
		EnableOpenMetrics:   true,
	})
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.New("metrics server already started")
	}

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle(s.config.Path, s.Handler())

	s.listener = ln
	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("starting metrics server",
		zap.String(logging.FieldEndpoint, ln.Addr().String()),
		zap.String(logging.FieldPath, s.config.Path),
	)

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down. It is safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	s.logger.Info("stopping metrics server")
	return srv.Shutdown(ctx)
}

// zapErrorLogger adapts zap.Logger to the promhttp.Logger interface.
type zapErrorLogger struct {
	logger *zap.Logger
}

// Println implements promhttp.Logger.
func (l *zapErrorLogger) Println(v ...interface{}) {
	l.logger.Error(fmt.Sprint(v...))
}
