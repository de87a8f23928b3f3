package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/lambdatrace/internal/encoding"
	"github.com/vyrodovalexey/lambdatrace/internal/exporter"
	"github.com/vyrodovalexey/lambdatrace/internal/observability/logging"
	"github.com/vyrodovalexey/lambdatrace/internal/observability/metrics"
	"github.com/vyrodovalexey/lambdatrace/internal/retry"
)

// ErrInvalidConfig is returned when a loaded value is out of range.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all pipeline configuration.
type Config struct {
	Service ServiceConfig
	Export  ExportConfig
	Logging LogConfig
	Metrics MetricsConfig
}

// ServiceConfig holds the tags attached to every trace.
type ServiceConfig struct {
	Name    string `envconfig:"DD_SERVICE" default:"lambda"`
	Env     string `envconfig:"DD_ENV" default:"dev"`
	Version string `envconfig:"DD_VERSION"`
}

// ExportConfig holds the exporter target and its limits.
type ExportConfig struct {
	APIKey       string        `envconfig:"DD_API_KEY"`
	Site         string        `envconfig:"DD_SITE" default:"datadoghq.com"`
	AgentURL     string        `envconfig:"DD_TRACE_AGENT_URL" default:"http://localhost:8126"`
	OTLPEndpoint string        `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" default:"localhost:4318"`
	OTLPProtocol string        `envconfig:"OTEL_EXPORTER_OTLP_PROTOCOL" default:"http/protobuf"`
	SampleRate   float64       `envconfig:"DD_TRACE_SAMPLE_RATE" default:"1.0"`
	MaxAttempts  int           `envconfig:"TRACE_EXPORT_MAX_ATTEMPTS" default:"3"`
	Timeout      time.Duration `envconfig:"TRACE_EXPORT_TIMEOUT" default:"2s"`
	FlushTimeout time.Duration `envconfig:"TRACE_FLUSH_TIMEOUT" default:"500ms"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `envconfig:"DD_LOG_LEVEL" default:"info"`
}

// MetricsConfig holds the optional metrics endpoint. An empty Addr leaves
// it off.
type MetricsConfig struct {
	Addr string `envconfig:"TRACE_METRICS_ADDR"`
	Path string `envconfig:"TRACE_METRICS_PATH" default:"/metrics"`
}

// Load loads configuration from environment variables and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name: "lambda",
			Env:  "dev",
		},
		Export: ExportConfig{
			Site:         "datadoghq.com",
			AgentURL:     "http://localhost:8126",
			OTLPEndpoint: "localhost:4318",
			OTLPProtocol: exporter.OTLPProtocolHTTP,
			SampleRate:   1.0,
			MaxAttempts:  retry.DefaultMaxAttempts,
			Timeout:      exporter.DefaultTimeout,
			FlushTimeout: 500 * time.Millisecond,
		},
		Logging: LogConfig{
			Level: string(logging.LevelInfo),
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
	}
}

// Tags returns the encoder tags. scopeVersion is the build's version.
func (c *Config) Tags(scopeVersion string) encoding.Tags {
	return encoding.Tags{
		Service:      c.Service.Name,
		Env:          c.Service.Env,
		Version:      c.Service.Version,
		ScopeVersion: scopeVersion,
	}
}

// Retry returns the retry configuration for sends.
func (c *Config) Retry() *retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = c.Export.MaxAttempts
	return cfg
}

// Pool returns the exporter pool configuration for protocol.
func (c *Config) Pool(protocol encoding.Protocol, reg prometheus.Registerer) exporter.PoolConfig {
	return exporter.PoolConfig{
		Protocol:     protocol,
		AgentURL:     c.Export.AgentURL,
		OTLPEndpoint: c.Export.OTLPEndpoint,
		OTLPProtocol: c.Export.OTLPProtocol,
		APIKey:       c.Export.APIKey,
		Timeout:      c.Export.Timeout,
		Retry:        c.Retry(),
		Registerer:   reg,
	}
}

// Logger returns the logger configuration.
func (c *Config) Logger() *logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.Level(c.Logging.Level)
	return cfg
}

// MetricsServer returns the metrics server configuration, or nil when no
// address is set.
func (c *Config) MetricsServer() *metrics.ServerConfig {
	if c.Metrics.Addr == "" {
		return nil
	}
	cfg := metrics.DefaultServerConfig()
	cfg.Addr = c.Metrics.Addr
	if c.Metrics.Path != "" {
		cfg.Path = c.Metrics.Path
	}
	return cfg
}
