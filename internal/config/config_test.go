package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/lambdatrace/internal/encoding"
	"github.com/vyrodovalexey/lambdatrace/internal/exporter"
	"github.com/vyrodovalexey/lambdatrace/internal/observability/logging"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("DD_SERVICE", "checkout")
	t.Setenv("DD_ENV", "prod")
	t.Setenv("DD_VERSION", "1.4.2")
	t.Setenv("DD_API_KEY", "secret")
	t.Setenv("DD_SITE", "datadoghq.eu")
	t.Setenv("DD_TRACE_AGENT_URL", "unix:///var/run/datadog/apm.socket")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	t.Setenv("DD_TRACE_SAMPLE_RATE", "0.25")
	t.Setenv("TRACE_EXPORT_MAX_ATTEMPTS", "5")
	t.Setenv("TRACE_EXPORT_TIMEOUT", "750ms")
	t.Setenv("TRACE_FLUSH_TIMEOUT", "1s")
	t.Setenv("DD_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ServiceConfig{Name: "checkout", Env: "prod", Version: "1.4.2"}, cfg.Service)
	assert.Equal(t, "secret", cfg.Export.APIKey)
	assert.Equal(t, "datadoghq.eu", cfg.Export.Site)
	assert.Equal(t, "unix:///var/run/datadog/apm.socket", cfg.Export.AgentURL)
	assert.Equal(t, "collector:4317", cfg.Export.OTLPEndpoint)
	assert.Equal(t, exporter.OTLPProtocolGRPC, cfg.Export.OTLPProtocol)
	assert.Equal(t, 0.25, cfg.Export.SampleRate)
	assert.Equal(t, 5, cfg.Export.MaxAttempts)
	assert.Equal(t, 750*time.Millisecond, cfg.Export.Timeout)
	assert.Equal(t, time.Second, cfg.Export.FlushTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_ParseError(t *testing.T) {
	t.Setenv("TRACE_EXPORT_TIMEOUT", "soon")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestLoad_InvalidValue(t *testing.T) {
	t.Setenv("DD_TRACE_SAMPLE_RATE", "1.5")

	_, err := Load()
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "DD_TRACE_SAMPLE_RATE")
}

func TestConfig_Derived(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Service.Version = "2.0.0"
	cfg.Export.MaxAttempts = 4
	cfg.Export.APIKey = "k"
	cfg.Logging.Level = "warn"

	tags := cfg.Tags("0.3.0")
	assert.Equal(t, encoding.Tags{Service: "lambda", Env: "dev", Version: "2.0.0", ScopeVersion: "0.3.0"}, tags)

	assert.Equal(t, 4, cfg.Retry().MaxAttempts)

	pool := cfg.Pool(encoding.ProtocolOTLPProto, nil)
	assert.Equal(t, encoding.ProtocolOTLPProto, pool.Protocol)
	assert.Equal(t, "http://localhost:8126", pool.AgentURL)
	assert.Equal(t, "localhost:4318", pool.OTLPEndpoint)
	assert.Equal(t, "k", pool.APIKey)
	assert.Equal(t, 2*time.Second, pool.Timeout)
	assert.Equal(t, 4, pool.Retry.MaxAttempts)

	assert.Equal(t, logging.LevelWarn, cfg.Logger().Level)

	assert.Nil(t, cfg.MetricsServer())
	cfg.Metrics.Addr = "127.0.0.1:9100"
	srv := cfg.MetricsServer()
	require.NotNil(t, srv)
	assert.Equal(t, "127.0.0.1:9100", srv.Addr)
	assert.Equal(t, "/metrics", srv.Path)
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		mutate   func(*Config)
		wantPath string
	}{
		{"defaults", func(*Config) {}, ""},
		{"empty service", func(c *Config) { c.Service.Name = " " }, "DD_SERVICE"},
		{"negative rate", func(c *Config) { c.Export.SampleRate = -0.1 }, "DD_TRACE_SAMPLE_RATE"},
		{"zero rate", func(c *Config) { c.Export.SampleRate = 0 }, ""},
		{"zero attempts", func(c *Config) { c.Export.MaxAttempts = 0 }, "TRACE_EXPORT_MAX_ATTEMPTS"},
		{"too many attempts", func(c *Config) { c.Export.MaxAttempts = 11 }, "TRACE_EXPORT_MAX_ATTEMPTS"},
		{"zero timeout", func(c *Config) { c.Export.Timeout = 0 }, "TRACE_EXPORT_TIMEOUT"},
		{"zero flush timeout", func(c *Config) { c.Export.FlushTimeout = 0 }, "TRACE_FLUSH_TIMEOUT"},
		{"bad otlp protocol", func(c *Config) { c.Export.OTLPProtocol = "http/json" }, "OTEL_EXPORTER_OTLP_PROTOCOL"},
		{"empty otlp endpoint", func(c *Config) { c.Export.OTLPEndpoint = "" }, "OTEL_EXPORTER_OTLP_ENDPOINT"},
		{"bad agent scheme", func(c *Config) { c.Export.AgentURL = "tcp://agent:8126" }, "DD_TRACE_AGENT_URL"},
		{"unix agent", func(c *Config) { c.Export.AgentURL = "unix:///var/run/datadog/apm.socket" }, ""},
		{"site with scheme", func(c *Config) { c.Export.Site = "https://datadoghq.com" }, "DD_SITE"},
		{"unknown level", func(c *Config) { c.Logging.Level = "loud" }, "DD_LOG_LEVEL"},
		{"datadog level spelling", func(c *Config) { c.Logging.Level = "WARNING" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantPath == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))

			var errs ValidationErrors
			require.ErrorAs(t, err, &errs)
			require.Len(t, errs, 1)
			assert.Equal(t, tt.wantPath, errs[0].Path)
		})
	}
}

func TestValidationErrors_Error(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "no validation errors", ValidationErrors{}.Error())
	assert.Equal(t, "A: bad", ValidationErrors{{Path: "A", Message: "bad"}}.Error())
	assert.Equal(t, "bad", (&ValidationError{Message: "bad"}).Error())

	multi := ValidationErrors{{Path: "A", Message: "x"}, {Path: "B", Message: "y"}}.Error()
	assert.Contains(t, multi, "2 validation errors")
	assert.Contains(t, multi, "2. B: y")
}
