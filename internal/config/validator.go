package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/vyrodovalexey/lambdatrace/internal/exporter"
)

// MaxAttemptsLimit caps TRACE_EXPORT_MAX_ATTEMPTS.
const MaxAttemptsLimit = 10

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Is matches ErrInvalidConfig.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Validate checks every value and reports all problems at once.
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(path, format string, args ...any) {
		errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(c.Service.Name) == "" {
		add("DD_SERVICE", "must not be empty")
	}

	if c.Export.SampleRate < 0 || c.Export.SampleRate > 1 {
		add("DD_TRACE_SAMPLE_RATE", "must be between 0 and 1, got %v", c.Export.SampleRate)
	}
	if c.Export.MaxAttempts < 1 || c.Export.MaxAttempts > MaxAttemptsLimit {
		add("TRACE_EXPORT_MAX_ATTEMPTS", "must be between 1 and %d, got %d", MaxAttemptsLimit, c.Export.MaxAttempts)
	}
	if c.Export.Timeout <= 0 {
		add("TRACE_EXPORT_TIMEOUT", "must be positive, got %s", c.Export.Timeout)
	}
	if c.Export.FlushTimeout <= 0 {
		add("TRACE_FLUSH_TIMEOUT", "must be positive, got %s", c.Export.FlushTimeout)
	}

	switch c.Export.OTLPProtocol {
	case exporter.OTLPProtocolHTTP, exporter.OTLPProtocolGRPC:
	default:
		add("OTEL_EXPORTER_OTLP_PROTOCOL", "must be %q or %q, got %q",
			exporter.OTLPProtocolHTTP, exporter.OTLPProtocolGRPC, c.Export.OTLPProtocol)
	}
	if c.Export.OTLPEndpoint == "" {
		add("OTEL_EXPORTER_OTLP_ENDPOINT", "must not be empty")
	}

	if u, err := url.Parse(c.Export.AgentURL); err != nil {
		add("DD_TRACE_AGENT_URL", "invalid url: %v", err)
	} else if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "unix" {
		add("DD_TRACE_AGENT_URL", "unsupported scheme %q", u.Scheme)
	}

	if c.Export.Site == "" || strings.ContainsAny(c.Export.Site, "/: ") {
		add("DD_SITE", "must be a bare host name, got %q", c.Export.Site)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "warning", "error", "critical", "off":
	default:
		add("DD_LOG_LEVEL", "unknown level %q", c.Logging.Level)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
