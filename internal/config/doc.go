// Package config loads pipeline configuration from the environment.
//
// Variables follow the Datadog and OpenTelemetry conventions, for example
// DD_SERVICE, DD_TRACE_AGENT_URL and OTEL_EXPORTER_OTLP_ENDPOINT. Values
// only select the export target and tag traces; they never change how
// spans are recorded.
//
//	cfg, err := config.Load()
//	if err != nil {
//	    return err
//	}
//	shared, err := exporter.Acquire(cfg.Pool(selected.Protocol, nil), logger)
package config
