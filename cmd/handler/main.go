// Package main is the AWS Lambda entry point for an API Gateway handler
// traced by lambdatrace.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/lambdatrace/internal/config"
	"github.com/vyrodovalexey/lambdatrace/internal/observability/logging"
	"github.com/vyrodovalexey/lambdatrace/internal/observability/metrics"
)

// Version information (set at build time).
var (
	version   = "dev"
	gitCommit = "unknown"
)

// shutdownTimeout bounds transport teardown after SIGTERM.
const shutdownTimeout = 500 * time.Millisecond

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting lambdatrace handler",
		zap.String(logging.FieldVersion, version),
		zap.String("commit", gitCommit),
		zap.String(logging.FieldService, cfg.Service.Name),
		zap.String(logging.FieldEnvironment, cfg.Service.Env),
	)

	registry := metrics.NewRegistry()
	metricsServer := startMetricsServer(cfg, registry, logger.Logger)

	app := newApplication(cfg, logger.Logger, registry)
	lambda.StartHandlerFunc(app.Handle, lambda.WithEnableSIGTERM(func() {
		shutdown(app, metricsServer, logger.Logger)
	}))
}

// startMetricsServer serves the registry when TRACE_METRICS_ADDR is set.
// A failure to bind is logged and the handler runs without it.
func startMetricsServer(cfg *config.Config, gatherer prometheus.Gatherer, logger *zap.Logger) *metrics.Server {
	serverCfg := cfg.MetricsServer()
	if serverCfg == nil {
		return nil
	}
	srv := metrics.NewServer(serverCfg, gatherer, logger)
	if err := srv.Start(); err != nil {
		logger.Warn("metrics server disabled", zap.Error(err))
		return nil
	}
	return srv
}

// initLogger initializes the logger.
func initLogger(cfg *config.Config) *logging.Logger {
	logger, err := logging.New(cfg.Logger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// shutdown closes the shared trace transport and the metrics server before
// the process exits.
func shutdown(app *application, metricsServer *metrics.Server, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	logger.Info("received SIGTERM, closing trace transport")
	if err := app.Close(ctx); err != nil {
		logger.Warn("failed to close trace transport", zap.Error(err))
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(ctx); err != nil {
			logger.Warn("failed to stop metrics server", zap.Error(err))
		}
	}
	_ = logger.Sync()
}
