package relayd

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nhbrelay/config"
	"nhbrelay/observability/logging"
	telemetry "nhbrelay/observability/otel"
)

// Main initialises and runs the relay daemon.
func Main(passphrase PassphraseFunc) error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", os.Getenv("RELAYD_CONFIG"), "path to relayd configuration (yaml or toml)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser := logging.SetupWithOptions(logging.Options{
		Service: "relayd",
		Env:     cfg.Env,
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
	})
	defer func() { _ = logCloser.Close() }()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv(telemetry.Config{
		ServiceName: "relayd",
		Environment: cfg.Env,
		Endpoint:    cfg.Observability.Endpoint,
		Insecure:    cfg.Observability.Insecure,
		Headers:     cfg.Observability.Headers,
		Metrics:     cfg.Observability.Metrics,
		Traces:      cfg.Observability.Tracing,
		SampleRatio: cfg.Observability.SampleRatio,
	}))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			logger.Warn("telemetry shutdown", slog.Any("error", err))
		}
	}()

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	service, err := New(stopCtx, cfg, WithLogger(logger), WithPassphrase(passphrase))
	if err != nil {
		return err
	}
	defer func() {
		if err := service.Close(); err != nil {
			logger.Warn("close relay resources", slog.Any("error", err))
		}
	}()
	return service.Run(stopCtx)
}
