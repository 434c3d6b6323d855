package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coachpo/livesession/internal/config"
	"github.com/coachpo/livesession/internal/control"
	"github.com/coachpo/livesession/internal/observability"
	"github.com/coachpo/livesession/internal/sequence"
	"github.com/coachpo/livesession/internal/session"
	"github.com/coachpo/livesession/internal/stream"
	"github.com/coachpo/livesession/internal/supervisor"
	"github.com/coachpo/livesession/internal/telemetry"
)

const (
	telemetryShutdownTimeout = 5 * time.Second
	stopTimeout              = 10 * time.Second
	streamMeterName          = "livesession/stream"
)

// app carries the dependencies shared by every subcommand.
type app struct {
	cfg       config.AppConfig
	logger    observability.Logger
	telemetry *telemetry.Provider
	client    *control.Client
}

func (a *app) init(ctx context.Context, configPath string, debug bool) error {
	path := strings.TrimSpace(configPath)
	if path == "" {
		path = defaultConfigPath
	}
	cfg, err := config.LoadOrDefault(ctx, path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	a.cfg = cfg

	zl := observability.NewZerolog(observability.LogConfig{
		Level:      cfg.Logging.Level,
		Console:    cfg.Logging.Console,
		JSON:       cfg.Logging.JSON,
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	a.logger = observability.NewZerologLogger(zl)
	observability.SetLogger(a.logger)
	a.logger.Debug("configuration initialised",
		observability.F("env", string(cfg.Environment)),
		observability.F("control", cfg.Control.BaseURL),
		observability.F("transport", cfg.Stream.Transport),
	)

	provider, err := initTelemetry(ctx, a.logger, cfg)
	if err != nil {
		return err
	}
	a.telemetry = provider

	client, err := control.NewClient(control.Config{
		BaseURL:   cfg.Control.BaseURL,
		Timeout:   cfg.Control.Timeout.Std(),
		RateLimit: cfg.Control.RateLimit,
		Burst:     cfg.Control.Burst,
		Logger:    a.logger,
	})
	if err != nil {
		return fmt.Errorf("control client: %w", err)
	}
	a.client = client
	return nil
}

func initTelemetry(ctx context.Context, logger observability.Logger, cfg config.AppConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.Enabled = telemetryCfg.Enabled || cfg.Telemetry.Enabled
	if cfg.Telemetry.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	if cfg.Telemetry.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.Telemetry.ServiceName
	}
	telemetryCfg.Environment = string(cfg.Environment)
	telemetryCfg.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.Telemetry.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Info("telemetry initialized",
			observability.F("endpoint", telemetryCfg.OTLPEndpoint),
			observability.F("service", telemetryCfg.ServiceName),
		)
	} else {
		logger.Debug("telemetry disabled")
	}
	return provider, nil
}

// controller wires a session controller whose stream loops live under ctx.
func (a *app) controller(ctx context.Context) (*session.Controller, error) {
	kind, err := stream.ParseKind(a.cfg.Stream.Transport)
	if err != nil {
		return nil, err
	}
	transports, err := stream.NewFactory(kind, stream.Options{
		IdleTimeout:   a.cfg.Stream.IdleTimeout.Std(),
		MaxFrameBytes: a.cfg.Stream.MaxFrameBytes,
		Logger:        a.logger,
	})
	if err != nil {
		return nil, err
	}
	metrics, err := telemetry.NewStreamMetrics(a.telemetry.Meter(streamMeterName), string(kind))
	if err != nil {
		return nil, fmt.Errorf("stream metrics: %w", err)
	}

	reconnect := supervisor.Config{
		BaseDelay:   a.cfg.Reconnect.BaseDelay.Std(),
		MaxDelay:    a.cfg.Reconnect.MaxDelay.Std(),
		Jitter:      a.cfg.Reconnect.Jitter,
		ResyncOnGap: a.cfg.Reconnect.ResyncOnGap,
	}
	window := a.cfg.Reconnect.AnomalyWindow
	pipelines := func(sessionID string) session.Pipeline {
		build := session.SupervisedPipelines(reconnect, transports, a.client,
			supervisor.WithLogger(a.logger),
			supervisor.WithMetrics(metrics),
			supervisor.WithTracker(sequence.NewTracker(window)),
			supervisor.WithLifecycleContext(ctx),
		)
		return build(sessionID)
	}

	return session.NewController(a.client, pipelines,
		session.WithLogger(a.logger),
		session.WithURLTemplate(a.cfg.Stream.URLFor),
	), nil
}

func (a *app) shutdown() error {
	if a.telemetry == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()
	if err := a.telemetry.Shutdown(ctx); err != nil {
		return observability.AggregateErrors(a.logger, "shutdown", []error{fmt.Errorf("telemetry: %w", err)})
	}
	return nil
}
