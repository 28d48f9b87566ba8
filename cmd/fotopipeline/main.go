package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/erni-foto/pipeline/internal/api"
	"github.com/erni-foto/pipeline/internal/archive"
	"github.com/erni-foto/pipeline/internal/library"
	"github.com/erni-foto/pipeline/internal/pipeline"
	"github.com/erni-foto/pipeline/internal/session"
	"github.com/erni-foto/pipeline/internal/stages"
	"github.com/erni-foto/pipeline/pkg/config"
	"github.com/erni-foto/pipeline/pkg/logging"
	"github.com/erni-foto/pipeline/pkg/metrics"
	"github.com/erni-foto/pipeline/pkg/security"
	"github.com/erni-foto/pipeline/pkg/tracing"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.GetLogger().Error("Failed to load configuration", "error", err.Error())
		os.Exit(1)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "fotopipeline",
		Version:     version,
	})
	if err != nil {
		logging.GetLogger().Error("Failed to initialize logger", "error", err.Error())
		os.Exit(1)
	}
	logging.SetGlobalLogger(logger)

	m := metrics.NewMetrics(&metrics.Config{
		Namespace: "fotopipeline",
		Enabled:   cfg.Metrics.Enabled,
	})

	ts, err := tracing.NewTracingService(&tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		logger.Error("Failed to initialize tracing", "error", err.Error())
		os.Exit(1)
	}

	// Session store: Redis primary, in-process fallback. A missing Redis at
	// boot is a hard failure; losing it later degrades to the fallback.
	primary, err := session.NewRedisStore(&cfg.Redis, &cfg.Session)
	if err != nil {
		logger.Error("Failed to connect session store", "error", err.Error())
		os.Exit(1)
	}
	defer primary.Close()

	if cfg.Auth.EncryptionKey != "" {
		primary.WithEncryption(security.NewEncryptionService(cfg.Auth.EncryptionKey))
	}

	fallback := session.NewLocalStore(cfg.Session.MaxSessions, cfg.Session.TTL)
	sessions := session.NewManager(primary, fallback, m).WithTracing(ts)

	libClient, err := library.NewClient(&cfg.Library)
	if err != nil {
		logger.Error("Failed to create library client", "error", err.Error())
		os.Exit(1)
	}

	visionClient, err := stages.NewVisionClient(&cfg.Vision)
	if err != nil {
		logger.Error("Failed to create vision client", "error", err.Error())
		os.Exit(1)
	}

	var archiver pipeline.Archiver
	if cfg.ArchiveEnabled() {
		repo, err := archive.NewRepository(&cfg.Archive)
		if err != nil {
			logger.Error("Failed to connect archive database", "error", err.Error())
			os.Exit(1)
		}
		defer repo.Close()
		archiver = repo
	} else {
		logger.Warn("Run archival disabled, no DSN configured")
	}

	detector := security.NewPIIDetector()

	orchestrator, err := pipeline.NewService(
		&cfg.Pipeline,
		stages.Build(cfg, libClient, visionClient, detector),
		sessions,
		m,
		ts,
		archiver,
	)
	if err != nil {
		logger.Error("Failed to create orchestrator", "error", err.Error())
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orchestrator.Start(ctx)

	server := api.NewServer(cfg, orchestrator, m, ts, logger)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			logger.Error("HTTP server failed", "error", err.Error())
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err.Error())
	}
	if err := orchestrator.Stop(); err != nil {
		logger.Error("Orchestrator shutdown failed", "error", err.Error())
	}
	if err := ts.Shutdown(shutdownCtx); err != nil {
		logger.Error("Tracing shutdown failed", "error", err.Error())
	}

	logger.Info("Shutdown complete")
}
