package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"caseflow/backend/internal/app"
	"caseflow/backend/internal/config"
	"caseflow/backend/internal/logger"
)

func main() {
	// Initialize structured logger
	log := slog.New(logger.NewContextHandler(slog.NewJSONHandler(os.Stdout, nil)))
	slog.SetDefault(log)

	// 1. Load Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// 2. Infrastructure
	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.Close()
	logger.Info("infrastructure ready", "queue_backend", cfg.QueueBackend)

	// 3. Application
	application, err := app.New(cfg, deps.DB, deps.Queue, deps.Params, logger)
	if err != nil {
		return err
	}

	// 4. Job sweep
	if cfg.JobSweepEnabled {
		application.Scheduler.Start(ctx)
		defer application.Scheduler.Stop()
	} else {
		logger.Warn("job sweep disabled")
	}

	// 5. Start Server
	return application.Run(ctx)
}
