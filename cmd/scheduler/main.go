/**
 * @description
 * This is the main entry point for the lifecycle scheduler.
 * It is a non-HTTP, long-running process that fires reconciliation passes on
 * RECONCILE_SCHEDULE through the same single-flight trigger the HTTP endpoint uses.
 */
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/hostpanel/lifecycle-service/internal/app"
	"github.com/hostpanel/lifecycle-service/internal/bootstrap"
	"github.com/hostpanel/lifecycle-service/internal/config"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using environment variables")
	}

	// Load application configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	components, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize dependencies", "error", err)
		os.Exit(1)
	}
	defer components.Close()

	jobs := app.NewJobs(components.Trigger, logger)
	scheduler := app.NewScheduler(jobs, logger, cfg.ReconcileSchedule)

	// Start the cron scheduler in the background
	if err := scheduler.Start(); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		components.Close()
		os.Exit(1)
	}
	logger.Info("scheduler started")

	// Wait for termination signal to gracefully shut down
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping scheduler")
	stopCtx := scheduler.Stop()
	<-stopCtx.Done() // Wait for a running pass to finish
	logger.Info("scheduler stopped gracefully")
}
