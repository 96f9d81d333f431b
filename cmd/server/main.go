/**
 * @description
 * Entry point for the lifecycle service HTTP server. It exposes the
 * reconciliation trigger and the ledger endpoints.
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files during local development.
 */
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hostpanel/lifecycle-service/internal/api"
	"github.com/hostpanel/lifecycle-service/internal/bootstrap"
	"github.com/hostpanel/lifecycle-service/internal/config"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize dependencies", "error", err)
		os.Exit(1)
	}
	defer components.Close()

	if cfg.CronSecret == "" {
		if cfg.IsDevelopment() {
			logger.Warn("CRON_SECRET not set; internal routes are open (development only)")
		} else {
			logger.Warn("CRON_SECRET not set; internal routes will reject every request")
		}
	}

	handler := api.NewHandler(components.Trigger, components.Ledger, logger)
	router := api.NewRouter(handler, api.RouterConfig{
		InternalSecret: cfg.CronSecret,
		AdminJWTSecret: cfg.AdminJWTSecret,
		Development:    cfg.IsDevelopment(),
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("starting server", "port", cfg.ServerPort, "env", cfg.AppEnv)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	logger.Info("shutdown signal received, gracefully shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	logger.Info("server stopped")
}
