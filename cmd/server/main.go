// Package main provides the entry point for the storyboard task API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/maauso/storyboard-tasks/internal/bootstrap"
	"github.com/maauso/storyboard-tasks/internal/config"
	"github.com/maauso/storyboard-tasks/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A .env file is optional; real environment variables win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	logger.Info("starting storyboard task API",
		slog.Int("port", cfg.Port),
		slog.String("log_format", cfg.LogFormat),
		slog.String("log_level", cfg.LogLevel),
		slog.Int("provider_max_job_seconds", cfg.ProviderMaxJobSeconds),
		slog.Int("max_subtasks_per_request", cfg.MaxSubtasksPerRequest),
		slog.Bool("database_enabled", cfg.DatabaseEnabled()),
		slog.Bool("s3_enabled", cfg.S3Enabled()),
		slog.Bool("billing_enabled", cfg.BillingEnabled()),
	)

	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	deps, err := bootstrap.NewDependencies(initCtx, cfg, logger)
	initCancel()
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Error("close dependencies", slog.String("error", err.Error()))
		}
	}()

	handlers := server.NewHandlers(deps.Tasks, deps.Characters, logger)
	routerCfg := server.DefaultConfig()
	routerCfg.MediaDir = deps.MediaDir
	router := server.NewRouter(handlers, deps.Auth, logger, routerCfg)

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		// register-character blocks until the reference video completes
		WriteTimeout: cfg.RegistrationMaxWait + time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening",
			slog.String("addr", srv.Addr),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
	}()

	select {
	case sig := <-shutdownCh:
		logger.Info("received shutdown signal",
			slog.String("signal", sig.String()),
		)
	case err := <-errCh:
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("shutting down server...")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}
