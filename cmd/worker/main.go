package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"hoopslab/leaderboards/internal/app"
	"hoopslab/leaderboards/internal/config"
	"hoopslab/leaderboards/internal/metrics"
	"hoopslab/leaderboards/internal/repository"
)

func main() {
	if err := run(); err != nil {
		log.Error().Err(err).Msg("Worker failed")
		os.Exit(1)
	}
}

// run owns every resource of the worker so deferred cleanup runs before exit
func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	setupLogger(cfg)

	log.Info().
		Str("env", cfg.AppEnv).
		Str("log_level", cfg.LogLevel).
		Msg("Starting leaderboard worker")

	// Create context that listens for cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			log.Info().Msg("Received shutdown signal, gracefully shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer a.Close()

	go monitor(ctx, a.DB)

	if err := a.Scheduler.Start(ctx); err != nil {
		a.Scheduler.Stop()
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           a.Handler().Routes(cfg.EnableMetrics),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.HTTPPort).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			cancel()
		}
	}()

	// Keep running until context is cancelled
	<-ctx.Done()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Shutting down scheduler...")
	a.Scheduler.Stop()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server failed: %w", err)
	default:
	}

	log.Info().Msg("Worker shutdown complete")
	return nil
}

// setupLogger configures the zerolog logger
func setupLogger(cfg *config.Config) {
	// Pretty console logging in development
	if cfg.IsDevelopment() {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}

	// Set log level
	level := zerolog.InfoLevel
	if cfg.LogLevel != "" {
		parsedLevel, err := zerolog.ParseLevel(cfg.LogLevel)
		if err == nil {
			level = parsedLevel
		}
	}
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("level", level.String()).
		Msg("Logger initialized")
}

// monitor updates uptime and connection pool gauges
func monitor(ctx context.Context, db *repository.Database) {
	startTime := time.Now()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.SystemUptime.Set(time.Since(startTime).Seconds())
			stat := db.Pool.Stat()
			metrics.UpdateDBConnectionStats(stat.AcquiredConns(), stat.IdleConns())
			log.Debug().Fields(db.PoolStats()).Msg("Database pool stats")
		case <-ctx.Done():
			return
		}
	}
}
