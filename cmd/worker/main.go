// Package main is the entry point for the background Worker process. A
// deployment runs many of these concurrently against the same queue and
// stores; each instance holds no state beyond its own process lifetime.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"net/http"

	"github.com/packrun/coordinator/internal/budget"
	"github.com/packrun/coordinator/internal/config"
	"github.com/packrun/coordinator/internal/metrics"
	"github.com/packrun/coordinator/internal/objectstorage"
	"github.com/packrun/coordinator/internal/queue"
	"github.com/packrun/coordinator/internal/runstore"
	"github.com/packrun/coordinator/internal/worker"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	logger := setupLogger(cfg.LogLevel, cfg.Environment)
	logger.Info().Msg("starting coordinator worker")

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	store, err := runstore.NewPostgresStore(cfg.PostgresURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer store.Close()

	engine, err := budget.NewRedisEngine(cfg.RedisAddr, cfg.RedisPassword, logger, budget.NoopAuditWriter{}, 2)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer engine.Close()
	engine.WithMetrics(m)

	// A production deployment wires a real queue transport and object
	// store here; this process ships the in-process implementations so the
	// binary is runnable standalone (see SPEC_FULL.md on swap points).
	q := queue.NewInMemoryQueue(1024)
	objects := objectstorage.NewInMemoryStore()

	w := worker.New(store, engine, q, objects, worker.StubExecutor{}, cfg, logger).WithMetrics(m)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: metricsMux(reg),
	}
	go func() {
		logger.Info().Str("port", cfg.HTTPPort).Msg("worker metrics server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("metrics server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown failed")
	}
	logger.Info().Msg("shutdown complete")
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func setupLogger(levelStr, environment string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if environment == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Caller().
			Logger()
	}
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", "coordinator-worker").
		Str("environment", environment).
		Logger()
}
