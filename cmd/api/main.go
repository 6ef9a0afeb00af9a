package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpadapter "github.com/kirillkom/scanmate-sync/internal/adapters/http"
	"github.com/kirillkom/scanmate-sync/internal/bootstrap"
	"github.com/kirillkom/scanmate-sync/internal/config"
	"github.com/kirillkom/scanmate-sync/internal/observability/logging"
	"github.com/kirillkom/scanmate-sync/internal/observability/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_load_failed", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.ServiceName, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	if err := app.Start(ctx); err != nil {
		logger.Error("startup_failed", "error", err)
		app.Close()
		os.Exit(1)
	}

	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		if err := app.Runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sync_runner_stopped", "error", err)
		}
	}()

	router := httpadapter.NewRouter(
		cfg,
		app.Registry,
		app.Intake,
		app.Session,
		httpadapter.WithMetrics(app.HTTPMetrics, metrics.Handler(app.MetricsRegistry)),
	).Handler()
	server := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("api_listening", "port", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api_server_failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api_shutdown_failed", "error", err)
	}
	<-runnerDone
}
