package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"moltmonitor/internal/api"
	"moltmonitor/internal/client"
	"moltmonitor/internal/config"
	"moltmonitor/internal/crawler"
	"moltmonitor/internal/governor"
	"moltmonitor/internal/logger"
	"moltmonitor/internal/models"
	"moltmonitor/internal/observability"
	"moltmonitor/internal/scheduler"
	"moltmonitor/internal/storage"
	"moltmonitor/internal/version"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the monitor daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
}

// openStorage creates the configured backend, instrumented when metrics are on.
func openStorage(cfg *models.Config) (storage.Storage, error) {
	store, err := storage.NewFactory().Create(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if !cfg.Metrics.Enabled {
		return store, nil
	}
	instrumented, err := observability.NewInstrumentedStorage(store, cfg.Storage.Type)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create instrumented storage: %w", err)
	}
	return instrumented, nil
}

func run(ctx context.Context, cfg *models.Config) error {
	ver := version.GetInfo()

	// Initialize structured logging
	log, closer, err := logger.Setup(cfg.Logging, ver)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	if closer != nil {
		defer closer.Close()
	}
	slog.SetDefault(log)

	// Initialize observability (OpenTelemetry)
	otelProvider, err := observability.Setup(cfg.Metrics, cfg.Observability, ver)
	if err != nil {
		return fmt.Errorf("failed to initialize observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shutdown observability", "error", err)
		}
	}()

	store, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	components := governor.ComponentsFrom(cfg)
	if records, err := store.LoadSeenItems(ctx); err != nil {
		slog.Warn("Failed to load persisted seen items, starting empty", "error", err)
	} else if n := components.Dedup.Restore(records); n > 0 {
		slog.Info("Restored seen items", "count", n)
	}

	apiClient := client.New(client.ConfigFrom(cfg.Upstream), client.WithObserver(components.Limiter))

	gov, err := governor.New(components,
		governor.WithURLResolver(apiClient.PublicURL),
		governor.WithSeenPruner(store),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize governor: %w", err)
	}
	defer gov.Close()

	crawlCfg := crawler.DefaultConfig()
	crawlCfg.PageSize = cfg.Upstream.PageSize
	poller, err := crawler.New(crawlCfg, apiClient, components.Dedup, crawler.WithSeenStore(store))
	if err != nil {
		return fmt.Errorf("failed to initialize crawler: %w", err)
	}

	sched := scheduler.New(scheduler.ConfigFrom(cfg.Scheduler), poller.Poll,
		scheduler.WithGate(gov),
		scheduler.WithStateStore(store),
	)

	handlers := api.NewHandlers(sched, gov, api.NewHealthChecker(store, apiClient), ver)
	var routeOpts []api.RouteOption
	if otelProvider.TracingEnabled() {
		routeOpts = append(routeOpts, api.WithOTelMiddleware(cfg.Observability.ServiceName))
	}
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.SetupRoutes(handlers, routeOpts...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	if otelProvider.MetricsEnabled() {
		metricsServer := observability.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, otelProvider)
		go func() {
			if err := metricsServer.Run(ctx, 5*time.Second); err != nil {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	go gov.Maintain(ctx, cfg.Dedup.CleanupInterval)

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	slog.Info("Monitor started", "version", ver.Version, "storage", cfg.Storage.Type)

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("Shutting down")
	case runErr = <-serverErr:
		slog.Error("HTTP server failed", "error", runErr)
	}

	// Create a deadline to wait for shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownTimeout)
	defer cancel()

	if err := sched.StopDefault(shutdownCtx); err != nil {
		slog.Error("Scheduler did not stop cleanly", "error", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Shutdown complete")
	return runErr
}
