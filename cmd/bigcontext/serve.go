package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/bigcontext/internal/config"
	"github.com/haasonsaas/bigcontext/internal/models"
	"github.com/haasonsaas/bigcontext/internal/observability"
	"github.com/haasonsaas/bigcontext/internal/progress"
	"github.com/haasonsaas/bigcontext/internal/provider"
	"github.com/haasonsaas/bigcontext/internal/scheduler"
	"github.com/haasonsaas/bigcontext/internal/store"
	"github.com/haasonsaas/bigcontext/internal/usage"
	"github.com/haasonsaas/bigcontext/internal/web"
)

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the processing engine HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (YAML)")

	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()

	st, err := store.NewSQLiteStore(store.SQLiteConfig{Path: cfg.Database.Path})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	client := provider.NewHTTPClient(provider.Config{
		APIKey:  cfg.Provider.APIKey,
		BaseURL: cfg.Provider.BaseURL,
		Timeout: cfg.Provider.Timeout,
	})

	var fetch models.FetchFunc
	if cfg.Catalog.URL != "" {
		fetch = models.NewHTTPFetcher(cfg.Catalog.URL, cfg.Provider.APIKey, nil)
	}
	catalog := models.NewCatalog(fetch, cfg.Catalog.TTL)

	handler := web.NewHandler(&web.Config{
		Store:     st,
		Scheduler: scheduler.New(st, client, catalog, logger, metrics),
		Publisher: progress.NewPublisher(st),
		Catalog:   catalog,
		Estimator: usage.NewEstimator(catalog),
		Logger:    logger,
		Metrics:   metrics,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	logger.Info(ctx, "bigcontext engine started", "addr", addr, "db", cfg.Database.Path)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	logger.Info(ctx, "shutdown signal received, draining connections")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info(ctx, "shutdown complete")
	return nil
}
