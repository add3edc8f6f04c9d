package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/parallaxlabs/relay/internal/bus"
	"github.com/parallaxlabs/relay/internal/config"
	"github.com/parallaxlabs/relay/internal/credentials"
	"github.com/parallaxlabs/relay/internal/engine"
	"github.com/parallaxlabs/relay/internal/gateway"
	"github.com/parallaxlabs/relay/internal/observability"
	"github.com/parallaxlabs/relay/internal/processor"
	"github.com/parallaxlabs/relay/internal/queue"
	"github.com/parallaxlabs/relay/internal/runs"
	"github.com/parallaxlabs/relay/internal/scheduler"
	"github.com/parallaxlabs/relay/internal/state"
	"github.com/parallaxlabs/relay/pkg/models"
)

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (or RELAY_CONFIG)")
	return cmd
}

func runServe(parent context.Context, cfg *config.Config) error {
	logger := buildLogger(cfg)
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := openStores(ctx, cfg, metrics)
	if err != nil {
		return err
	}
	defer stores.Close()

	eventBus := bus.New(logger.With("component", "bus"))
	defer eventBus.Close()

	proc := processor.New(stores, eventBus, localEngine(logger), metrics, logger.With("component", "processor"))

	jobQueue, err := openQueue(cfg, metrics, logger)
	if err != nil {
		return err
	}
	if err := jobQueue.Start(ctx, proc.Process); err != nil {
		return err
	}

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.New(stores.Runs, jobQueue, scheduler.Config{
			PollSchedule: cfg.Scheduler.PollSchedule,
			BatchLimit:   cfg.Scheduler.BatchLimit,
			Logger:       logger.With("component", "scheduler"),
		})
		if err := sched.Start(ctx); err != nil {
			return err
		}
	}

	gw := gateway.New(stores, eventBus, gateway.Config{
		StaticToken: cfg.Gateway.StaticToken,
		JWTSecret:   cfg.Gateway.JWTSecret,
		Logger:      logger.With("component", "gateway"),
		Metrics:     metrics,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	metricsServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if sched != nil {
		if err := sched.Stop(shutdownCtx); err != nil {
			logger.Error("scheduler shutdown failed", "error", err)
		}
	}
	if err := jobQueue.Stop(shutdownCtx); err != nil {
		logger.Error("queue shutdown failed", "error", err)
	}
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Error("gateway shutdown failed", "error", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", "error", err)
	}
	return nil
}

func openStores(ctx context.Context, cfg *config.Config, metrics *observability.Metrics) (*runs.Stores, error) {
	if cfg.Database.URL == "" {
		return runs.MemoryStores(), nil
	}
	db, err := runs.OpenPostgresURL(cfg.Database.URL, cfg.Database.MaxConnections, cfg.Database.ConnMaxLifetime)
	if err != nil {
		return nil, err
	}
	if err := runs.Migrate(ctx, db, credentials.Schema()); err != nil {
		db.Close()
		return nil, err
	}
	return runs.PostgresStores(db, metrics), nil
}

func openQueue(cfg *config.Config, metrics *observability.Metrics, logger *slog.Logger) (queue.Queue, error) {
	queueConfig := queue.Config{
		Workers:      cfg.Queue.Workers,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		RetryBackoff: cfg.Queue.RetryBackoff,
		PollInterval: cfg.Queue.PollInterval,
		Logger:       logger.With("component", "queue"),
		Metrics:      metrics,
	}
	if cfg.Queue.Path == "" {
		return queue.NewMemory(queueConfig), nil
	}
	return queue.OpenSqlite(cfg.Queue.Path, queueConfig)
}

// localEngine is the built-in sequential graph used when no external
// graph engine is wired in: it acknowledges the prompt with a summary
// so the full pipeline is exercisable from a single binary.
func localEngine(logger *slog.Logger) engine.Engine {
	return engine.NewGraph(logger.With("component", "engine"),
		engine.NodeFunc{ID: "respond", Fn: func(ctx context.Context, st state.State) (state.Delta, *engine.Suspension, error) {
			return state.Delta{
				Output: map[string]any{
					models.OutputKeySummary: "Received: " + st.Input.Prompt,
				},
			}, nil, nil
		}},
	)
}
