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

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odyssey-erp/odyssey-policy/internal/app"
	jobmetrics "github.com/odyssey-erp/odyssey-policy/internal/jobs"
	"github.com/odyssey-erp/odyssey-policy/internal/modules"
	"github.com/odyssey-erp/odyssey-policy/internal/overrides"
	"github.com/odyssey-erp/odyssey-policy/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-policy/internal/platform/db"
	"github.com/odyssey-erp/odyssey-policy/internal/shared"
	"github.com/odyssey-erp/odyssey-policy/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	hierarchy, catalog, err := app.LoadPolicy(cfg, logger)
	if err != nil {
		logger.Error("load policy definition", slog.Any("error", err))
		os.Exit(1)
	}

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns, MaxConnLifetime: cfg.PGMaxConnLife})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	bus := cache.NewBus(redisClient, logger)
	auditLogger := shared.NewAuditLogger(pool)
	moduleService := modules.NewService(modules.NewRepository(pool), modules.Options{
		Shared:    cache.NewVersioned(redisClient, cfg.ModuleCachePrefix, cfg.ModuleCacheTTL),
		Bus:       bus,
		Audit:     auditLogger,
		Hierarchy: hierarchy,
		Logger:    logger,
	})
	overrideService := overrides.NewService(overrides.NewRepository(pool), catalog, auditLogger, bus, overrides.Config{
		SnapshotTTL: cfg.OverrideCacheTTL,
		Logger:      logger,
	})

	registry := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(registry)
	moduleJob := jobs.NewModuleRefreshJob(moduleService, logger, metrics)
	overridesJob := jobs.NewOverridesRefreshJob(overrideService, logger, metrics)

	refreshTask, err := jobs.NewModuleRefreshTask("")
	if err != nil {
		logger.Error("build module refresh task", slog.Any("error", err))
		os.Exit(1)
	}
	sweepTask, err := jobs.NewOverridesRefreshTask(time.Now())
	if err != nil {
		logger.Error("build overrides sweep task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskModuleRefresh, Handler: moduleJob.Handle},
			{Type: jobs.TaskOverridesRefresh, Handler: overridesJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.ModuleRefreshCron, Task: refreshTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.OverridesSweepCron, Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{
		Addr:              cfg.WorkerMetricsAddr,
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("worker metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
