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

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-policy/cmd/odyssey/cli"
	"github.com/odyssey-erp/odyssey-policy/internal/app"
	"github.com/odyssey-erp/odyssey-policy/internal/audit"
	audithttp "github.com/odyssey-erp/odyssey-policy/internal/audit/http"
	"github.com/odyssey-erp/odyssey-policy/internal/auth"
	"github.com/odyssey-erp/odyssey-policy/internal/modules"
	"github.com/odyssey-erp/odyssey-policy/internal/observability"
	"github.com/odyssey-erp/odyssey-policy/internal/overrides"
	"github.com/odyssey-erp/odyssey-policy/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-policy/internal/platform/db"
	"github.com/odyssey-erp/odyssey-policy/internal/policy"
	"github.com/odyssey-erp/odyssey-policy/internal/principals"
	"github.com/odyssey-erp/odyssey-policy/internal/rbac"
	"github.com/odyssey-erp/odyssey-policy/internal/roles"
	"github.com/odyssey-erp/odyssey-policy/internal/shared"
	"github.com/odyssey-erp/odyssey-policy/jobs"
)

// sessionWarmer builds the session principal at login and preloads its overrides so the first
// guarded request does not hit a loading snapshot.
type sessionWarmer struct {
	principals *principals.Provider
	overrides  *overrides.Service
	logger     *slog.Logger
}

func (w sessionWarmer) Refresh(ctx context.Context, sess *shared.Session) (policy.Principal, error) {
	p, err := w.principals.Refresh(ctx, sess)
	if err != nil {
		return p, err
	}
	if err := w.overrides.Warm(ctx, p.ID); err != nil {
		w.logger.Warn("warm overrides", slog.Int64("user_id", p.ID), slog.Any("error", err))
	}
	return p, nil
}

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		os.Exit(runJobs(ctx, cfg, os.Args[2:]))
	}

	hierarchy, catalog, err := app.LoadPolicy(cfg, logger)
	if err != nil {
		logger.Error("load policy definition", slog.Any("error", err))
		os.Exit(1)
	}

	dbpool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns, MaxConnLifetime: cfg.PGMaxConnLife})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

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

	metrics := observability.NewMetrics()
	evaluator := policy.NewEvaluator(hierarchy, catalog, policy.WithLogger(logger), policy.WithObserver(metrics))
	sessionManager := shared.NewSessionManager(redisClient, cfg.SessionCookie, cfg.SessionTTL, cfg.IsProduction())
	auditLogger := shared.NewAuditLogger(dbpool)
	bus := cache.NewBus(redisClient, logger)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	moduleService := modules.NewService(modules.NewRepository(dbpool), modules.Options{
		Shared:    cache.NewVersioned(redisClient, cfg.ModuleCachePrefix, cfg.ModuleCacheTTL),
		Bus:       bus,
		Jobs:      jobClient,
		Audit:     auditLogger,
		Hierarchy: hierarchy,
		Logger:    logger,
	})
	overrideService := overrides.NewService(overrides.NewRepository(dbpool), catalog, auditLogger, bus, overrides.Config{
		SnapshotTTL: cfg.OverrideCacheTTL,
		Logger:      logger,
	})
	principalProvider := principals.NewProvider(principals.NewRepository(dbpool), redisClient, evaluator.Members(), logger)
	roleService := roles.NewService(roles.NewRepository(dbpool), hierarchy, principalProvider, auditLogger, logger)

	rbacService := rbac.NewService(evaluator, overrideService, moduleService)
	rbacMiddleware := rbac.Middleware{Service: rbacService, Principals: principalProvider, Logger: logger}
	adminLimit := app.AdminRateLimit(cfg)

	if err := overrideService.Listen(ctx); err != nil {
		logger.Warn("subscribe override invalidations", slog.Any("error", err))
	}
	if err := moduleService.Listen(ctx); err != nil {
		logger.Warn("subscribe module invalidations", slog.Any("error", err))
	}
	for _, id := range cfg.WarmModules {
		if err := moduleService.Warm(ctx, id); err != nil {
			logger.Warn("warm module", slog.String("module", id), slog.Any("error", err))
		}
	}

	authService := auth.NewService(auth.NewRepository(dbpool))
	warmer := sessionWarmer{principals: principalProvider, overrides: overrideService, logger: logger}

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		SessionManager:   sessionManager,
		RBACMiddleware:   rbacMiddleware,
		AuthHandler:      auth.NewHandler(logger, authService, sessionManager, warmer),
		PolicyHandler:    rbac.NewHandler(logger, rbacService, rbacMiddleware),
		TenantHandler:    principals.NewHandler(logger, principalProvider, evaluator.Members()),
		RolesHandler:     roles.NewHandler(logger, roleService, rbacMiddleware, adminLimit),
		OverridesHandler: overrides.NewHandler(logger, overrideService, rbacMiddleware, adminLimit),
		ModulesHandler:   modules.NewHandler(logger, moduleService, rbacMiddleware, adminLimit),
		AuditHandler:     audithttp.NewHandler(logger, audit.NewService(audit.NewRepository(dbpool)), rbacMiddleware),
		JobHandler:       jobs.NewHandler(inspector, logger),
		Metrics:          metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

func runJobs(ctx context.Context, cfg *app.Config, args []string) int {
	jobsCLI, err := cli.NewJobsCLI(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer func() { _ = jobsCLI.Close() }()
	if err := jobsCLI.Run(ctx, args, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
