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

	"github.com/propledger/propledger/internal/app"
	"github.com/propledger/propledger/internal/approval"
	"github.com/propledger/propledger/internal/auth"
	"github.com/propledger/propledger/internal/movement"
	"github.com/propledger/propledger/internal/observability"
	"github.com/propledger/propledger/internal/platform/cache"
	"github.com/propledger/propledger/internal/platform/db"
	"github.com/propledger/propledger/internal/rbac"
	"github.com/propledger/propledger/internal/shared"
	"github.com/propledger/propledger/internal/users"
	"github.com/propledger/propledger/jobs"
)

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

	dbpool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	sessionManager := shared.NewSessionManager(redisClient, "propledger_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)
	auditLogger := shared.NewAuditLogger(dbpool)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)
	metrics := observability.NewMetrics()

	queueOpts, err := jobs.RedisConnOpt(cfg.RedisAddr)
	if err != nil {
		logger.Error("parse redis address", slog.Any("error", err))
		os.Exit(1)
	}
	jobClient, err := jobs.NewClient(queueOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	rbacService := rbac.NewService(rbac.NewRepository(dbpool), auditLogger, logger)
	rbacMiddleware := rbac.Middleware{Logger: logger}

	authService := auth.NewService(auth.NewRepository(dbpool), rbacService)
	usersService := users.NewService(users.NewRepository(dbpool), rbacService, auditLogger, logger)

	approvalRepo := approval.NewRepository(dbpool)
	definitions := approval.NewDefinitionCache(redisClient, cfg.WorkflowCacheTTL)
	workflows := approval.NewWorkflowService(approvalRepo, rbacService, auditLogger, definitions, logger)
	engine := approval.NewEngine(approvalRepo, auditLogger, logger)
	engine.SetNotifier(jobs.NewApprovalNotifier(jobClient, logger))
	engine.SetMetrics(metrics)

	movementService := movement.NewService(movement.NewRepository(dbpool), workflows, engine, auditLogger, logger)
	for _, kind := range movement.Kinds() {
		engine.RegisterHook(kind.EntityType(), movementService)
	}

	inspector := asynq.NewInspector(queueOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		SessionManager:  sessionManager,
		CSRFManager:     csrfManager,
		RBACMiddleware:  rbacMiddleware,
		AuthHandler:     auth.NewHandler(logger, authService, sessionManager, csrfManager),
		RBACHandler:     rbac.NewHandler(logger, rbacService, rbacMiddleware),
		UsersHandler:    users.NewHandler(logger, usersService, rbacMiddleware),
		ApprovalHandler: approval.NewHandler(logger, approval.NewActions(workflows, engine, logger), rbacMiddleware, idempotencyStore),
		MovementHandler: movement.NewHandler(logger, movementService, rbacMiddleware, idempotencyStore),
		JobHandler:      jobs.NewHandler(inspector, logger),
		Metrics:         metrics,
		HealthChecks: map[string]app.HealthCheck{
			"postgres": dbpool.Ping,
			"redis":    func(ctx context.Context) error { return cache.Ping(ctx, redisClient) },
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
