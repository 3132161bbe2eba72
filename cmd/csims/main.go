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
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/csims/csims/internal/app"
	audithttp "github.com/csims/csims/internal/audit/http"
	"github.com/csims/csims/internal/auth"
	"github.com/csims/csims/internal/ledger"
	"github.com/csims/csims/internal/maintenance"
	"github.com/csims/csims/internal/members"
	"github.com/csims/csims/internal/membership"
	"github.com/csims/csims/internal/observability"
	"github.com/csims/csims/internal/platform/cache"
	"github.com/csims/csims/internal/platform/db"
	"github.com/csims/csims/internal/rbac"
	"github.com/csims/csims/internal/shared"
	"github.com/csims/csims/internal/workflow"
	"github.com/csims/csims/jobs"
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

	dbpool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	if cfg.MigrateOnStart {
		if err := migrateUp(dbpool); err != nil {
			logger.Error("migrate", slog.Any("error", err))
			os.Exit(1)
		}
	}

	redisOpts := cfg.RedisOptions()
	redisClient, err := cache.New(ctx, redisOpts)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	jobClient, err := jobs.NewClient(redisOpts.AsynqOpt())
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	services, err := app.NewServices(app.ServiceDeps{
		Config:   cfg,
		Pool:     dbpool,
		Logger:   logger,
		Metrics:  metrics,
		Notifier: jobClient,
	})
	if err != nil {
		logger.Error("init services", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := services.Close(); err != nil {
			logger.Warn("close services", slog.Any("error", err))
		}
	}()

	sessionManager := shared.NewSessionManager(redisClient, cfg.SessionCookie, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)
	rbacMiddleware := rbac.Middleware{Service: services.RBAC, Logger: logger}

	inspector := asynq.NewInspector(redisOpts.AsynqOpt())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		SessionManager:     sessionManager,
		CSRFManager:        csrfManager,
		Database:           dbpool,
		AuthHandler:        auth.NewHandler(logger, services.Auth, sessionManager, csrfManager),
		MembersHandler:     members.NewHandler(logger, services.Members, rbacMiddleware),
		MembershipHandler:  membership.NewHandler(logger, services.Membership, rbacMiddleware),
		LedgerHandler:      ledger.NewHandler(logger, services.Ledger, rbacMiddleware),
		ApprovalsHandler:   workflow.NewHandler(logger, services.Workflow, rbacMiddleware),
		AuditHandler:       audithttp.NewHandler(logger, services.Audit, services.AuditFile, rbacMiddleware),
		MaintenanceHandler: maintenance.NewHandler(logger, services.Maintenance, rbacMiddleware),
		PermissionsHandler: rbac.NewPermissionsHandler(logger, services.RBAC, rbacMiddleware),
		JobHandler:         jobs.NewHandler(inspector, logger),
		Metrics:            metrics,
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

func migrateUp(pool *pgxpool.Pool) error {
	migrator, err := db.NewMigrator(pool)
	if err != nil {
		return err
	}
	defer migrator.Close()
	return migrator.Up()
}
