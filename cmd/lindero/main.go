package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lindero/lindero/internal/app"
	"github.com/lindero/lindero/internal/billing"
	"github.com/lindero/lindero/internal/currency"
	"github.com/lindero/lindero/internal/ledger"
	"github.com/lindero/lindero/internal/observability"
	"github.com/lindero/lindero/internal/penalty"
	"github.com/lindero/lindero/internal/platform/cache"
	"github.com/lindero/lindero/internal/shared"
	"github.com/lindero/lindero/internal/tenant"
	"github.com/lindero/lindero/jobs"
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

	dbpool, err := pgxpool.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	// Redis backs the per-account locks; without it payments cannot be
	// serialized safely.
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

	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(dbpool)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)
	locker := shared.NewAccountLocker(redisClient, cfg.AccountLockTTL)

	tenantRepo := tenant.NewRepository(dbpool)
	penaltyEngine := penalty.NewEngine(penalty.NewRepository(dbpool), tenantRepo, logger)

	norm := currency.New(cfg.CurrencyTolerance, logger)
	ledgerService := ledger.NewService(ledger.NewRepository(), norm, logger)
	ledgerHandler := ledger.NewHandler(logger, ledgerService, dbpool)

	billingService := billing.NewService(dbpool, billing.NewRepository(), ledgerService,
		tenantRepo, penaltyEngine, locker, logger).
		WithAudit(auditLogger).
		WithIdempotency(idempotencyStore).
		WithMetrics(metrics)
	billingHandler := billing.NewHandler(logger, billingService, penaltyEngine)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		BillingHandler: billingHandler,
		LedgerHandler:  ledgerHandler,
		JobHandler:     jobHandler,
		Metrics:        metrics,
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
