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
	"golang.org/x/sync/errgroup"

	"github.com/merx-mms/merx/internal/app"
	"github.com/merx-mms/merx/internal/audit"
	"github.com/merx-mms/merx/internal/ledger"
	"github.com/merx-mms/merx/internal/masterdata/skus"
	"github.com/merx-mms/merx/internal/masterdata/warehouses"
	"github.com/merx-mms/merx/internal/observability"
	"github.com/merx-mms/merx/internal/orders"
	"github.com/merx-mms/merx/internal/platform/cache"
	"github.com/merx-mms/merx/internal/platform/db"
	"github.com/merx-mms/merx/internal/returns"
	"github.com/merx-mms/merx/internal/shared"
	"github.com/merx-mms/merx/jobs"
)

// references resolves master data ids for the ledger and order services.
type references struct {
	warehouses *warehouses.Repository
	skus       *skus.Repository
}

func (r references) WarehouseExists(ctx context.Context, id int64) (bool, error) {
	return r.warehouses.Exists(ctx, id)
}

func (r references) SKUExists(ctx context.Context, id int64) (bool, error) {
	return r.skus.Exists(ctx, id)
}

// orderStatuses lets the returns module read order state without binding the
// two packages together.
type orderStatuses struct {
	orders *orders.Service
}

func (o orderStatuses) OrderStatus(ctx context.Context, orderID int64) (string, error) {
	order, err := o.orders.Get(ctx, orderID)
	if err != nil {
		return "", err
	}
	return string(order.Status), nil
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

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

	locker := shared.NewRedisLocker(redisClient, cfg.LockTTL, cfg.LockWait)
	auditLogger := shared.NewAuditLogger(pool)
	idempotency := shared.NewIdempotencyStore(pool)
	metrics := observability.NewMetrics()

	warehouseRepo := warehouses.NewRepository(pool)
	skuRepo := skus.NewRepository(pool)
	refs := references{warehouses: warehouseRepo, skus: skuRepo}

	ledgerService := ledger.NewService(ledger.NewRepository(pool), refs, auditLogger, idempotency, locker, metrics)
	orderService := orders.NewService(orders.NewRepository(pool), ledgerService, refs, auditLogger, locker)
	returnService := returns.NewService(returns.NewRepository(pool), ledgerService, orderStatuses{orders: orderService}, auditLogger, locker)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("asynq inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		LedgerHandler:    ledger.NewHandler(logger, ledgerService),
		OrderHandler:     orders.NewHandler(logger, orderService),
		ReturnHandler:    returns.NewHandler(logger, returnService),
		WarehouseHandler: warehouses.NewHandler(logger, warehouseRepo),
		SKUHandler:       skus.NewHandler(logger, skuRepo),
		AuditHandler:     audit.NewHandler(logger, auditLogger),
		JobsHandler:      jobs.NewHandler(inspector, logger),
		Pool:             pool,
		Metrics:          metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
