package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/oscredits/credits-plane/internal/billing"
	"github.com/oscredits/credits-plane/internal/config"
	"github.com/oscredits/credits-plane/internal/gateway"
	"github.com/oscredits/credits-plane/internal/influx"
	"github.com/oscredits/credits-plane/internal/metering"
	"github.com/oscredits/credits-plane/internal/notifications"
	"github.com/oscredits/credits-plane/internal/perun"
	"github.com/oscredits/credits-plane/internal/worker"
	"github.com/oscredits/credits-plane/pkg/events"
)

// projectStore adapts *perun.Store to the billing engine's interface.
type projectStore struct {
	store *perun.Store
}

func (s projectStore) Connect(ctx context.Context, name string) (billing.ProjectState, error) {
	g, err := s.store.Connect(ctx, name)
	if err != nil {
		return nil, err
	}
	return g, nil
}

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting credits service")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	// Initialize metric registry
	registry := metering.NewRegistry(cfg.Billing.Precision)
	for _, m := range metering.DefaultMetrics() {
		if err := registry.Register(m); err != nil {
			logger.Fatal("failed to register metric", zap.String("metric", m.Name), zap.Error(err))
		}
	}
	logger.Info("initialized metric registry", zap.Int("metrics", len(registry.Metrics())))

	// Initialize time-series store
	influxClient := influx.NewClient(cfg.Influx, logger)
	if err := influxClient.EnsureHistoryDB(context.Background()); err != nil {
		logger.Fatal("credits history database unavailable", zap.Error(err))
	}
	logger.Info("connected to influxdb", zap.String("history_db", cfg.Influx.HistoryDB))

	// Initialize attribute store
	perunClient := perun.NewClient(cfg.Perun, logger)
	perunStore := perun.NewStore(perunClient, cfg.Perun.ResourceID, logger)
	logger.Info("initialized perun client", zap.Int("resource_id", cfg.Perun.ResourceID))

	// Initialize event bus and notification service
	eventBus := events.NewBus(logger)
	sender := notifications.NewSMTPSender(cfg.Mail, logger)
	notificationService := notifications.NewService(cfg.Mail, sender, logger)
	notificationService.Register(eventBus)
	logger.Info("initialized notification service")

	// Initialize billing pipeline
	engine := billing.NewEngine(registry, projectStore{store: perunStore}, influxClient, logger)
	locks := worker.NewLockRegistry()
	processor := billing.NewProcessor(registry, engine, locks, eventBus, cfg.Billing.ProjectWhitelist, logger)
	queue := worker.NewQueue()
	pool := worker.NewPool(cfg.Billing.Workers, queue, processor.Process, logger)
	pool.Start()

	// Initialize API gateway
	gw := gateway.New(registry, queue, locks, influxClient, cfg.Billing.Workers, logger)
	logger.Info("initialized API gateway")

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server",
			zap.String("address", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Billing.DrainTimeout)
	defer shutdownCancel()

	// Stop accepting new lines first, then drain the queue.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	if err := pool.Stop(shutdownCtx); err != nil {
		logger.Error("queue not fully drained", zap.Error(err))
	}

	logger.Info("server exited")
}
