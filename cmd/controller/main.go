// Package main is the entry point for the clinicflow controller.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clinicflow/internal/actions"
	"clinicflow/internal/app"
	"clinicflow/internal/config"
	"clinicflow/internal/controller"
	"clinicflow/internal/controller/handlers"
	"clinicflow/internal/logger"
	"clinicflow/internal/observability"
	"clinicflow/internal/store"
	"clinicflow/internal/store/postgres"

	"go.opentelemetry.io/otel"
)

func main() {
	// Parse flags
	migrateOnly := flag.Bool("migrate", false, "Apply database migrations, print the schema version and exit")
	configPath := flag.String("config", "", "Path to a YAML config file")
	flag.Parse()

	// Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := logger.NewWithOptions(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, observability.TracingFromConfig(cfg, "clinicflow-controller"))
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", "error", err)
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			logger.Error("failed to shutdown metrics", "error", err)
		}
	}()
	meter := otel.Meter("clinicflow-controller")
	metrics, err := observability.NewMetrics(meter)
	if err != nil {
		log.Fatalf("Failed to create instruments: %v", err)
	}

	// Store, queue, registry and engine
	svc, err := app.Build(ctx, cfg, metrics, logger)
	if err != nil {
		log.Fatalf("Failed to build services: %v", err)
	}
	defer svc.Close()

	if *migrateOnly {
		pg := svc.Postgres()
		if pg == nil {
			log.Fatal("-migrate requires store_driver=postgres")
		}
		version, dirty, err := postgres.MigrationVersion(pg.DB())
		if err != nil {
			log.Fatalf("Failed to read schema version: %v", err)
		}
		logger.Info("migrations applied", "version", version, "dirty", dirty)
		return
	}

	// Gauges query the store only when scraped.
	gauges := []struct {
		name, description string
		statuses          []store.JobStatus
	}{
		{"clinicflow.queue.depth", "Jobs waiting to be claimed", []store.JobStatus{store.JobStatusPending, store.JobStatusQueued}},
		{"clinicflow.queue.inflight", "Jobs claimed or awaiting an executor result", []store.JobStatus{store.JobStatusRunning, store.JobStatusWaiting}},
	}
	for _, g := range gauges {
		statuses := g.statuses
		count := func(ctx context.Context) (int64, error) { return svc.Queue.Count(ctx, statuses...) }
		if err := observability.RegisterGauge(meter, g.name, g.description, count, logger); err != nil {
			logger.Warn("failed to register gauge", "metric", g.name, "error", err)
		}
	}

	// Memory mode keeps jobs inside this process, so it works them here too.
	workersDone := make(chan error, 1)
	if svc.InProcess() {
		logger.Warn("memory store: running workers in-process; state is lost on exit")
		agent := svc.NewAgent(actions.NewLogHandler(logger.With("component", "actions")))
		go func() { workersDone <- svc.RunWorkers(ctx, agent) }()
	}

	// Start Server
	h := handlers.New(svc.Queue, svc.Registry, svc.Engine, svc.Store, logger)
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := controller.New(addr, h, cfg, metricsHandler, logger)

	go func() {
		logger.Info("controller starting", "addr", addr, "store", cfg.StoreDriver)
		if err := srv.Run(ctx); err != nil {
			logger.Error("server stopped", "error", err)
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	waitWorkers := svc.InProcess()
	select {
	case <-quit:
	case err := <-workersDone:
		logger.Error("in-process workers stopped", "error", err)
		waitWorkers = false
	}

	logger.Info("shutting down controller")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	cancel()
	if waitWorkers {
		select {
		case err := <-workersDone:
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("workers exited", "error", err)
			}
		case <-shutdownCtx.Done():
		}
	}
	logger.Info("controller exited properly")
}
