// Package main is the entry point for the clinicflow worker.
// The worker claims jobs, advances executions and hands action jobs to
// external executors over AMQP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clinicflow/internal/actions"
	"clinicflow/internal/app"
	"clinicflow/internal/config"
	"clinicflow/internal/logger"
	"clinicflow/internal/observability"
	"clinicflow/internal/worker"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.StoreDriver == config.DriverMemory {
		log.Fatal("The worker needs a shared store; the memory store only works inside the controller")
	}
	logger := logger.NewWithOptions(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, observability.TracingFromConfig(cfg, "clinicflow-worker"))
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
	metrics, err := observability.NewMetrics(otel.Meter("clinicflow-worker"))
	if err != nil {
		log.Fatalf("Failed to create instruments: %v", err)
	}

	svc, err := app.Build(ctx, cfg, metrics, logger)
	if err != nil {
		log.Fatalf("Failed to build services: %v", err)
	}
	defer svc.Close()

	g, ctx := errgroup.WithContext(ctx)

	// Action hand-off
	var handler worker.Handler = actions.NewLogHandler(logger.With("component", "actions"))
	if cfg.AMQPURL != "" {
		broker, err := actions.Dial(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPResultQueue, logger.With("component", "amqp"))
		if err != nil {
			log.Fatalf("Failed to connect to broker: %v", err)
		}
		defer broker.Close()

		hostname, _ := os.Hostname()
		deliveries, err := broker.Results(fmt.Sprintf("clinicflow-worker-%s-%d", hostname, os.Getpid()), cfg.WorkerConcurrency)
		if err != nil {
			log.Fatalf("Failed to consume results: %v", err)
		}
		consumer := actions.NewResultConsumer(svc.Queue, logger.With("component", "results"))
		g.Go(func() error { return consumer.Run(ctx, deliveries) })
		handler = broker.Dispatcher()
		logger.Info("dispatching actions over AMQP", "exchange", cfg.AMQPExchange, "result_queue", cfg.AMQPResultQueue)
	} else {
		logger.Warn("amqp_url not set: action jobs are logged, not performed")
	}

	agent := svc.NewAgent(handler)
	g.Go(func() error { return svc.RunWorkers(ctx, agent) })
	logger.Info("worker started", "concurrency", cfg.WorkerConcurrency)

	// Dedicated metrics server
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metricsHandler)
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		logger.Info("worker metrics listening", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
	}
	<-agent.Done()
	logger.Info("worker exited properly")
}
