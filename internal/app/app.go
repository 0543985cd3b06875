// Package app assembles the services shared by the controller and the
// worker binaries from a loaded configuration.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"clinicflow/internal/actions"
	"clinicflow/internal/backoff"
	"clinicflow/internal/config"
	"clinicflow/internal/engine"
	"clinicflow/internal/observability"
	"clinicflow/internal/queue"
	"clinicflow/internal/scope"
	"clinicflow/internal/store"
	"clinicflow/internal/store/memory"
	"clinicflow/internal/store/postgres"
	"clinicflow/internal/worker"
	"clinicflow/internal/workflow"

	"golang.org/x/sync/errgroup"
)

// Services is one wired instance of the queue, the registry and the engine.
type Services struct {
	Store    store.Store
	Queue    *queue.Queue
	Registry *workflow.Registry
	Engine   *engine.Engine

	cfg     *config.Config
	pg      *postgres.Store
	events  *queue.Broadcaster
	metrics *observability.Metrics
	logger  *slog.Logger
}

// Build opens the configured store and wires the services on top of it.
// metrics may be nil.
func Build(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, logger *slog.Logger) (*Services, error) {
	s := &Services{cfg: cfg, metrics: metrics, logger: logger}

	var notifier queue.Notifier
	switch cfg.StoreDriver {
	case config.DriverMemory:
		s.Store = memory.New()
		s.events = queue.NewBroadcaster()
		notifier = s.events
	default:
		pg, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		s.pg = pg
		s.Store = pg
		notifier = pg.Notifier()
	}

	s.Queue = queue.New(s.Store, queue.Config{
		MaxAttempts: cfg.JobMaxAttempts,
		Lease:       cfg.LeaseTimeout,
		Backoff:     backoff.NewExponentialWithJitter(cfg.BackoffInitial, cfg.BackoffMax),
	},
		queue.WithNotifier(notifier),
		queue.WithMetrics(metrics),
		queue.WithLogger(logger.With("component", "queue")),
	)
	actions.Register(s.Queue)

	scopes := scope.NewResolver(s.Store)
	s.Registry = workflow.NewRegistry(s.Store, scopes,
		workflow.WithJobTypes(actions.Known),
		workflow.WithRegistryLogger(logger.With("component", "registry")),
	)
	s.Engine = engine.New(s.Store, s.Queue, s.Registry, scopes, engine.Config{
		NodeMaxRetries: cfg.NodeMaxRetries,
		Backoff:        backoff.NewExponential(cfg.BackoffInitial, cfg.BackoffMax),
	},
		engine.WithMetrics(metrics),
		engine.WithLogger(logger.With("component", "engine")),
	)
	return s, nil
}

// InProcess reports whether job events only exist inside this process, in
// which case the process must also run the worker side.
func (s *Services) InProcess() bool { return s.events != nil }

// Postgres returns the Postgres store, or nil in memory mode.
func (s *Services) Postgres() *postgres.Store { return s.pg }

// Close releases the store.
func (s *Services) Close() error { return s.Store.Close() }

// RunEvents feeds job events to the engine until ctx ends. In memory mode
// they come from the in-process broadcaster; otherwise from Postgres
// LISTEN on a dedicated connection.
func (s *Services) RunEvents(ctx context.Context) error {
	if s.events != nil {
		events, unsubscribe := s.events.Subscribe(256)
		defer unsubscribe()
		return s.Engine.Run(ctx, events)
	}

	events := make(chan queue.JobEvent, 256)
	listener := postgres.NewListener(s.cfg.DatabaseURL, s.pg, s.logger.With("component", "listener"))
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return listener.Run(ctx, events) })
	g.Go(func() error { return s.Engine.Run(ctx, events) })
	return g.Wait()
}

// NewAgent builds a worker agent that advances executions and hands action
// jobs to h.
func (s *Services) NewAgent(h worker.Handler, opts ...worker.Option) *worker.Agent {
	agent := worker.New(s.Queue, worker.AgentConfig{
		Concurrency:       s.cfg.WorkerConcurrency,
		PollInterval:      s.cfg.WorkerPollInterval,
		MaxBackoff:        s.cfg.WorkerMaxBackoff,
		HeartbeatInterval: s.cfg.WorkerHeartbeatInterval,
	}, append([]worker.Option{
		worker.WithMetrics(s.metrics),
		worker.WithLogger(s.logger.With("component", "agent")),
	}, opts...)...)

	agent.Handle(queue.TypeWorkflowAdvance, worker.HandlerFunc(func(ctx context.Context, job *store.Job) (json.RawMessage, error) {
		return nil, s.Engine.HandleAdvanceJob(ctx, job)
	}))
	for _, t := range actions.Types() {
		agent.Handle(t, h)
	}
	return agent
}

// NewMaintainer builds the promote/reap/reconcile loop.
func (s *Services) NewMaintainer() *worker.Maintainer {
	return worker.NewMaintainer(s.Queue, s.Engine, worker.MaintenanceConfig{
		ReapInterval:      s.cfg.ReaperInterval,
		ReconcileInterval: s.cfg.ReconcileInterval,
	}, s.logger.With("component", "maintenance"))
}

// RunWorkers runs agent, maintenance and the event loop until ctx ends.
func (s *Services) RunWorkers(ctx context.Context, agent *worker.Agent) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return agent.Run(ctx) })
	g.Go(func() error { return s.NewMaintainer().Run(ctx) })
	g.Go(func() error { return s.RunEvents(ctx) })
	return g.Wait()
}
