// Package worker contains the worker-specific logic for job execution.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"clinicflow/internal/apperr"
	"clinicflow/internal/observability"
	"clinicflow/internal/queue"
	"clinicflow/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Handler performs one claimed job. Returning queue.ErrSuspend parks the
// job until an external result arrives.
type Handler interface {
	Handle(ctx context.Context, job *store.Job) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *store.Job) (json.RawMessage, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, job *store.Job) (json.RawMessage, error) {
	return f(ctx, job)
}

// JobQueue is the part of *queue.Queue the agent drives.
type JobQueue interface {
	ClaimNext(ctx context.Context, workerID string, clinicIDs []uuid.UUID) (*store.Job, error)
	Complete(ctx context.Context, id uuid.UUID, result json.RawMessage) error
	FailWith(ctx context.Context, id uuid.UUID, err error) error
	Suspend(ctx context.Context, id uuid.UUID) error
	Heartbeat(ctx context.Context, id uuid.UUID, workerID string) (time.Time, error)
}

// AgentConfig holds configuration for the worker agent.
type AgentConfig struct {
	ID                string
	Concurrency       int
	PollInterval      time.Duration
	MaxBackoff        time.Duration // Maximum backoff when queue is empty (default: 30s)
	HeartbeatInterval time.Duration // Interval between lease extensions (default: 2m)
	JobTimeout        time.Duration // Upper bound for a single handler call (default: 30m)
}

// Agent is the main worker agent that runs the pull-loop for job execution.
type Agent struct {
	queue     JobQueue
	handlers  map[string]Handler
	config    AgentConfig
	clinicIDs []uuid.UUID
	metrics   *observability.Metrics
	logger    *slog.Logger
	done      chan struct{}
}

// Option configures an Agent.
type Option func(*Agent)

// WithMetrics enables metric recording.
func WithMetrics(m *observability.Metrics) Option { return func(a *Agent) { a.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(a *Agent) { a.logger = l } }

// WithClinics restricts the agent to jobs touching these clinics.
func WithClinics(ids []uuid.UUID) Option { return func(a *Agent) { a.clinicIDs = ids } }

// New creates a new worker agent.
func New(q JobQueue, config AgentConfig, opts ...Option) *Agent {
	if config.ID == "" {
		config.ID = "worker-" + uuid.NewString()[:8]
	}

	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}

	if config.PollInterval <= 0 {
		config.PollInterval = 1 * time.Second
	}

	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}

	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 2 * time.Minute
	}

	if config.JobTimeout <= 0 {
		config.JobTimeout = 30 * time.Minute
	}

	a := &Agent{
		queue:    q,
		handlers: make(map[string]Handler),
		config:   config,
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handle routes jobs of jobType to h. Must be called before Run.
func (a *Agent) Handle(jobType string, h Handler) {
	a.handlers[jobType] = h
}

// Run starts the main pull-loop. It blocks until the context is cancelled.
// On SIGTERM, it stops claiming new work and allows in-flight jobs to finish.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("worker agent starting", "worker_id", a.config.ID, "concurrency", a.config.Concurrency)

	// Semaphore to limit concurrency
	sem := make(chan struct{}, a.config.Concurrency)
	var wg sync.WaitGroup

	// Channel to signal when a slot becomes available (adaptive polling)
	pollNow := make(chan struct{}, 1)

	// Current backoff duration (increases on empty queue, resets on work found)
	currentBackoff := a.config.PollInterval

	triggerPoll := func() {
		select {
		case pollNow <- struct{}{}:
		default:
		}
	}

	triggerPoll()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("context cancelled, waiting for running jobs to finish", "worker_id", a.config.ID)
			wg.Wait()
			close(a.done)
			return ctx.Err()

		case <-time.After(currentBackoff):
			triggerPoll()

		case <-pollNow:
			availableSlots := a.config.Concurrency - len(sem)
			if availableSlots <= 0 {
				continue
			}

			jobs, err := a.claimBatch(ctx, availableSlots)
			if err != nil {
				a.logger.Error("claim failed", "worker_id", a.config.ID, "error", err)
			}

			if len(jobs) == 0 {
				// Empty queue - increase backoff (exponential, capped at MaxBackoff)
				currentBackoff = currentBackoff * 2
				if currentBackoff > a.config.MaxBackoff {
					currentBackoff = a.config.MaxBackoff
				}
				continue
			}

			currentBackoff = a.config.PollInterval

			for _, job := range jobs {
				sem <- struct{}{}

				wg.Add(1)
				go func(job *store.Job) {
					defer wg.Done()
					defer func() {
						<-sem
						// A slot is free again: poll immediately
						triggerPoll()
					}()
					a.process(ctx, job)
				}(job)
			}

			if len(jobs) == availableSlots {
				triggerPoll()
			}
		}
	}
}

// Done returns a channel that is closed when the agent has fully stopped.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

func (a *Agent) claimBatch(ctx context.Context, n int) ([]*store.Job, error) {
	var jobs []*store.Job
	for len(jobs) < n {
		job, err := a.queue.ClaimNext(ctx, a.config.ID, a.clinicIDs)
		if err != nil {
			return jobs, err
		}
		if job == nil {
			break
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// process runs one claimed job and records its outcome.
func (a *Agent) process(ctx context.Context, job *store.Job) {
	traceCtx := observability.ExtractJobTrace(ctx, job.TraceCarrier)

	attrs := []attribute.KeyValue{
		attribute.String("job.id", job.ID.String()),
		attribute.String("job.type", job.Type),
		attribute.Int("job.attempt", job.Attempts),
	}
	if job.ReferenceID != nil {
		attrs = append(attrs, attribute.String("execution.id", job.ReferenceID.String()))
	}
	spanCtx, span := otel.Tracer("worker-agent").Start(traceCtx, "process_job",
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	logger := a.logger.With("job_id", job.ID, "type", job.Type, "attempt", job.Attempts)

	h, ok := a.handlers[job.Type]
	if !ok {
		err := apperr.Permanent(fmt.Errorf("no handler registered for job type %q", job.Type))
		span.SetStatus(codes.Error, err.Error())
		a.record(logger, job.ID, a.queue.FailWith(context.Background(), job.ID, err))
		return
	}

	// The handler keeps running through shutdown so in-flight work drains.
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(spanCtx), a.config.JobTimeout)
	defer cancel()

	heartbeatCtx, stopHeartbeat := context.WithCancel(context.Background())
	defer stopHeartbeat()
	leaseLost := make(chan error, 1)
	go a.runHeartbeat(heartbeatCtx, job.ID, leaseLost, cancel)

	started := time.Now()
	result, err := h.Handle(execCtx, job)
	stopHeartbeat()
	a.metrics.JobDuration(ctx, job.Type, time.Since(started).Seconds())

	select {
	case lost := <-leaseLost:
		// The reaper owns the job now; reporting would race its retry.
		span.SetStatus(codes.Error, lost.Error())
		logger.Warn("lease lost, dropping result", "error", lost)
		return
	default:
	}

	switch {
	case err == nil:
		logger.Info("job handled")
		a.record(logger, job.ID, a.queue.Complete(context.Background(), job.ID, result))

	case errors.Is(err, queue.ErrSuspend):
		a.record(logger, job.ID, a.queue.Suspend(context.Background(), job.ID))

	default:
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			err = &apperr.TransientError{Err: fmt.Errorf("job timed out after %v: %w", a.config.JobTimeout, err)}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("job handler failed", "error", err)
		a.record(logger, job.ID, a.queue.FailWith(context.Background(), job.ID, err))
	}
}

func (a *Agent) record(logger *slog.Logger, id uuid.UUID, err error) {
	if err != nil {
		logger.Error("failed to record job outcome", "error", err)
	}
}

// runHeartbeat extends the lease periodically while a job is executing.
// When the queue refuses, the lease is gone: the handler is cancelled and
// the loss reported on lost.
func (a *Agent) runHeartbeat(ctx context.Context, id uuid.UUID, lost chan<- error, cancelJob context.CancelFunc) {
	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := a.queue.Heartbeat(ctx, id, a.config.ID)
			if err == nil {
				continue
			}
			if errors.Is(err, apperr.ErrInvalidState) || errors.Is(err, apperr.ErrNotFound) {
				lost <- &apperr.LeaseExpiredError{WorkerID: a.config.ID}
				cancelJob()
				return
			}
			a.logger.Warn("heartbeat failed", "job_id", id, "error", err)
		}
	}
}
