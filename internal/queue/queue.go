// Package queue is the durable, priority-ordered job queue. It knows how to
// schedule, claim, retry and recover jobs; what a job does is up to the
// handler registered for its type.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"clinicflow/internal/apperr"
	"clinicflow/internal/backoff"
	"clinicflow/internal/observability"
	"clinicflow/internal/store"

	"github.com/google/uuid"
)

// TypeWorkflowAdvance is the job type that asks the engine to process the
// current node of an execution.
const TypeWorkflowAdvance = "workflow.advance"

// ErrSuspend is returned by a job handler that handed the work to an
// external executor. The job is parked in waiting until the result is
// reported through Complete or Fail.
var ErrSuspend = errors.New("job suspended pending external result")

// Config holds queue policy.
type Config struct {
	// MaxAttempts is used when a request does not set one (default 3).
	MaxAttempts int
	// Lease is how long a claim stays valid without a heartbeat (default 5m).
	Lease time.Duration
	// Backoff computes next_run_at after a retryable failure.
	Backoff backoff.Strategy
}

// Request describes a job to enqueue.
type Request struct {
	Type        string
	Priority    store.Priority
	Payload     json.RawMessage
	Origin      string
	RequestedBy string
	MaxAttempts int
	// RunAt delays the first claim. Zero means now.
	RunAt       time.Time
	ReferenceID *uuid.UUID
	ClinicIDs   []uuid.UUID
}

// Queue wraps a JobStore with validation, retry policy, events and metrics.
type Queue struct {
	store    store.JobStore
	cfg      Config
	notifier Notifier
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.RWMutex
	validators map[string]Validator
}

// Option configures a Queue.
type Option func(*Queue)

// WithNotifier sets where terminal job events go.
func WithNotifier(n Notifier) Option { return func(q *Queue) { q.notifier = n } }

// WithMetrics enables metric recording.
func WithMetrics(m *observability.Metrics) Option { return func(q *Queue) { q.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(q *Queue) { q.logger = l } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

// New creates a queue over the given store.
func New(s store.JobStore, cfg Config, opts ...Option) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	if cfg.Backoff == nil {
		cfg.Backoff = backoff.DefaultStrategy()
	}
	q := &Queue{
		store:      s,
		cfg:        cfg,
		logger:     slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
		validators: make(map[string]Validator),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// RegisterType declares a job type and its payload validator (nil accepts
// any JSON object). Enqueueing an unregistered type is a ValidationError.
func (q *Queue) RegisterType(jobType string, v Validator) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.validators[jobType] = v
}

// Lease returns the claim lease duration.
func (q *Queue) Lease() time.Duration { return q.cfg.Lease }

// NewJob validates req and builds the pending row without inserting it,
// so callers can insert it inside their own transaction. The current trace
// context is injected into the row.
func (q *Queue) NewJob(ctx context.Context, req Request) (*store.Job, error) {
	if err := q.validate(req.Type, req.Payload); err != nil {
		return nil, err
	}
	priority, ok := store.ParsePriority(string(req.Priority))
	if !ok {
		return nil, apperr.Validation("priority", "unknown priority %q", req.Priority)
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts < 0 {
		return nil, apperr.Validation("max_attempts", "must not be negative")
	}
	if maxAttempts == 0 {
		maxAttempts = q.cfg.MaxAttempts
	}
	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	now := q.now()
	runAt := req.RunAt
	if runAt.IsZero() {
		runAt = now
	}

	carrier := observability.InjectJobTrace(ctx)

	return &store.Job{
		ID:           uuid.New(),
		Type:         req.Type,
		Priority:     priority,
		Status:       store.JobStatusPending,
		Origin:       req.Origin,
		Payload:      payload,
		RequestedBy:  req.RequestedBy,
		MaxAttempts:  maxAttempts,
		NextRunAt:    runAt,
		ReferenceID:  req.ReferenceID,
		ClinicIDs:    req.ClinicIDs,
		TraceCarrier: carrier,
		CreatedAt:    now,
	}, nil
}

// Enqueue validates and inserts a pending job.
func (q *Queue) Enqueue(ctx context.Context, req Request) (uuid.UUID, error) {
	job, err := q.NewJob(ctx, req)
	if err != nil {
		return uuid.Nil, err
	}
	if err := q.store.InsertJob(ctx, job); err != nil {
		return uuid.Nil, fmt.Errorf("insert job: %w", err)
	}
	q.RecordEnqueued(ctx, job)
	return job.ID, nil
}

// RecordEnqueued logs and counts jobs that were inserted by another
// component's transaction.
func (q *Queue) RecordEnqueued(ctx context.Context, jobs ...*store.Job) {
	for _, j := range jobs {
		q.metrics.JobEnqueued(ctx, j.Type, string(j.Priority))
		q.logger.Debug("job enqueued",
			"job_id", j.ID,
			"type", j.Type,
			"priority", j.Priority,
			"next_run_at", j.NextRunAt,
		)
	}
}

// ClaimNext claims the best eligible job for workerID, or returns nil.
func (q *Queue) ClaimNext(ctx context.Context, workerID string, clinicIDs []uuid.UUID) (*store.Job, error) {
	job, err := q.store.ClaimNextJob(ctx, workerID, clinicIDs, q.cfg.Lease)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if job == nil {
		return nil, nil
	}
	q.metrics.JobClaimed(ctx, job.Type)
	q.logger.Info("job claimed",
		"job_id", job.ID,
		"type", job.Type,
		"worker_id", workerID,
		"attempt", job.Attempts,
		"max_attempts", job.MaxAttempts,
	)
	return job, nil
}

// Complete marks a running or waiting job completed.
func (q *Queue) Complete(ctx context.Context, id uuid.UUID, result json.RawMessage) error {
	job, err := q.store.CompleteJob(ctx, id, result)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	q.metrics.JobFinished(ctx, job.Type, string(job.Status))
	q.logger.Info("job completed", "job_id", id, "type", job.Type, "attempts", job.Attempts)
	q.emit(ctx, job)
	return nil
}

// Fail records a failed attempt. A retryable failure with attempts left
// returns the job to pending after a backoff delay; anything else is
// terminal, classed permanent when not retryable.
func (q *Queue) Fail(ctx context.Context, id uuid.UUID, msg string, retryable bool) error {
	current, err := q.store.GetJob(ctx, id)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}

	if retryable && current.Attempts < current.MaxAttempts {
		next := q.now().Add(q.cfg.Backoff.Delay(current.Attempts))
		job, err := q.store.RetryJob(ctx, id, next, msg)
		if err != nil {
			return fmt.Errorf("retry job %s: %w", id, err)
		}
		q.metrics.JobFinished(ctx, job.Type, "retried")
		q.logger.Warn("job attempt failed, retrying",
			"job_id", id,
			"type", job.Type,
			"attempt", job.Attempts,
			"next_run_at", next,
			"error", msg,
		)
		return nil
	}

	class := store.FailureTransient
	if !retryable {
		class = store.FailurePermanent
	}
	job, err := q.store.FailJob(ctx, id, class, msg)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	q.metrics.JobFinished(ctx, job.Type, string(job.Status))
	q.logger.Error("job failed",
		"job_id", id,
		"type", job.Type,
		"attempts", job.Attempts,
		"failure_class", class,
		"error", msg,
	)
	q.emit(ctx, job)
	return nil
}

// FailWith classifies err and records it: PermanentError and
// ValidationError are terminal, everything else is retryable.
func (q *Queue) FailWith(ctx context.Context, id uuid.UUID, err error) error {
	var ve *apperr.ValidationError
	retryable := !apperr.IsPermanent(err) && !errors.As(err, &ve)
	return q.Fail(ctx, id, err.Error(), retryable)
}

// Cancel cancels a job that is pending, queued or waiting.
func (q *Queue) Cancel(ctx context.Context, id uuid.UUID) error {
	job, err := q.store.CancelJob(ctx, id)
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", id, err)
	}
	q.metrics.JobFinished(ctx, job.Type, string(job.Status))
	q.logger.Info("job cancelled", "job_id", id, "type", job.Type)
	q.emit(ctx, job)
	return nil
}

// Withdraw cancels a job only while no worker has claimed it. Jobs that
// are running or handed to an external executor are left alone.
func (q *Queue) Withdraw(ctx context.Context, id uuid.UUID) error {
	job, err := q.store.WithdrawJob(ctx, id)
	if err != nil {
		return fmt.Errorf("withdraw job %s: %w", id, err)
	}
	q.metrics.JobFinished(ctx, job.Type, string(job.Status))
	q.logger.Info("job withdrawn", "job_id", id, "type", job.Type)
	q.emit(ctx, job)
	return nil
}

// Suspend parks a running job in waiting until an external result arrives.
func (q *Queue) Suspend(ctx context.Context, id uuid.UUID) error {
	job, err := q.store.SuspendJob(ctx, id)
	if err != nil {
		return fmt.Errorf("suspend job %s: %w", id, err)
	}
	q.metrics.JobFinished(ctx, job.Type, string(job.Status))
	q.logger.Info("job waiting on external result", "job_id", id, "type", job.Type)
	return nil
}

// Requeue returns a waiting job to the queue.
func (q *Queue) Requeue(ctx context.Context, id uuid.UUID) error {
	if _, err := q.store.RequeueJob(ctx, id); err != nil {
		return fmt.Errorf("requeue job %s: %w", id, err)
	}
	return nil
}

// Heartbeat extends the lease of a running job and returns the new expiry.
func (q *Queue) Heartbeat(ctx context.Context, id uuid.UUID, workerID string) (time.Time, error) {
	until := q.now().Add(q.cfg.Lease)
	if err := q.store.ExtendLease(ctx, id, workerID, until); err != nil {
		return time.Time{}, fmt.Errorf("heartbeat job %s: %w", id, err)
	}
	return until, nil
}

// PromoteDue marks pending jobs whose next_run_at has passed as queued.
func (q *Queue) PromoteDue(ctx context.Context) (int64, error) {
	n, err := q.store.PromoteDueJobs(ctx, q.now())
	if err != nil {
		return 0, fmt.Errorf("promote due jobs: %w", err)
	}
	if n > 0 {
		q.logger.Debug("promoted due jobs", "count", n)
	}
	return n, nil
}

// ReapExpired recovers jobs whose worker stopped heartbeating. Jobs with
// attempts left are requeued; the rest fail with failure class
// lease_expired and produce a job event.
func (q *Queue) ReapExpired(ctx context.Context) (int, error) {
	requeued, failed, err := q.store.ReapExpiredJobs(ctx, q.now(), "lease expired: worker stopped heartbeating")
	if err != nil {
		return 0, fmt.Errorf("reap expired jobs: %w", err)
	}
	total := requeued + len(failed)
	q.metrics.JobsReaped(ctx, total)
	if total > 0 {
		q.logger.Warn("reaped jobs with expired leases", "requeued", requeued, "failed", len(failed))
	}
	for _, j := range failed {
		q.emit(ctx, j)
	}
	return total, nil
}

// Get returns a job by ID.
func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	return q.store.GetJob(ctx, id)
}

// Count counts jobs in the given statuses.
func (q *Queue) Count(ctx context.Context, statuses ...store.JobStatus) (int64, error) {
	return q.store.CountJobs(ctx, statuses...)
}

func (q *Queue) emit(ctx context.Context, job *store.Job) {
	if q.notifier == nil || !job.Status.Terminal() {
		return
	}
	if err := q.notifier.Notify(ctx, EventFromJob(job)); err != nil {
		q.logger.Warn("failed to publish job event", "job_id", job.ID, "error", err)
	}
}
