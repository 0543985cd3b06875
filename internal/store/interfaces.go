package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx
// This allows us to pass either a connection pool or an active transaction to the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// JobStore persists queue rows. Every state-changing method is guarded by
// the statuses it may start from and returns apperr.ErrInvalidState when the
// row is elsewhere, apperr.ErrNotFound when it does not exist.
type JobStore interface {
	// InsertJob inserts a new job row.
	InsertJob(ctx context.Context, job *Job) error

	// GetJob returns a job by its ID.
	GetJob(ctx context.Context, id uuid.UUID) (*Job, error)

	// ClaimNextJob atomically claims the highest priority, oldest eligible
	// job and marks it running. Returns nil when nothing is eligible.
	// A non-empty clinicIDs restricts claims to jobs overlapping that set.
	ClaimNextJob(ctx context.Context, workerID string, clinicIDs []uuid.UUID, lease time.Duration) (*Job, error)

	// CompleteJob moves a running or waiting job to completed.
	CompleteJob(ctx context.Context, id uuid.UUID, result json.RawMessage) (*Job, error)

	// RetryJob returns a running or waiting job to pending, to run again at nextRunAt.
	RetryJob(ctx context.Context, id uuid.UUID, nextRunAt time.Time, errMsg string) (*Job, error)

	// FailJob moves a running or waiting job to failed.
	FailJob(ctx context.Context, id uuid.UUID, class FailureClass, errMsg string) (*Job, error)

	// CancelJob cancels a pending, queued or waiting job.
	CancelJob(ctx context.Context, id uuid.UUID) (*Job, error)

	// WithdrawJob cancels a job no worker has claimed yet (pending or queued).
	WithdrawJob(ctx context.Context, id uuid.UUID) (*Job, error)

	// SuspendJob moves a running job to waiting and drops its lease.
	SuspendJob(ctx context.Context, id uuid.UUID) (*Job, error)

	// RequeueJob moves a waiting job back to queued.
	RequeueJob(ctx context.Context, id uuid.UUID) (*Job, error)

	// ExtendLease pushes the lease of a running job held by workerID.
	ExtendLease(ctx context.Context, id uuid.UUID, workerID string, until time.Time) error

	// PromoteDueJobs marks pending jobs whose next_run_at has passed as queued.
	PromoteDueJobs(ctx context.Context, now time.Time) (int64, error)

	// ReapExpiredJobs releases running jobs whose lease ended before now:
	// jobs with attempts left go back to pending, the rest fail with
	// FailureLeaseExpired. Returns the failed ones.
	ReapExpiredJobs(ctx context.Context, now time.Time, errMsg string) (requeued int, failed []*Job, err error)

	// CountJobs counts jobs in the given statuses (all statuses when empty).
	CountJobs(ctx context.Context, statuses ...JobStatus) (int64, error)
}

// TemplateStore persists workflow templates.
type TemplateStore interface {
	// CreateTemplate inserts a draft template.
	CreateTemplate(ctx context.Context, t *Template) error

	// GetTemplate returns a template by its ID.
	GetTemplate(ctx context.Context, id uuid.UUID) (*Template, error)

	// PublishTemplate assigns the next version for the template key and
	// freezes the draft. Returns apperr.ErrInvalidState when already published.
	PublishTemplate(ctx context.Context, id uuid.UUID, at time.Time) (*Template, error)

	// SetTemplateActive toggles is_active on a published template.
	SetTemplateActive(ctx context.Context, id uuid.UUID, active bool) error

	// ListActiveTemplates returns every published, active template for a trigger type.
	ListActiveTemplates(ctx context.Context, triggerType string) ([]*Template, error)
}

// Transition is the atomic unit the engine commits: the new execution
// state (guarded by its Revision), at most one log entry and any jobs
// that must be enqueued alongside.
type Transition struct {
	Execution *Execution
	Entry     *LogEntry
	Jobs      []*Job
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	Statuses []ExecutionStatus
	// WaitingOnJob keeps only executions with a pending side-effect job.
	WaitingOnJob bool
	Limit        int
	Offset       int
}

// ExecutionStore persists executions and their append-only log.
type ExecutionStore interface {
	// CreateExecution inserts exec unless an execution with the same
	// idempotency key exists, in which case the existing one is returned
	// with created=false and nothing else is written.
	CreateExecution(ctx context.Context, t *Transition) (exec *Execution, created bool, err error)

	// GetExecution returns an execution by its ID.
	GetExecution(ctx context.Context, id uuid.UUID) (*Execution, error)

	// GetExecutionByIdempotencyKey returns the execution for a key.
	GetExecutionByIdempotencyKey(ctx context.Context, key string) (*Execution, error)

	// TransitionExecution persists t atomically. It returns
	// apperr.ErrStaleRevision when the stored revision moved on.
	// On success t.Execution.Revision is incremented.
	TransitionExecution(ctx context.Context, t *Transition) error

	// ListExecutionLog returns the log of an execution in insertion order.
	ListExecutionLog(ctx context.Context, executionID uuid.UUID) ([]LogEntry, error)

	// ListExecutions returns executions matching the filter, oldest first.
	ListExecutions(ctx context.Context, f ExecutionFilter) ([]*Execution, error)
}

// ScopeStore is the read-only view of clinics and clinic groups.
type ScopeStore interface {
	// GetClinic returns a clinic by its ID.
	GetClinic(ctx context.Context, id uuid.UUID) (*Clinic, error)

	// ListClinicIDs returns every clinic.
	ListClinicIDs(ctx context.Context) ([]uuid.UUID, error)

	// ListGroupClinicIDs returns the clinics belonging to a group.
	ListGroupClinicIDs(ctx context.Context, groupID uuid.UUID) ([]uuid.UUID, error)
}

// Store is everything a backend provides.
type Store interface {
	JobStore
	TemplateStore
	ExecutionStore
	ScopeStore
	Ping(ctx context.Context) error
	Close() error
}
