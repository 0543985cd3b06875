// Package memory is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit tests and local development.
package memory

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"
	"time"

	"clinicflow/internal/apperr"
	"clinicflow/internal/store"

	"github.com/google/uuid"
)

var _ store.Store = (*Store)(nil)

type jobRow struct {
	job *store.Job
	seq int64
}

// Store keeps every table behind a single mutex, which makes each method
// trivially atomic, including the execution transition triple.
type Store struct {
	mu sync.RWMutex

	// Now is the clock used for claims and reaping. Tests may replace it.
	Now func() time.Time

	seq        int64
	jobs       map[uuid.UUID]*jobRow
	templates  map[uuid.UUID]*store.Template
	executions map[uuid.UUID]*store.Execution
	byKey      map[string]uuid.UUID
	logs       map[uuid.UUID][]store.LogEntry
	logSeq     int64
	clinics    map[uuid.UUID]*store.Clinic
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		Now:        func() time.Time { return time.Now().UTC() },
		jobs:       make(map[uuid.UUID]*jobRow),
		templates:  make(map[uuid.UUID]*store.Template),
		executions: make(map[uuid.UUID]*store.Execution),
		byKey:      make(map[string]uuid.UUID),
		logs:       make(map[uuid.UUID][]store.LogEntry),
		clinics:    make(map[uuid.UUID]*store.Clinic),
	}
}

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// AddClinic registers a clinic, optionally inside a group.
func (m *Store) AddClinic(c store.Clinic) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := c
	m.clinics[c.ID] = &cp
}

// ──────────────────────────────────────────────────
// Jobs
// ──────────────────────────────────────────────────

// InsertJob stores a copy of job.
func (m *Store) InsertJob(_ context.Context, job *store.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertJobLocked(job)
}

func (m *Store) insertJobLocked(job *store.Job) error {
	if _, exists := m.jobs[job.ID]; exists {
		return &apperr.ConflictError{Key: job.ID.String()}
	}
	now := m.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	m.seq++
	m.jobs[job.ID] = &jobRow{job: cloneJob(job), seq: m.seq}
	return nil
}

// GetJob returns a copy of the job.
func (m *Store) GetJob(_ context.Context, id uuid.UUID) (*store.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.jobs[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return cloneJob(row.job), nil
}

// ClaimNextJob picks the best eligible job under the store lock.
func (m *Store) ClaimNextJob(_ context.Context, workerID string, clinicIDs []uuid.UUID, lease time.Duration) (*store.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now()
	var best *jobRow
	for _, row := range m.jobs {
		j := row.job
		if j.Status != store.JobStatusPending && j.Status != store.JobStatusQueued {
			continue
		}
		if j.NextRunAt.After(now) || j.Attempts >= j.MaxAttempts {
			continue
		}
		if len(clinicIDs) > 0 && !overlaps(j.ClinicIDs, clinicIDs) {
			continue
		}
		if best == nil || better(row, best) {
			best = row
		}
	}
	if best == nil {
		return nil, nil
	}

	j := best.job
	leaseUntil := now.Add(lease)
	j.Status = store.JobStatusRunning
	j.Attempts++
	j.LastAttemptAt = &now
	j.LeaseExpiresAt = &leaseUntil
	j.WorkerID = workerID
	j.UpdatedAt = now
	return cloneJob(j), nil
}

func better(a, b *jobRow) bool {
	ra, rb := a.job.Priority.Rank(), b.job.Priority.Rank()
	if ra != rb {
		return ra > rb
	}
	if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
		return a.job.CreatedAt.Before(b.job.CreatedAt)
	}
	return a.seq < b.seq
}

func overlaps(a, b []uuid.UUID) bool {
	for _, x := range a {
		if slices.Contains(b, x) {
			return true
		}
	}
	return false
}

// mutateJob applies fn to the job when its status is one of from.
func (m *Store) mutateJob(id uuid.UUID, from []store.JobStatus, fn func(j *store.Job, now time.Time)) (*store.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.jobs[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	if !slices.Contains(from, row.job.Status) {
		return nil, apperr.ErrInvalidState
	}
	now := m.Now()
	fn(row.job, now)
	row.job.UpdatedAt = now
	return cloneJob(row.job), nil
}

// CompleteJob moves a running or waiting job to completed.
func (m *Store) CompleteJob(_ context.Context, id uuid.UUID, result json.RawMessage) (*store.Job, error) {
	return m.mutateJob(id, []store.JobStatus{store.JobStatusRunning, store.JobStatusWaiting}, func(j *store.Job, now time.Time) {
		j.Status = store.JobStatusCompleted
		j.CompletedAt = &now
		j.LeaseExpiresAt = nil
		j.ResultSummary = slices.Clone(result)
	})
}

// RetryJob returns a running or waiting job to pending.
func (m *Store) RetryJob(_ context.Context, id uuid.UUID, nextRunAt time.Time, errMsg string) (*store.Job, error) {
	return m.mutateJob(id, []store.JobStatus{store.JobStatusRunning, store.JobStatusWaiting}, func(j *store.Job, _ time.Time) {
		j.Status = store.JobStatusPending
		j.NextRunAt = nextRunAt
		j.LeaseExpiresAt = nil
		j.WorkerID = ""
		j.ErrorMessage = &errMsg
		j.FailureClass = store.FailureTransient
	})
}

// FailJob moves a running or waiting job to failed.
func (m *Store) FailJob(_ context.Context, id uuid.UUID, class store.FailureClass, errMsg string) (*store.Job, error) {
	return m.mutateJob(id, []store.JobStatus{store.JobStatusRunning, store.JobStatusWaiting}, func(j *store.Job, now time.Time) {
		j.Status = store.JobStatusFailed
		j.CompletedAt = &now
		j.LeaseExpiresAt = nil
		j.ErrorMessage = &errMsg
		j.FailureClass = class
	})
}

// CancelJob cancels a job that is not running.
func (m *Store) CancelJob(_ context.Context, id uuid.UUID) (*store.Job, error) {
	from := []store.JobStatus{store.JobStatusPending, store.JobStatusQueued, store.JobStatusWaiting}
	return m.mutateJob(id, from, func(j *store.Job, now time.Time) {
		j.Status = store.JobStatusCancelled
		j.CompletedAt = &now
	})
}

// WithdrawJob cancels a job that was never claimed.
func (m *Store) WithdrawJob(_ context.Context, id uuid.UUID) (*store.Job, error) {
	from := []store.JobStatus{store.JobStatusPending, store.JobStatusQueued}
	return m.mutateJob(id, from, func(j *store.Job, now time.Time) {
		j.Status = store.JobStatusCancelled
		j.CompletedAt = &now
	})
}

// SuspendJob parks a running job in waiting.
func (m *Store) SuspendJob(_ context.Context, id uuid.UUID) (*store.Job, error) {
	return m.mutateJob(id, []store.JobStatus{store.JobStatusRunning}, func(j *store.Job, _ time.Time) {
		j.Status = store.JobStatusWaiting
		j.LeaseExpiresAt = nil
	})
}

// RequeueJob returns a waiting job to the queue.
func (m *Store) RequeueJob(_ context.Context, id uuid.UUID) (*store.Job, error) {
	return m.mutateJob(id, []store.JobStatus{store.JobStatusWaiting}, func(j *store.Job, now time.Time) {
		j.Status = store.JobStatusQueued
		j.NextRunAt = now
		j.WorkerID = ""
	})
}

// ExtendLease pushes the lease of a running job owned by workerID.
func (m *Store) ExtendLease(_ context.Context, id uuid.UUID, workerID string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.jobs[id]
	if !ok {
		return apperr.ErrNotFound
	}
	if row.job.Status != store.JobStatusRunning || row.job.WorkerID != workerID {
		return apperr.ErrInvalidState
	}
	row.job.LeaseExpiresAt = &until
	return nil
}

// PromoteDueJobs marks due pending jobs as queued.
func (m *Store) PromoteDueJobs(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, row := range m.jobs {
		if row.job.Status == store.JobStatusPending && !row.job.NextRunAt.After(now) {
			row.job.Status = store.JobStatusQueued
			row.job.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// ReapExpiredJobs releases running jobs with an expired lease.
func (m *Store) ReapExpiredJobs(_ context.Context, now time.Time, errMsg string) (int, []*store.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	requeued := 0
	var failed []*store.Job
	for _, row := range m.jobs {
		j := row.job
		if j.Status != store.JobStatusRunning || j.LeaseExpiresAt == nil || !j.LeaseExpiresAt.Before(now) {
			continue
		}
		msg := errMsg
		j.ErrorMessage = &msg
		j.LeaseExpiresAt = nil
		j.WorkerID = ""
		j.UpdatedAt = now
		if j.Attempts < j.MaxAttempts {
			j.Status = store.JobStatusPending
			j.NextRunAt = now
			j.FailureClass = store.FailureLeaseExpired
			requeued++
			continue
		}
		j.Status = store.JobStatusFailed
		j.FailureClass = store.FailureLeaseExpired
		j.CompletedAt = &now
		failed = append(failed, cloneJob(j))
	}
	return requeued, failed, nil
}

// CountJobs counts jobs in the given statuses.
func (m *Store) CountJobs(_ context.Context, statuses ...store.JobStatus) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, row := range m.jobs {
		if len(statuses) == 0 || slices.Contains(statuses, row.job.Status) {
			n++
		}
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// Templates
// ──────────────────────────────────────────────────

// CreateTemplate stores a draft template.
func (m *Store) CreateTemplate(_ context.Context, t *store.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.templates[t.ID]; exists {
		return &apperr.ConflictError{Key: t.ID.String()}
	}
	cp := *t
	cp.Graph = slices.Clone(t.Graph)
	m.templates[t.ID] = &cp
	return nil
}

// GetTemplate returns a copy of the template.
func (m *Store) GetTemplate(_ context.Context, id uuid.UUID) (*store.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.templates[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// PublishTemplate assigns the next version for the key.
func (m *Store) PublishTemplate(_ context.Context, id uuid.UUID, at time.Time) (*store.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	if t.Published() {
		return nil, apperr.ErrInvalidState
	}
	latest := 0
	for _, other := range m.templates {
		if other.Key == t.Key && other.Version > latest {
			latest = other.Version
		}
	}
	t.Version = latest + 1
	t.PublishedAt = &at
	t.IsActive = true
	cp := *t
	return &cp, nil
}

// SetTemplateActive toggles a published template.
func (m *Store) SetTemplateActive(_ context.Context, id uuid.UUID, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[id]
	if !ok {
		return apperr.ErrNotFound
	}
	if !t.Published() {
		return apperr.ErrInvalidState
	}
	t.IsActive = active
	return nil
}

// ListActiveTemplates returns published, active templates for a trigger.
func (m *Store) ListActiveTemplates(_ context.Context, triggerType string) ([]*store.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*store.Template
	for _, t := range m.templates {
		if t.TriggerType == triggerType && t.Published() && t.IsActive {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

// ──────────────────────────────────────────────────
// Executions
// ──────────────────────────────────────────────────

// CreateExecution inserts the execution unless its idempotency key exists.
func (m *Store) CreateExecution(_ context.Context, t *store.Transition) (*store.Execution, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec := t.Execution
	if existingID, ok := m.byKey[exec.IdempotencyKey]; ok {
		return cloneExecution(m.executions[existingID]), false, nil
	}
	for _, j := range t.Jobs {
		if _, exists := m.jobs[j.ID]; exists {
			return nil, false, &apperr.ConflictError{Key: j.ID.String()}
		}
	}
	now := m.Now()
	exec.CreatedAt = now
	exec.UpdatedAt = now
	exec.Revision = 1
	m.executions[exec.ID] = cloneExecution(exec)
	m.byKey[exec.IdempotencyKey] = exec.ID
	m.appendLogLocked(exec.ID, t.Entry, now)
	for _, j := range t.Jobs {
		_ = m.insertJobLocked(j)
	}
	return cloneExecution(exec), true, nil
}

// GetExecution returns a copy of the execution.
func (m *Store) GetExecution(_ context.Context, id uuid.UUID) (*store.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return cloneExecution(e), nil
}

// GetExecutionByIdempotencyKey looks up an execution by key.
func (m *Store) GetExecutionByIdempotencyKey(_ context.Context, key string) (*store.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byKey[key]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return cloneExecution(m.executions[id]), nil
}

// TransitionExecution commits state, log entry and jobs together.
func (m *Store) TransitionExecution(_ context.Context, t *store.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec := t.Execution
	current, ok := m.executions[exec.ID]
	if !ok {
		return apperr.ErrNotFound
	}
	if current.Revision != exec.Revision {
		return apperr.ErrStaleRevision
	}
	for _, j := range t.Jobs {
		if _, exists := m.jobs[j.ID]; exists {
			return &apperr.ConflictError{Key: j.ID.String()}
		}
	}

	now := m.Now()
	exec.Revision++
	exec.UpdatedAt = now
	m.executions[exec.ID] = cloneExecution(exec)
	m.appendLogLocked(exec.ID, t.Entry, now)
	for _, j := range t.Jobs {
		_ = m.insertJobLocked(j)
	}
	return nil
}

func (m *Store) appendLogLocked(executionID uuid.UUID, entry *store.LogEntry, now time.Time) {
	if entry == nil {
		return
	}
	m.logSeq++
	e := *entry
	e.ID = m.logSeq
	e.ExecutionID = executionID
	e.CreatedAt = now
	entry.ID = e.ID
	m.logs[executionID] = append(m.logs[executionID], e)
}

// ListExecutionLog returns a copy of the execution's log.
func (m *Store) ListExecutionLog(_ context.Context, executionID uuid.UUID) ([]store.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.logs[executionID]), nil
}

// ListExecutions filters executions, oldest first.
func (m *Store) ListExecutions(_ context.Context, f store.ExecutionFilter) ([]*store.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*store.Execution
	for _, e := range m.executions {
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, e.Status) {
			continue
		}
		if f.WaitingOnJob && e.PendingJobID == nil {
			continue
		}
		out = append(out, cloneExecution(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ──────────────────────────────────────────────────
// Clinics
// ──────────────────────────────────────────────────

// GetClinic returns a clinic by ID.
func (m *Store) GetClinic(_ context.Context, id uuid.UUID) (*store.Clinic, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clinics[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// ListClinicIDs returns all clinic IDs in a stable order.
func (m *Store) ListClinicIDs(_ context.Context) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(m.clinics))
	for id := range m.clinics {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids, nil
}

// ListGroupClinicIDs returns the members of a group in a stable order.
func (m *Store) ListGroupClinicIDs(_ context.Context, groupID uuid.UUID) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []uuid.UUID
	for id, c := range m.clinics {
		if c.GroupID != nil && *c.GroupID == groupID {
			ids = append(ids, id)
		}
	}
	sortIDs(ids)
	return ids, nil
}

func sortIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}

// ──────────────────────────────────────────────────
// Copy helpers
// ──────────────────────────────────────────────────

func cloneJob(j *store.Job) *store.Job {
	cp := *j
	cp.Payload = slices.Clone(j.Payload)
	cp.ResultSummary = slices.Clone(j.ResultSummary)
	cp.ClinicIDs = slices.Clone(j.ClinicIDs)
	if j.TraceCarrier != nil {
		cp.TraceCarrier = make(map[string]string, len(j.TraceCarrier))
		for k, v := range j.TraceCarrier {
			cp.TraceCarrier[k] = v
		}
	}
	return &cp
}

func cloneExecution(e *store.Execution) *store.Execution {
	cp := *e
	cp.ClinicIDs = slices.Clone(e.ClinicIDs)
	cp.Context = cloneContext(e.Context)
	return &cp
}

// cloneContext deep-copies a JSON document through a marshal round trip,
// which also normalizes numbers the same way the Postgres store does.
func cloneContext(c map[string]any) map[string]any {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return c
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return c
	}
	return out
}
