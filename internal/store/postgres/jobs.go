package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"clinicflow/internal/apperr"
	"clinicflow/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const jobColumns = `id, type, priority, status, origin, payload, requested_by, attempts, max_attempts,
	last_attempt_at, next_run_at, lease_expires_at, worker_id, completed_at, reference_id,
	clinic_ids, error_message, failure_class, result_summary, trace_carrier, created_at, updated_at`

func scanJob(row rowScanner) (*store.Job, error) {
	var (
		j            store.Job
		payload      []byte
		result       []byte
		carrier      []byte
		lastAttempt  sql.NullTime
		leaseExpires sql.NullTime
		completedAt  sql.NullTime
		referenceID  uuid.NullUUID
		clinicIDs    pq.StringArray
		errorMessage sql.NullString
	)
	err := row.Scan(
		&j.ID, &j.Type, &j.Priority, &j.Status, &j.Origin, &payload, &j.RequestedBy,
		&j.Attempts, &j.MaxAttempts, &lastAttempt, &j.NextRunAt, &leaseExpires, &j.WorkerID,
		&completedAt, &referenceID, &clinicIDs, &errorMessage, &j.FailureClass, &result,
		&carrier, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Payload = json.RawMessage(payload)
	if len(result) > 0 {
		j.ResultSummary = json.RawMessage(result)
	}
	if len(carrier) > 0 {
		if err := json.Unmarshal(carrier, &j.TraceCarrier); err != nil {
			return nil, fmt.Errorf("decode trace carrier: %w", err)
		}
	}
	j.LastAttemptAt = nullTime(lastAttempt)
	j.LeaseExpiresAt = nullTime(leaseExpires)
	j.CompletedAt = nullTime(completedAt)
	if referenceID.Valid {
		id := referenceID.UUID
		j.ReferenceID = &id
	}
	if errorMessage.Valid {
		msg := errorMessage.String
		j.ErrorMessage = &msg
	}
	if j.ClinicIDs, err = parseUUIDs(clinicIDs); err != nil {
		return nil, err
	}
	return &j, nil
}

// InsertJob inserts a new job row. A duplicate ID is a ConflictError.
func (s *Store) InsertJob(ctx context.Context, job *store.Job) error {
	return s.insertJob(ctx, nil, job, time.Now().UTC())
}

func (s *Store) insertJob(ctx context.Context, tx store.DBTransaction, job *store.Job, now time.Time) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	payload := job.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	var carrier []byte
	if len(job.TraceCarrier) > 0 {
		var err error
		if carrier, err = json.Marshal(job.TraceCarrier); err != nil {
			return fmt.Errorf("encode trace carrier: %w", err)
		}
	}

	query := `
		INSERT INTO jobs (id, type, priority, priority_rank, status, origin, payload, requested_by,
			attempts, max_attempts, next_run_at, reference_id, clinic_ids, failure_class,
			trace_carrier, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	_, err := s.getExecutor(tx).ExecContext(ctx, query,
		job.ID, job.Type, job.Priority, job.Priority.Rank(), job.Status, job.Origin,
		[]byte(payload), job.RequestedBy, job.Attempts, job.MaxAttempts, job.NextRunAt,
		nullUUID(job.ReferenceID), uuidArray(job.ClinicIDs), job.FailureClass,
		nullBytes(carrier), job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &apperr.ConflictError{Key: job.ID.String()}
		}
		return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob returns a job by its ID.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err)
	}
	return job, nil
}

// ClaimNextJob claims the best eligible job using SELECT ... FOR UPDATE SKIP LOCKED,
// so concurrent workers never receive the same row.
func (s *Store) ClaimNextJob(ctx context.Context, workerID string, clinicIDs []uuid.UUID, lease time.Duration) (*store.Job, error) {
	now := time.Now().UTC()
	args := []any{now, workerID, now.Add(lease)}

	clinicFilter := ""
	if len(clinicIDs) > 0 {
		clinicFilter = "AND clinic_ids && $4::uuid[]"
		args = append(args, uuidArray(clinicIDs))
	}

	query := fmt.Sprintf(`
		WITH next AS (
			SELECT id AS next_id
			FROM jobs
			WHERE status IN ('pending', 'queued')
				AND next_run_at <= $1
				AND attempts < max_attempts
				%s
			ORDER BY priority_rank DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs
		SET status = 'running',
			attempts = attempts + 1,
			last_attempt_at = $1,
			lease_expires_at = $3,
			worker_id = $2,
			updated_at = $1
		FROM next
		WHERE jobs.id = next.next_id
		RETURNING %s
	`, clinicFilter, jobColumns)

	job, err := scanJob(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

var (
	fromActive    = []store.JobStatus{store.JobStatusRunning, store.JobStatusWaiting}
	fromIdle      = []store.JobStatus{store.JobStatusPending, store.JobStatusQueued, store.JobStatusWaiting}
	fromUnclaimed = []store.JobStatus{store.JobStatusPending, store.JobStatusQueued}
	fromRunning   = []store.JobStatus{store.JobStatusRunning}
	fromSuspended = []store.JobStatus{store.JobStatusWaiting}
)

// updateJob applies set to the job when its status is one of from. The SET
// clause may reference $3 onwards, bound from args.
func (s *Store) updateJob(ctx context.Context, id uuid.UUID, from []store.JobStatus, set string, args ...any) (*store.Job, error) {
	query := `UPDATE jobs SET ` + set + `, updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
		RETURNING ` + jobColumns

	params := append([]any{id, statusArray(from)}, args...)
	job, err := scanJob(s.db.QueryRowContext(ctx, query, params...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.missingOrInvalid(ctx, s.db, "jobs", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update job %s: %w", id, err)
	}
	return job, nil
}

// CompleteJob moves a running or waiting job to completed.
func (s *Store) CompleteJob(ctx context.Context, id uuid.UUID, result json.RawMessage) (*store.Job, error) {
	return s.updateJob(ctx, id, fromActive,
		`status = 'completed', completed_at = NOW(), lease_expires_at = NULL, result_summary = $3`,
		nullBytes(result))
}

// RetryJob returns a running or waiting job to pending.
func (s *Store) RetryJob(ctx context.Context, id uuid.UUID, nextRunAt time.Time, errMsg string) (*store.Job, error) {
	return s.updateJob(ctx, id, fromActive,
		`status = 'pending', next_run_at = $3, lease_expires_at = NULL, worker_id = '',
		error_message = $4, failure_class = 'transient'`,
		nextRunAt, errMsg)
}

// FailJob moves a running or waiting job to failed.
func (s *Store) FailJob(ctx context.Context, id uuid.UUID, class store.FailureClass, errMsg string) (*store.Job, error) {
	return s.updateJob(ctx, id, fromActive,
		`status = 'failed', completed_at = NOW(), lease_expires_at = NULL,
		failure_class = $3, error_message = $4`,
		class, errMsg)
}

// CancelJob cancels a job that is not running.
func (s *Store) CancelJob(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	return s.updateJob(ctx, id, fromIdle, `status = 'cancelled', completed_at = NOW()`)
}

// WithdrawJob cancels a job that was never claimed.
func (s *Store) WithdrawJob(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	return s.updateJob(ctx, id, fromUnclaimed, `status = 'cancelled', completed_at = NOW()`)
}

// SuspendJob parks a running job in waiting.
func (s *Store) SuspendJob(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	return s.updateJob(ctx, id, fromRunning, `status = 'waiting', lease_expires_at = NULL`)
}

// RequeueJob returns a waiting job to the queue.
func (s *Store) RequeueJob(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	return s.updateJob(ctx, id, fromSuspended, `status = 'queued', next_run_at = NOW(), worker_id = ''`)
}

// ExtendLease pushes the lease of a running job owned by workerID.
func (s *Store) ExtendLease(ctx context.Context, id uuid.UUID, workerID string, until time.Time) error {
	query := `
		UPDATE jobs
		SET lease_expires_at = $3, updated_at = NOW()
		WHERE id = $1 AND worker_id = $2 AND status = 'running'
	`
	res, err := s.db.ExecContext(ctx, query, id, workerID, until)
	if err != nil {
		return fmt.Errorf("failed to extend lease for job %s: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return s.missingOrInvalid(ctx, s.db, "jobs", id)
	}
	return nil
}

// PromoteDueJobs marks due pending jobs as queued.
func (s *Store) PromoteDueJobs(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE jobs
		SET status = 'queued', updated_at = $1
		WHERE status = 'pending' AND next_run_at <= $1
	`
	res, err := s.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to promote due jobs: %w", err)
	}
	return res.RowsAffected()
}

// ReapExpiredJobs releases running jobs with an expired lease. Jobs with
// attempts left go back to pending first; whatever is still running with an
// expired lease after that has exhausted its attempts and fails.
func (s *Store) ReapExpiredJobs(ctx context.Context, now time.Time, errMsg string) (int, []*store.Job, error) {
	var (
		requeued int64
		failed   []*store.Job
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = 'pending', next_run_at = $1, failure_class = 'lease_expired',
				error_message = $2, lease_expires_at = NULL, worker_id = '', updated_at = $1
			WHERE status = 'running' AND lease_expires_at < $1 AND attempts < max_attempts
		`, now, errMsg)
		if err != nil {
			return fmt.Errorf("failed to requeue expired jobs: %w", err)
		}
		if requeued, err = res.RowsAffected(); err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `
			UPDATE jobs
			SET status = 'failed', failure_class = 'lease_expired', error_message = $2,
				completed_at = $1, lease_expires_at = NULL, worker_id = '', updated_at = $1
			WHERE status = 'running' AND lease_expires_at < $1
			RETURNING `+jobColumns, now, errMsg)
		if err != nil {
			return fmt.Errorf("failed to fail expired jobs: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				return err
			}
			failed = append(failed, job)
		}
		return rows.Err()
	})
	if err != nil {
		return 0, nil, err
	}
	return int(requeued), failed, nil
}

// CountJobs counts jobs in the given statuses.
func (s *Store) CountJobs(ctx context.Context, statuses ...store.JobStatus) (int64, error) {
	query := `SELECT COUNT(*) FROM jobs`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status = ANY($1)`
		args = append(args, statusArray(statuses))
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return n, nil
}

func statusArray(statuses []store.JobStatus) pq.StringArray {
	out := make(pq.StringArray, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}
