package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"clinicflow/internal/apperr"
	"clinicflow/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const executionColumns = `id, idempotency_key, template_id, template_key, template_version,
	engine_version, status, context, current_node_id, node_attempts, pending_job_id, wake_at,
	wait_signal, cancel_requested, trigger_type, trigger_entity_type, trigger_entity_id,
	scope_kind, scope_id, clinic_ids, last_error, created_by, revision, created_at, updated_at,
	completed_at`

func scanExecution(row rowScanner) (*store.Execution, error) {
	var (
		e            store.Execution
		execContext  []byte
		pendingJobID uuid.NullUUID
		wakeAt       sql.NullTime
		scopeID      uuid.NullUUID
		clinicIDs    pq.StringArray
		lastError    sql.NullString
		completedAt  sql.NullTime
	)
	err := row.Scan(
		&e.ID, &e.IdempotencyKey, &e.TemplateID, &e.TemplateKey, &e.TemplateVersion,
		&e.EngineVersion, &e.Status, &execContext, &e.CurrentNodeID, &e.NodeAttempts,
		&pendingJobID, &wakeAt, &e.WaitSignal, &e.CancelRequested, &e.TriggerType,
		&e.TriggerEntity.Type, &e.TriggerEntity.ID, &e.Scope.Kind, &scopeID, &clinicIDs,
		&lastError, &e.CreatedBy, &e.Revision, &e.CreatedAt, &e.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(execContext) > 0 {
		if err := json.Unmarshal(execContext, &e.Context); err != nil {
			return nil, fmt.Errorf("decode execution context: %w", err)
		}
	}
	if pendingJobID.Valid {
		id := pendingJobID.UUID
		e.PendingJobID = &id
	}
	if scopeID.Valid {
		e.Scope.ID = scopeID.UUID
	}
	if lastError.Valid {
		msg := lastError.String
		e.LastError = &msg
	}
	e.WakeAt = nullTime(wakeAt)
	e.CompletedAt = nullTime(completedAt)
	if e.ClinicIDs, err = parseUUIDs(clinicIDs); err != nil {
		return nil, err
	}
	return &e, nil
}

func encodeContext(c map[string]any) ([]byte, error) {
	if c == nil {
		return []byte(`{}`), nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode execution context: %w", err)
	}
	return data, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// CreateExecution inserts the execution together with its first log entry
// and jobs. An existing idempotency key short-circuits to the stored row.
func (s *Store) CreateExecution(ctx context.Context, t *store.Transition) (*store.Execution, bool, error) {
	exec := t.Execution
	execContext, err := encodeContext(exec.Context)
	if err != nil {
		return nil, false, err
	}

	now := time.Now().UTC()
	created := false
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO workflow_executions (id, idempotency_key, template_id, template_key,
				template_version, engine_version, status, context, current_node_id, node_attempts,
				pending_job_id, wake_at, wait_signal, cancel_requested, trigger_type,
				trigger_entity_type, trigger_entity_id, scope_kind, scope_id, clinic_ids,
				last_error, created_by, revision, created_at, updated_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
				$18, $19, $20, $21, $22, 1, $23, $23, $24)
			ON CONFLICT (idempotency_key) DO NOTHING
			RETURNING revision
		`
		var revision int64
		err := tx.QueryRowContext(ctx, query,
			exec.ID, exec.IdempotencyKey, exec.TemplateID, exec.TemplateKey, exec.TemplateVersion,
			exec.EngineVersion, exec.Status, execContext, exec.CurrentNodeID, exec.NodeAttempts,
			nullUUID(exec.PendingJobID), exec.WakeAt, exec.WaitSignal, exec.CancelRequested,
			exec.TriggerType, exec.TriggerEntity.Type, exec.TriggerEntity.ID, exec.Scope.Kind,
			scopeID(exec.Scope), uuidArray(exec.ClinicIDs), nullString(exec.LastError),
			exec.CreatedBy, now, exec.CompletedAt,
		).Scan(&revision)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to insert execution: %w", err)
		}

		if err := s.appendLog(ctx, tx, exec.ID, t.Entry, now); err != nil {
			return err
		}
		for _, j := range t.Jobs {
			if err := s.insertJob(ctx, tx, j, now); err != nil {
				return err
			}
		}
		created = true
		exec.Revision = revision
		exec.CreatedAt = now
		exec.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if !created {
		existing, err := s.GetExecutionByIdempotencyKey(ctx, exec.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return exec, true, nil
}

// GetExecution returns an execution by its ID.
func (s *Store) GetExecution(ctx context.Context, id uuid.UUID) (*store.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions WHERE id = $1`
	e, err := scanExecution(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err)
	}
	return e, nil
}

// GetExecutionByIdempotencyKey returns the execution for a key.
func (s *Store) GetExecutionByIdempotencyKey(ctx context.Context, key string) (*store.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions WHERE idempotency_key = $1`
	e, err := scanExecution(s.db.QueryRowContext(ctx, query, key))
	if err != nil {
		return nil, notFound(err)
	}
	return e, nil
}

// TransitionExecution commits the new state guarded by its revision, the log
// entry and any jobs in one transaction.
func (s *Store) TransitionExecution(ctx context.Context, t *store.Transition) error {
	exec := t.Execution
	execContext, err := encodeContext(exec.Context)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			UPDATE workflow_executions
			SET status = $3, context = $4, current_node_id = $5, node_attempts = $6,
				pending_job_id = $7, wake_at = $8, wait_signal = $9, cancel_requested = $10,
				last_error = $11, completed_at = $12, revision = revision + 1, updated_at = $13
			WHERE id = $1 AND revision = $2
		`
		res, err := tx.ExecContext(ctx, query,
			exec.ID, exec.Revision, exec.Status, execContext, exec.CurrentNodeID,
			exec.NodeAttempts, nullUUID(exec.PendingJobID), exec.WakeAt, exec.WaitSignal,
			exec.CancelRequested, nullString(exec.LastError), exec.CompletedAt, now,
		)
		if err != nil {
			return fmt.Errorf("failed to update execution %s: %w", exec.ID, err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			ok, err := s.exists(ctx, tx, "workflow_executions", exec.ID)
			if err != nil {
				return err
			}
			if !ok {
				return apperr.ErrNotFound
			}
			return apperr.ErrStaleRevision
		}

		if err := s.appendLog(ctx, tx, exec.ID, t.Entry, now); err != nil {
			return err
		}
		for _, j := range t.Jobs {
			if err := s.insertJob(ctx, tx, j, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	exec.Revision++
	exec.UpdatedAt = now
	return nil
}

// ListExecutions returns executions matching the filter, oldest first.
func (s *Store) ListExecutions(ctx context.Context, f store.ExecutionFilter) ([]*store.Execution, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		statuses := make(pq.StringArray, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if f.WaitingOnJob {
		where = append(where, "pending_job_id IS NOT NULL")
	}

	query := `SELECT ` + executionColumns + ` FROM workflow_executions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []*store.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
