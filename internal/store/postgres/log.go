package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"clinicflow/internal/store"

	"github.com/google/uuid"
)

// appendLog writes entry inside tx. A nil entry writes nothing.
func (s *Store) appendLog(ctx context.Context, tx store.DBTransaction, executionID uuid.UUID, entry *store.LogEntry, now time.Time) error {
	if entry == nil {
		return nil
	}
	query := `
		INSERT INTO workflow_execution_log (execution_id, from_node, to_node, outcome, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	err := s.getExecutor(tx).QueryRowContext(ctx, query,
		executionID, entry.FromNode, entry.ToNode, entry.Outcome, nullString(entry.Error), now,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to append log for execution %s: %w", executionID, err)
	}
	entry.ExecutionID = executionID
	entry.CreatedAt = now
	return nil
}

// ListExecutionLog returns the log of an execution in insertion order.
func (s *Store) ListExecutionLog(ctx context.Context, executionID uuid.UUID) ([]store.LogEntry, error) {
	query := `
		SELECT id, execution_id, from_node, to_node, outcome, error, created_at
		FROM workflow_execution_log
		WHERE execution_id = $1
		ORDER BY id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list log for execution %s: %w", executionID, err)
	}
	defer rows.Close()

	var entries []store.LogEntry
	for rows.Next() {
		var (
			e      store.LogEntry
			errMsg sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.FromNode, &e.ToNode, &e.Outcome, &errMsg, &e.CreatedAt); err != nil {
			return nil, err
		}
		if errMsg.Valid {
			msg := errMsg.String
			e.Error = &msg
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
