package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"clinicflow/internal/apperr"
	"clinicflow/internal/store"

	"github.com/google/uuid"
)

const templateColumns = `id, template_key, version, engine_version, trigger_type, entry_node_id,
	graph, scope_kind, scope_id, published_at, is_active, created_by, created_at`

func scanTemplate(row rowScanner) (*store.Template, error) {
	var (
		t           store.Template
		graph       []byte
		scopeID     uuid.NullUUID
		publishedAt sql.NullTime
	)
	err := row.Scan(&t.ID, &t.Key, &t.Version, &t.EngineVersion, &t.TriggerType, &t.EntryNodeID,
		&graph, &t.Scope.Kind, &scopeID, &publishedAt, &t.IsActive, &t.CreatedBy, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Graph = graph
	if scopeID.Valid {
		t.Scope.ID = scopeID.UUID
	}
	t.PublishedAt = nullTime(publishedAt)
	return &t, nil
}

func scopeID(sc store.Scope) uuid.NullUUID {
	if sc.ID == uuid.Nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: sc.ID, Valid: true}
}

// CreateTemplate inserts a draft template.
func (s *Store) CreateTemplate(ctx context.Context, t *store.Template) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO workflow_templates (id, template_key, version, engine_version, trigger_type,
			entry_node_id, graph, scope_kind, scope_id, is_active, created_by, created_at)
		VALUES ($1, $2, 0, $3, $4, $5, $6, $7, $8, FALSE, $9, $10)
	`
	_, err := s.db.ExecContext(ctx, query, t.ID, t.Key, t.EngineVersion, t.TriggerType,
		t.EntryNodeID, []byte(t.Graph), t.Scope.Kind, scopeID(t.Scope), t.CreatedBy, t.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &apperr.ConflictError{Key: t.ID.String()}
		}
		return fmt.Errorf("failed to create template: %w", err)
	}
	return nil
}

// GetTemplate returns a template by its ID.
func (s *Store) GetTemplate(ctx context.Context, id uuid.UUID) (*store.Template, error) {
	query := `SELECT ` + templateColumns + ` FROM workflow_templates WHERE id = $1`
	t, err := scanTemplate(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err)
	}
	return t, nil
}

// PublishTemplate assigns the next version for the template key. Publishes of
// the same key are serialized with a transaction-scoped advisory lock, so two
// drafts never receive the same version.
func (s *Store) PublishTemplate(ctx context.Context, id uuid.UUID, at time.Time) (*store.Template, error) {
	var published *store.Template
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			key         string
			publishedAt sql.NullTime
		)
		err := tx.QueryRowContext(ctx,
			`SELECT template_key, published_at FROM workflow_templates WHERE id = $1 FOR UPDATE`, id,
		).Scan(&key, &publishedAt)
		if err != nil {
			return notFound(err)
		}
		if publishedAt.Valid {
			return apperr.ErrInvalidState
		}

		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
			return fmt.Errorf("failed to lock template key %s: %w", key, err)
		}

		var next int
		err = tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) + 1 FROM workflow_templates WHERE template_key = $1`, key,
		).Scan(&next)
		if err != nil {
			return fmt.Errorf("failed to read latest version of %s: %w", key, err)
		}

		published, err = scanTemplate(tx.QueryRowContext(ctx, `
			UPDATE workflow_templates
			SET version = $2, published_at = $3, is_active = TRUE
			WHERE id = $1
			RETURNING `+templateColumns, id, next, at))
		return err
	})
	if err != nil {
		return nil, err
	}
	return published, nil
}

// SetTemplateActive toggles is_active on a published template.
func (s *Store) SetTemplateActive(ctx context.Context, id uuid.UUID, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_templates SET is_active = $2 WHERE id = $1 AND published_at IS NOT NULL`,
		id, active)
	if err != nil {
		return fmt.Errorf("failed to update template %s: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return s.missingOrInvalid(ctx, s.db, "workflow_templates", id)
	}
	return nil
}

// ListActiveTemplates returns published, active templates for a trigger.
func (s *Store) ListActiveTemplates(ctx context.Context, triggerType string) ([]*store.Template, error) {
	query := `
		SELECT ` + templateColumns + `
		FROM workflow_templates
		WHERE trigger_type = $1 AND is_active AND published_at IS NOT NULL
		ORDER BY template_key, version
	`
	rows, err := s.db.QueryContext(ctx, query, triggerType)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	var out []*store.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
