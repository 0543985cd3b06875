package postgres

import (
	"context"
	"fmt"

	"clinicflow/internal/store"

	"github.com/google/uuid"
)

// GetClinic returns a clinic by its ID.
func (s *Store) GetClinic(ctx context.Context, id uuid.UUID) (*store.Clinic, error) {
	var (
		c       store.Clinic
		groupID uuid.NullUUID
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, group_id, name FROM clinics WHERE id = $1`, id).
		Scan(&c.ID, &groupID, &c.Name)
	if err != nil {
		return nil, notFound(err)
	}
	if groupID.Valid {
		g := groupID.UUID
		c.GroupID = &g
	}
	return &c, nil
}

// ListClinicIDs returns every clinic.
func (s *Store) ListClinicIDs(ctx context.Context) ([]uuid.UUID, error) {
	return s.listIDs(ctx, `SELECT id FROM clinics ORDER BY id::text`)
}

// ListGroupClinicIDs returns the clinics belonging to a group.
func (s *Store) ListGroupClinicIDs(ctx context.Context, groupID uuid.UUID) ([]uuid.UUID, error) {
	return s.listIDs(ctx, `SELECT id FROM clinics WHERE group_id = $1 ORDER BY id::text`, groupID)
}

func (s *Store) listIDs(ctx context.Context, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list clinics: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
