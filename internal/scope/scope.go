// Package scope resolves tenant references (a clinic, a clinic group, the
// whole system or "unassigned") to the clinics they cover, and decides
// whether one scope subsumes another.
package scope

import (
	"context"
	"errors"
	"fmt"

	"clinicflow/internal/apperr"
	"clinicflow/internal/store"

	"github.com/google/uuid"
)

// Parse builds a Scope from its wire form. An empty kind means unassigned.
func Parse(kind, id string) (store.Scope, error) {
	s := store.Scope{Kind: store.ScopeKind(kind)}
	if s.Kind == "" {
		s.Kind = store.ScopeUnassigned
	}
	if id != "" {
		parsed, err := uuid.Parse(id)
		if err != nil {
			return store.Scope{}, apperr.Validation("scope.id", "invalid uuid %q", id)
		}
		s.ID = parsed
	}
	return s, Validate(s)
}

// Validate checks that the ID is present exactly when the kind needs one.
func Validate(s store.Scope) error {
	switch s.Kind {
	case store.ScopeSystem, store.ScopeUnassigned:
		if s.ID != uuid.Nil {
			return apperr.Validation("scope.id", "%s scope takes no id", s.Kind)
		}
	case store.ScopeGroup, store.ScopeClinic:
		if s.ID == uuid.Nil {
			return apperr.Validation("scope.id", "%s scope requires an id", s.Kind)
		}
	default:
		return apperr.Validation("scope.kind", "unknown scope kind %q", s.Kind)
	}
	return nil
}

// Resolver answers scope questions against the clinic directory.
type Resolver struct {
	clinics store.ScopeStore
}

// NewResolver creates a resolver over the given clinic directory.
func NewResolver(s store.ScopeStore) *Resolver {
	return &Resolver{clinics: s}
}

// Resolve returns the concrete clinic IDs a scope covers.
func (r *Resolver) Resolve(ctx context.Context, s store.Scope) ([]uuid.UUID, error) {
	switch s.Kind {
	case store.ScopeUnassigned:
		return []uuid.UUID{}, nil
	case store.ScopeSystem:
		return r.clinics.ListClinicIDs(ctx)
	case store.ScopeGroup:
		return r.clinics.ListGroupClinicIDs(ctx, s.ID)
	case store.ScopeClinic:
		if _, err := r.clinics.GetClinic(ctx, s.ID); err != nil {
			return nil, fmt.Errorf("resolve clinic %s: %w", s.ID, err)
		}
		return []uuid.UUID{s.ID}, nil
	}
	return nil, Validate(s)
}

// Covers reports whether a template scoped to outer applies to tenant.
// System covers everything; a group covers itself and its member clinics;
// a clinic covers only itself. An unassigned tenant is covered by system only.
func (r *Resolver) Covers(ctx context.Context, outer, tenant store.Scope) (bool, error) {
	switch outer.Kind {
	case store.ScopeSystem:
		return true, nil
	case store.ScopeGroup:
		switch tenant.Kind {
		case store.ScopeGroup:
			return tenant.ID == outer.ID, nil
		case store.ScopeClinic:
			c, err := r.clinics.GetClinic(ctx, tenant.ID)
			if errors.Is(err, apperr.ErrNotFound) {
				return false, nil
			}
			if err != nil {
				return false, err
			}
			return c.GroupID != nil && *c.GroupID == outer.ID, nil
		}
		return false, nil
	case store.ScopeClinic:
		return tenant.Kind == store.ScopeClinic && tenant.ID == outer.ID, nil
	}
	return false, nil
}
