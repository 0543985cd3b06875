package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"clinicflow/internal/apperr"
	"clinicflow/internal/scope"
	"clinicflow/internal/store"

	"github.com/google/uuid"
)

// AlreadyPublishedError is returned when publishing a template twice.
type AlreadyPublishedError struct {
	TemplateID uuid.UUID
	Version    int
}

func (e *AlreadyPublishedError) Error() string {
	return fmt.Sprintf("template %s is already published as version %d", e.TemplateID, e.Version)
}

// Draft is the input to CreateDraft.
type Draft struct {
	Key         string
	TriggerType string
	// Document is a JSON or YAML graph document.
	Document  []byte
	Scope     store.Scope
	CreatedBy string
}

// Registry is the only writer of templates. Published graphs never change,
// so their decoded form is cached by template id.
type Registry struct {
	store    store.TemplateStore
	scopes   *scope.Resolver
	jobTypes func(string) bool
	logger   *slog.Logger
	now      func() time.Time

	cache sync.Map // uuid.UUID -> *Graph
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithJobTypes rejects action nodes whose job type is not known.
func WithJobTypes(known func(string) bool) RegistryOption {
	return func(r *Registry) { r.jobTypes = known }
}

// WithRegistryLogger sets the logger.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates a registry.
func NewRegistry(s store.TemplateStore, scopes *scope.Resolver, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:  s,
		scopes: scopes,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateDraft validates the document and stores an unpublished template.
func (r *Registry) CreateDraft(ctx context.Context, d Draft) (uuid.UUID, error) {
	if d.Key == "" {
		return uuid.Nil, apperr.Validation("template_key", "is required")
	}
	if d.TriggerType == "" {
		return uuid.Nil, apperr.Validation("trigger_type", "is required")
	}
	if d.Scope.Kind == store.ScopeUnassigned {
		return uuid.Nil, apperr.Validation("scope.kind", "templates must be scoped to system, a group or a clinic")
	}
	if err := scope.Validate(d.Scope); err != nil {
		return uuid.Nil, err
	}

	g, canonical, err := ParseDocument(d.Document)
	if err != nil {
		return uuid.Nil, err
	}
	if r.jobTypes != nil {
		var problems []string
		for _, n := range g.Nodes {
			if a, ok := n.Config.(*ActionConfig); ok && !r.jobTypes(a.JobType) {
				problems = append(problems, fmt.Sprintf("node %q: unknown job type %q", n.ID, a.JobType))
			}
		}
		if len(problems) > 0 {
			return uuid.Nil, &InvalidGraphError{Problems: problems}
		}
	}

	t := &store.Template{
		ID:            uuid.New(),
		Key:           d.Key,
		EngineVersion: EngineVersion,
		TriggerType:   d.TriggerType,
		EntryNodeID:   g.Entry,
		Graph:         canonical,
		Scope:         d.Scope,
		CreatedBy:     d.CreatedBy,
		CreatedAt:     r.now(),
	}
	if err := r.store.CreateTemplate(ctx, t); err != nil {
		return uuid.Nil, fmt.Errorf("create template: %w", err)
	}
	r.logger.Info("template draft created", "template_id", t.ID, "template_key", t.Key, "nodes", len(g.Nodes))
	return t.ID, nil
}

// Publish assigns the next version for the key and freezes the graph.
func (r *Registry) Publish(ctx context.Context, id uuid.UUID) (int, error) {
	t, err := r.store.PublishTemplate(ctx, id, r.now())
	if errors.Is(err, apperr.ErrInvalidState) {
		existing, getErr := r.store.GetTemplate(ctx, id)
		if getErr != nil {
			return 0, fmt.Errorf("publish template %s: %w", id, getErr)
		}
		return 0, &AlreadyPublishedError{TemplateID: id, Version: existing.Version}
	}
	if err != nil {
		return 0, fmt.Errorf("publish template %s: %w", id, err)
	}
	r.logger.Info("template published", "template_id", id, "template_key", t.Key, "version", t.Version)
	return t.Version, nil
}

// Get returns a template by id.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*store.Template, error) {
	return r.store.GetTemplate(ctx, id)
}

// Deactivate stops a published template from matching new triggers.
// Executions already bound to it continue.
func (r *Registry) Deactivate(ctx context.Context, id uuid.UUID) error {
	if err := r.store.SetTemplateActive(ctx, id, false); err != nil {
		return fmt.Errorf("deactivate template %s: %w", id, err)
	}
	r.logger.Info("template deactivated", "template_id", id)
	return nil
}

// Activate makes a published template eligible again.
func (r *Registry) Activate(ctx context.Context, id uuid.UUID) error {
	if err := r.store.SetTemplateActive(ctx, id, true); err != nil {
		return fmt.Errorf("activate template %s: %w", id, err)
	}
	return nil
}

// Graph returns the decoded graph of a template. Published graphs are cached.
func (r *Registry) Graph(t *store.Template) (*Graph, error) {
	if v, ok := r.cache.Load(t.ID); ok {
		return v.(*Graph), nil
	}
	g, err := LoadGraph(t.Graph)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", t.ID, err)
	}
	if t.Published() {
		r.cache.Store(t.ID, g)
	}
	return g, nil
}

// GraphByID returns the template and its decoded graph.
func (r *Registry) GraphByID(ctx context.Context, id uuid.UUID) (*store.Template, *Graph, error) {
	t, err := r.store.GetTemplate(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("load template %s: %w", id, err)
	}
	g, err := r.Graph(t)
	if err != nil {
		return nil, nil, err
	}
	return t, g, nil
}

// ResolveActiveTemplates returns, per template key, the highest published
// active version whose scope covers the tenant.
func (r *Registry) ResolveActiveTemplates(ctx context.Context, triggerType string, tenant store.Scope) ([]*store.Template, error) {
	candidates, err := r.store.ListActiveTemplates(ctx, triggerType)
	if err != nil {
		return nil, fmt.Errorf("list active templates: %w", err)
	}

	latest := make(map[string]*store.Template)
	var order []string
	for _, t := range candidates {
		ok, err := r.scopes.Covers(ctx, t.Scope, tenant)
		if err != nil {
			return nil, fmt.Errorf("match scope of template %s: %w", t.ID, err)
		}
		if !ok {
			continue
		}
		cur, seen := latest[t.Key]
		if !seen {
			order = append(order, t.Key)
		}
		if !seen || t.Version > cur.Version {
			latest[t.Key] = t
		}
	}

	out := make([]*store.Template, 0, len(order))
	for _, key := range order {
		out = append(out, latest[key])
	}
	return out, nil
}
