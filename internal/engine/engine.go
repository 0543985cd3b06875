// Package engine drives workflow executions through their template's node
// graph, one node per step. Side effects are never performed here: action
// nodes enqueue jobs and the engine reacts to their job events.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"clinicflow/internal/apperr"
	"clinicflow/internal/backoff"
	"clinicflow/internal/observability"
	"clinicflow/internal/queue"
	"clinicflow/internal/scope"
	"clinicflow/internal/store"
	"clinicflow/internal/workflow"

	"github.com/google/uuid"
)

// Config holds engine policy.
type Config struct {
	// NodeMaxRetries bounds retries of a failing node before dead_letter.
	// Action nodes may override it. Default 2.
	NodeMaxRetries int
	// Backoff delays node retries.
	Backoff backoff.Strategy
	// AdvancePriority is the priority of workflow.advance jobs.
	AdvancePriority store.Priority
	// DefaultActionAttempts is max_attempts of action jobs whose node does
	// not set one. Default 1: retries happen at node level.
	DefaultActionAttempts int
}

// Engine is the execution state machine.
type Engine struct {
	store    store.ExecutionStore
	queue    *queue.Queue
	registry *workflow.Registry
	scopes   *scope.Resolver
	cfg      Config
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics enables metric recording.
func WithMetrics(m *observability.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New creates an engine and registers the workflow.advance job type on q.
func New(s store.ExecutionStore, q *queue.Queue, reg *workflow.Registry, scopes *scope.Resolver, cfg Config, opts ...Option) *Engine {
	if cfg.NodeMaxRetries < 0 {
		cfg.NodeMaxRetries = 0
	}
	if cfg.Backoff == nil {
		cfg.Backoff = backoff.DefaultStrategy()
	}
	if cfg.AdvancePriority == "" {
		cfg.AdvancePriority = store.PriorityNormal
	}
	if cfg.DefaultActionAttempts <= 0 {
		cfg.DefaultActionAttempts = 1
	}
	e := &Engine{
		store:    s,
		queue:    q,
		registry: reg,
		scopes:   scopes,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	q.RegisterType(queue.TypeWorkflowAdvance, queue.RequireFields("execution_id", "node_id"))
	return e
}

// IdempotencyKey derives the key that makes Start safe to repeat: one
// execution per (trigger type, triggering entity, template version).
func IdempotencyKey(triggerType string, entity store.EntityRef, templateID uuid.UUID) string {
	h := sha256.New()
	h.Write([]byte(triggerType))
	h.Write([]byte{0})
	h.Write([]byte(entity.Type + ":" + entity.ID))
	h.Write([]byte{0})
	h.Write([]byte(templateID.String()))
	return hex.EncodeToString(h.Sum(nil))
}

// StartRequest binds one trigger occurrence to one template version.
type StartRequest struct {
	TriggerType string
	Entity      store.EntityRef
	Template    *store.Template
	// Scope is the tenant the trigger belongs to.
	Scope     store.Scope
	Context   map[string]any
	CreatedBy string
}

// Start creates the execution for req unless one already exists for the
// same idempotency key, in which case the existing one is returned
// unchanged with created=false.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*store.Execution, bool, error) {
	if req.TriggerType == "" {
		return nil, false, apperr.Validation("trigger_type", "is required")
	}
	if req.Entity.Type == "" || req.Entity.ID == "" {
		return nil, false, apperr.Validation("entity", "type and id are required")
	}
	if req.Template == nil || !req.Template.Published() {
		return nil, false, apperr.Validation("template", "must be a published template")
	}

	key := IdempotencyKey(req.TriggerType, req.Entity, req.Template.ID)
	existing, err := e.store.GetExecutionByIdempotencyKey(ctx, key)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, false, fmt.Errorf("lookup idempotency key: %w", err)
	}

	clinicIDs, err := e.scopes.Resolve(ctx, req.Scope)
	if err != nil {
		return nil, false, fmt.Errorf("resolve scope: %w", err)
	}

	execCtx := make(map[string]any, len(req.Context)+1)
	for k, v := range req.Context {
		execCtx[k] = v
	}
	execCtx["trigger"] = map[string]any{
		"type":        req.TriggerType,
		"entity_type": req.Entity.Type,
		"entity_id":   req.Entity.ID,
	}

	exec := &store.Execution{
		ID:              uuid.New(),
		IdempotencyKey:  key,
		TemplateID:      req.Template.ID,
		TemplateKey:     req.Template.Key,
		TemplateVersion: req.Template.Version,
		EngineVersion:   req.Template.EngineVersion,
		Status:          store.ExecutionStatusRunning,
		Context:         execCtx,
		CurrentNodeID:   req.Template.EntryNodeID,
		TriggerType:     req.TriggerType,
		TriggerEntity:   req.Entity,
		Scope:           req.Scope,
		ClinicIDs:       clinicIDs,
		CreatedBy:       req.CreatedBy,
	}
	job, err := e.advanceJob(ctx, exec, exec.CurrentNodeID, time.Time{}, false)
	if err != nil {
		return nil, false, err
	}

	got, created, err := e.store.CreateExecution(ctx, &store.Transition{
		Execution: exec,
		Entry: &store.LogEntry{
			ToNode:  exec.CurrentNodeID,
			Outcome: store.OutcomeStarted,
		},
		Jobs: []*store.Job{job},
	})
	if err != nil {
		return nil, false, fmt.Errorf("create execution: %w", err)
	}
	if !created {
		return got, false, nil
	}

	e.queue.RecordEnqueued(ctx, job)
	e.metrics.ExecutionStarted(ctx, got.TemplateKey)
	e.logger.Info("execution started",
		"execution_id", got.ID,
		"template_key", got.TemplateKey,
		"template_version", got.TemplateVersion,
		"trigger_type", got.TriggerType,
		"entity", got.TriggerEntity.Type+":"+got.TriggerEntity.ID,
	)
	return got, true, nil
}

// TriggerRequest is an external event that may start executions.
type TriggerRequest struct {
	TriggerType string
	Entity      store.EntityRef
	Scope       store.Scope
	Data        map[string]any
	CreatedBy   string
}

// StartResult is the outcome of starting one template.
type StartResult struct {
	Execution *store.Execution
	Created   bool
}

// Trigger starts one execution per active template matching the trigger
// type and tenant scope.
func (e *Engine) Trigger(ctx context.Context, req TriggerRequest) ([]StartResult, error) {
	if err := scope.Validate(req.Scope); err != nil {
		return nil, err
	}
	templates, err := e.registry.ResolveActiveTemplates(ctx, req.TriggerType, req.Scope)
	if err != nil {
		return nil, err
	}
	results := make([]StartResult, 0, len(templates))
	for _, t := range templates {
		exec, created, err := e.Start(ctx, StartRequest{
			TriggerType: req.TriggerType,
			Entity:      req.Entity,
			Template:    t,
			Scope:       req.Scope,
			Context:     req.Data,
			CreatedBy:   req.CreatedBy,
		})
		if err != nil {
			return results, fmt.Errorf("start template %s v%d: %w", t.Key, t.Version, err)
		}
		results = append(results, StartResult{Execution: exec, Created: created})
	}
	return results, nil
}

// Get returns an execution by id.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*store.Execution, error) {
	return e.store.GetExecution(ctx, id)
}

// GetByIdempotencyKey returns the execution for a key.
func (e *Engine) GetByIdempotencyKey(ctx context.Context, key string) (*store.Execution, error) {
	return e.store.GetExecutionByIdempotencyKey(ctx, key)
}

// Log returns the execution's log in order.
func (e *Engine) Log(ctx context.Context, id uuid.UUID) ([]store.LogEntry, error) {
	if _, err := e.store.GetExecution(ctx, id); err != nil {
		return nil, err
	}
	return e.store.ListExecutionLog(ctx, id)
}

// ListDeadLetter returns executions waiting for an operator.
func (e *Engine) ListDeadLetter(ctx context.Context, limit, offset int) ([]*store.Execution, error) {
	return e.store.ListExecutions(ctx, store.ExecutionFilter{
		Statuses: []store.ExecutionStatus{store.ExecutionStatusDeadLetter},
		Limit:    limit,
		Offset:   offset,
	})
}

// List returns executions matching f.
func (e *Engine) List(ctx context.Context, f store.ExecutionFilter) ([]*store.Execution, error) {
	return e.store.ListExecutions(ctx, f)
}

// advancePayload is the body of a workflow.advance job.
type advancePayload struct {
	ExecutionID uuid.UUID `json:"execution_id"`
	NodeID      string    `json:"node_id"`
	// Timer marks the job that ends a wait node's timer.
	Timer bool `json:"timer,omitempty"`
}

func (e *Engine) advanceJob(ctx context.Context, exec *store.Execution, nodeID string, runAt time.Time, timer bool) (*store.Job, error) {
	payload, err := json.Marshal(advancePayload{ExecutionID: exec.ID, NodeID: nodeID, Timer: timer})
	if err != nil {
		return nil, err
	}
	id := exec.ID
	return e.queue.NewJob(ctx, queue.Request{
		Type:        queue.TypeWorkflowAdvance,
		Priority:    e.cfg.AdvancePriority,
		Payload:     payload,
		Origin:      "workflow:" + exec.TemplateKey,
		RequestedBy: exec.CreatedBy,
		RunAt:       runAt,
		ReferenceID: &id,
		ClinicIDs:   exec.ClinicIDs,
	})
}
