// Package handlers contains HTTP handlers for the controller API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"clinicflow/internal/apperr"
	"clinicflow/internal/engine"
	"clinicflow/internal/logger"
	"clinicflow/internal/queue"
	"clinicflow/internal/store"
	"clinicflow/internal/workflow"
	"clinicflow/pkg/api"

	"github.com/google/uuid"
)

// JobService is the queue surface the API exposes; *queue.Queue satisfies it.
type JobService interface {
	Enqueue(ctx context.Context, req queue.Request) (uuid.UUID, error)
	Get(ctx context.Context, id uuid.UUID) (*store.Job, error)
	Cancel(ctx context.Context, id uuid.UUID) error
	Heartbeat(ctx context.Context, id uuid.UUID, workerID string) (time.Time, error)
	Complete(ctx context.Context, id uuid.UUID, result json.RawMessage) error
	Fail(ctx context.Context, id uuid.UUID, msg string, retryable bool) error
}

// TemplateService is the registry surface; *workflow.Registry satisfies it.
type TemplateService interface {
	CreateDraft(ctx context.Context, d workflow.Draft) (uuid.UUID, error)
	Publish(ctx context.Context, id uuid.UUID) (int, error)
	Get(ctx context.Context, id uuid.UUID) (*store.Template, error)
	Deactivate(ctx context.Context, id uuid.UUID) error
	ResolveActiveTemplates(ctx context.Context, triggerType string, tenant store.Scope) ([]*store.Template, error)
}

// ExecutionService is the engine surface; *engine.Engine satisfies it.
type ExecutionService interface {
	Trigger(ctx context.Context, req engine.TriggerRequest) ([]engine.StartResult, error)
	Get(ctx context.Context, id uuid.UUID) (*store.Execution, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*store.Execution, error)
	Log(ctx context.Context, id uuid.UUID) ([]store.LogEntry, error)
	ListDeadLetter(ctx context.Context, limit, offset int) ([]*store.Execution, error)
	Resume(ctx context.Context, id uuid.UUID) (*store.Execution, error)
	Pause(ctx context.Context, id uuid.UUID) (*store.Execution, error)
	Cancel(ctx context.Context, id uuid.UUID) (*store.Execution, error)
	Signal(ctx context.Context, id uuid.UUID, key string, data map[string]any) (*store.Execution, error)
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	jobs       JobService
	templates  TemplateService
	executions ExecutionService
	db         Pinger
	logger     *slog.Logger
}

// New creates a new Handlers instance.
func New(jobs JobService, templates TemplateService, executions ExecutionService, db Pinger, logger *slog.Logger) *Handlers {
	return &Handlers{
		jobs:       jobs,
		templates:  templates,
		executions: executions,
		db:         db,
		logger:     logger,
	}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

// writeError maps the error taxonomy onto status codes. Anything
// unclassified is logged and reported as a 500 without details.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *apperr.ValidationError
		graph      *workflow.InvalidGraphError
		published  *workflow.AlreadyPublishedError
	)
	switch {
	case errors.As(err, &validation):
		h.httpError(w, validation.Error(), http.StatusBadRequest)
	case errors.As(err, &graph):
		h.respondJson(w, http.StatusBadRequest, api.ErrorResponse{
			Error:   "invalid graph",
			Code:    strconv.Itoa(http.StatusBadRequest),
			Details: graph.Error(),
		})
	case errors.Is(err, apperr.ErrNotFound):
		h.httpError(w, "Not found", http.StatusNotFound)
	case errors.As(err, &published):
		h.httpError(w, published.Error(), http.StatusConflict)
	case errors.Is(err, apperr.ErrInvalidState):
		h.httpError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, apperr.ErrStaleRevision):
		h.httpError(w, "Concurrent update, retry the request", http.StatusConflict)
	default:
		logger.FromContext(r.Context(), h.logger).Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		h.httpError(w, "Internal server error", http.StatusInternalServerError)
	}
}

// decode reads a JSON body, rejecting unknown fields.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// pathID parses the {id} path value.
func (h *Handlers) pathID(w http.ResponseWriter, r *http.Request, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid "+what+" id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// queryInt reads a non-negative integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.Validation(name, "must be a non-negative integer")
	}
	return n, nil
}
