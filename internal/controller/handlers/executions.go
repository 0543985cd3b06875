package handlers

import (
	"context"
	"net/http"

	"clinicflow/internal/engine"
	"clinicflow/internal/scope"
	"clinicflow/internal/store"
	"clinicflow/pkg/api"

	"github.com/google/uuid"
)

// Trigger handles POST /triggers. One execution is started (or found, when
// the trigger is a repeat) per active template covering the tenant.
func (h *Handlers) Trigger(w http.ResponseWriter, r *http.Request) {
	var req api.TriggerRequest
	if !h.decode(w, r, &req) {
		return
	}
	sc, err := scope.Parse(req.Scope.Kind, req.Scope.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	results, err := h.executions.Trigger(r.Context(), engine.TriggerRequest{
		TriggerType: req.TriggerType,
		Entity:      store.EntityRef{Type: req.Entity.Type, ID: req.Entity.ID},
		Scope:       sc,
		Data:        req.Data,
		CreatedBy:   req.CreatedBy,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := api.TriggerResponse{Executions: make([]api.TriggeredExecution, 0, len(results))}
	status := http.StatusOK
	for _, res := range results {
		if res.Created {
			status = http.StatusCreated
		}
		resp.Executions = append(resp.Executions, api.TriggeredExecution{
			ExecutionID:     res.Execution.ID.String(),
			TemplateID:      res.Execution.TemplateID.String(),
			TemplateKey:     res.Execution.TemplateKey,
			TemplateVersion: res.Execution.TemplateVersion,
			Status:          string(res.Execution.Status),
			Created:         res.Created,
		})
	}
	h.respondJson(w, status, resp)
}

// GetExecution handles GET /executions/{id}.
func (h *Handlers) GetExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "execution")
	if !ok {
		return
	}
	exec, err := h.executions.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, toExecutionResponse(exec))
}

// FindExecution handles GET /executions?idempotency_key=.
func (h *Handlers) FindExecution(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("idempotency_key")
	if key == "" {
		h.httpError(w, "idempotency_key is required", http.StatusBadRequest)
		return
	}
	exec, err := h.executions.GetByIdempotencyKey(r.Context(), key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, toExecutionResponse(exec))
}

// ExecutionLog handles GET /executions/{id}/log.
func (h *Handlers) ExecutionLog(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "execution")
	if !ok {
		return
	}
	entries, err := h.executions.Log(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, api.ExecutionLogResponse{Entries: toLogEntries(entries)})
}

// DeadLetter handles GET /executions/dead-letter?limit=&offset=.
func (h *Handlers) DeadLetter(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	execs, err := h.executions.ListDeadLetter(r.Context(), limit, offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := api.ExecutionListResponse{Executions: make([]api.ExecutionResponse, 0, len(execs))}
	for _, e := range execs {
		resp.Executions = append(resp.Executions, toExecutionResponse(e))
	}
	h.respondJson(w, http.StatusOK, resp)
}

type operatorAction func(ctx context.Context, id uuid.UUID) (*store.Execution, error)

func (h *Handlers) operate(action operatorAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.pathID(w, r, "execution")
		if !ok {
			return
		}
		exec, err := action(r.Context(), id)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.respondJson(w, http.StatusOK, toExecutionResponse(exec))
	}
}

// ResumeExecution handles POST /executions/{id}/resume.
func (h *Handlers) ResumeExecution(w http.ResponseWriter, r *http.Request) {
	h.operate(h.executions.Resume)(w, r)
}

// PauseExecution handles POST /executions/{id}/pause.
func (h *Handlers) PauseExecution(w http.ResponseWriter, r *http.Request) {
	h.operate(h.executions.Pause)(w, r)
}

// CancelExecution handles POST /executions/{id}/cancel.
func (h *Handlers) CancelExecution(w http.ResponseWriter, r *http.Request) {
	h.operate(h.executions.Cancel)(w, r)
}

// SignalExecution handles POST /executions/{id}/signal.
func (h *Handlers) SignalExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "execution")
	if !ok {
		return
	}
	var req api.SignalRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Key == "" {
		h.httpError(w, "key is required", http.StatusBadRequest)
		return
	}
	exec, err := h.executions.Signal(r.Context(), id, req.Key, req.Data)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, toExecutionResponse(exec))
}
