package handlers

import (
	"net/http"
	"time"

	"clinicflow/internal/actions"
	"clinicflow/internal/queue"
	"clinicflow/internal/store"
	"clinicflow/pkg/api"

	"github.com/google/uuid"
)

// engineOwned reports job types only the workflow engine may create or cancel.
func engineOwned(jobType string) bool { return jobType == queue.TypeWorkflowAdvance }

const reservedTypeMsg = "job type " + queue.TypeWorkflowAdvance + " is reserved for the workflow engine"

// SubmitJob handles POST /jobs.
func (h *Handlers) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitJobRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Type == "" {
		h.httpError(w, "type is required", http.StatusBadRequest)
		return
	}
	if engineOwned(req.Type) {
		h.httpError(w, reservedTypeMsg, http.StatusBadRequest)
		return
	}
	priority, ok := store.ParsePriority(req.Priority)
	if !ok {
		h.httpError(w, "priority must be one of critical, high, normal, low", http.StatusBadRequest)
		return
	}
	clinicIDs := make([]uuid.UUID, 0, len(req.ClinicIDs))
	for _, raw := range req.ClinicIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.httpError(w, "Invalid clinic id "+raw, http.StatusBadRequest)
			return
		}
		clinicIDs = append(clinicIDs, id)
	}
	var runAt time.Time
	if req.RunAt != nil {
		runAt = req.RunAt.UTC()
	}

	id, err := h.jobs.Enqueue(r.Context(), queue.Request{
		Type:        req.Type,
		Priority:    priority,
		Payload:     req.Payload,
		Origin:      req.Origin,
		RequestedBy: req.RequestedBy,
		MaxAttempts: req.MaxAttempts,
		RunAt:       runAt,
		ClinicIDs:   clinicIDs,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusCreated, api.SubmitJobResponse{JobID: id.String()})
}

// GetJob handles GET /jobs/{id}.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "job")
	if !ok {
		return
	}
	job, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, toJobResponse(job))
}

// CancelJob handles POST /jobs/{id}/cancel. Running jobs cannot be cancelled.
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "job")
	if !ok {
		return
	}
	job, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if engineOwned(job.Type) {
		h.httpError(w, reservedTypeMsg, http.StatusForbidden)
		return
	}
	if err := h.jobs.Cancel(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	job, err = h.jobs.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, toJobResponse(job))
}

// ---------------------------------------------------------
// Internal executor endpoints
// Protected by the system secret, not by client rate limits.
// ---------------------------------------------------------

// InternalHeartbeat handles PUT /internal/jobs/{id}/heartbeat.
// The lease holder calls this to keep the job from being reaped.
func (h *Handlers) InternalHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "job")
	if !ok {
		return
	}
	var req api.HeartbeatRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.WorkerID == "" {
		h.httpError(w, "worker_id is required", http.StatusBadRequest)
		return
	}
	until, err := h.jobs.Heartbeat(r.Context(), id, req.WorkerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, api.HeartbeatResponse{LeaseExpiresAt: until})
}

// InternalResult handles PUT /internal/jobs/{id}/result.
// External executors report the outcome of a dispatched action here.
func (h *Handlers) InternalResult(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "job")
	if !ok {
		return
	}
	var req api.ActionResult
	if !h.decode(w, r, &req) {
		return
	}
	if err := actions.ApplyResult(r.Context(), h.jobs, id, req); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
