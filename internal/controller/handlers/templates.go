package handlers

import (
	"net/http"

	"clinicflow/internal/scope"
	"clinicflow/internal/workflow"
	"clinicflow/pkg/api"
)

// CreateTemplate handles POST /templates. It stores a draft; nothing can
// start from it until it is published.
func (h *Handlers) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req api.CreateTemplateRequest
	if !h.decode(w, r, &req) {
		return
	}

	var doc []byte
	switch {
	case len(req.Graph) > 0 && req.Document != "":
		h.httpError(w, "Set either graph or document, not both", http.StatusBadRequest)
		return
	case len(req.Graph) > 0:
		doc = req.Graph
	default:
		doc = []byte(req.Document)
	}

	sc, err := scope.Parse(req.Scope.Kind, req.Scope.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	id, err := h.templates.CreateDraft(r.Context(), workflow.Draft{
		Key:         req.Key,
		TriggerType: req.TriggerType,
		Document:    doc,
		Scope:       sc,
		CreatedBy:   req.CreatedBy,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusCreated, api.CreateTemplateResponse{TemplateID: id.String()})
}

// PublishTemplate handles POST /templates/{id}/publish.
func (h *Handlers) PublishTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "template")
	if !ok {
		return
	}
	version, err := h.templates.Publish(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, api.PublishTemplateResponse{Version: version})
}

// GetTemplate handles GET /templates/{id}.
func (h *Handlers) GetTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "template")
	if !ok {
		return
	}
	t, err := h.templates.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, toTemplateResponse(t))
}

// DeactivateTemplate handles POST /templates/{id}/deactivate.
func (h *Handlers) DeactivateTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "template")
	if !ok {
		return
	}
	if err := h.templates.Deactivate(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ActiveTemplates handles GET /templates/active. It answers which template
// versions a trigger of the given type from the given tenant would start.
func (h *Handlers) ActiveTemplates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	triggerType := q.Get("trigger_type")
	if triggerType == "" {
		h.httpError(w, "trigger_type is required", http.StatusBadRequest)
		return
	}
	tenant, err := scope.Parse(q.Get("scope_kind"), q.Get("scope_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	templates, err := h.templates.ResolveActiveTemplates(r.Context(), triggerType, tenant)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := api.ActiveTemplatesResponse{Templates: make([]api.TemplateResponse, 0, len(templates))}
	for _, t := range templates {
		resp.Templates = append(resp.Templates, toTemplateResponse(t))
	}
	h.respondJson(w, http.StatusOK, resp)
}
