package handlers

import (
	"clinicflow/internal/store"
	"clinicflow/pkg/api"

	"github.com/google/uuid"
)

func toAPIScope(s store.Scope) api.Scope {
	out := api.Scope{Kind: string(s.Kind)}
	if s.ID != uuid.Nil {
		out.ID = s.ID.String()
	}
	return out
}

func optionalID(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

func toJobResponse(j *store.Job) api.JobResponse {
	return api.JobResponse{
		ID:           j.ID.String(),
		Type:         j.Type,
		Priority:     string(j.Priority),
		Status:       string(j.Status),
		Origin:       j.Origin,
		RequestedBy:  j.RequestedBy,
		Attempts:     j.Attempts,
		MaxAttempts:  j.MaxAttempts,
		NextRunAt:    j.NextRunAt,
		WorkerID:     j.WorkerID,
		ReferenceID:  optionalID(j.ReferenceID),
		ErrorMessage: j.ErrorMessage,
		FailureClass: string(j.FailureClass),
		Result:       j.ResultSummary,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
		CompletedAt:  j.CompletedAt,
	}
}

func toTemplateResponse(t *store.Template) api.TemplateResponse {
	return api.TemplateResponse{
		ID:            t.ID.String(),
		Key:           t.Key,
		Version:       t.Version,
		EngineVersion: t.EngineVersion,
		TriggerType:   t.TriggerType,
		EntryNodeID:   t.EntryNodeID,
		Graph:         t.Graph,
		Scope:         toAPIScope(t.Scope),
		PublishedAt:   t.PublishedAt,
		IsActive:      t.IsActive,
		CreatedBy:     t.CreatedBy,
		CreatedAt:     t.CreatedAt,
	}
}

func toExecutionResponse(e *store.Execution) api.ExecutionResponse {
	return api.ExecutionResponse{
		ID:              e.ID.String(),
		IdempotencyKey:  e.IdempotencyKey,
		TemplateID:      e.TemplateID.String(),
		TemplateKey:     e.TemplateKey,
		TemplateVersion: e.TemplateVersion,
		Status:          string(e.Status),
		CurrentNodeID:   e.CurrentNodeID,
		NodeAttempts:    e.NodeAttempts,
		PendingJobID:    optionalID(e.PendingJobID),
		WakeAt:          e.WakeAt,
		WaitSignal:      e.WaitSignal,
		CancelRequested: e.CancelRequested,
		Context:         e.Context,
		TriggerType:     e.TriggerType,
		Entity:          api.EntityRef{Type: e.TriggerEntity.Type, ID: e.TriggerEntity.ID},
		Scope:           toAPIScope(e.Scope),
		LastError:       e.LastError,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
		CompletedAt:     e.CompletedAt,
	}
}

func toLogEntries(entries []store.LogEntry) []api.LogEntry {
	out := make([]api.LogEntry, len(entries))
	for i, e := range entries {
		out[i] = api.LogEntry{
			ID:        e.ID,
			FromNode:  e.FromNode,
			ToNode:    e.ToNode,
			Outcome:   string(e.Outcome),
			Error:     e.Error,
			CreatedAt: e.CreatedAt,
		}
	}
	return out
}
