// Package api contains shared JSON request/response structs.
// This package is shared between the CLI, the Controller and external
// action executors.
package api

import (
	"encoding/json"
	"time"
)

// Priority tiers accepted by SubmitJobRequest.
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityNormal   = "normal"
	PriorityLow      = "low"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// Scope names a tenant: system, unassigned, or a group/clinic by id.
type Scope struct {
	Kind string `json:"kind"`
	ID   string `json:"id,omitempty"`
}

// EntityRef points at the domain object that fired a trigger.
type EntityRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// SubmitJobRequest is the request body for enqueueing a job.
type SubmitJobRequest struct {
	Type        string          `json:"type"`
	Priority    string          `json:"priority,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Origin      string          `json:"origin,omitempty"`
	RequestedBy string          `json:"requested_by,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	RunAt       *time.Time      `json:"run_at,omitempty"`
	ClinicIDs   []string        `json:"clinic_ids,omitempty"`
}

// SubmitJobResponse is the response body after enqueueing a job.
type SubmitJobResponse struct {
	JobID string `json:"job_id"`
}

// JobResponse represents a job in API responses.
type JobResponse struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Priority     string          `json:"priority"`
	Status       string          `json:"status"`
	Origin       string          `json:"origin,omitempty"`
	RequestedBy  string          `json:"requested_by,omitempty"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	NextRunAt    time.Time       `json:"next_run_at"`
	WorkerID     string          `json:"worker_id,omitempty"`
	ReferenceID  *string         `json:"reference_id,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	FailureClass string          `json:"failure_class,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// HeartbeatRequest is sent by a worker or executor holding a job lease.
type HeartbeatRequest struct {
	WorkerID string `json:"worker_id"`
}

// HeartbeatResponse carries the extended lease.
type HeartbeatResponse struct {
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
}

// Result statuses reported by executors.
const (
	ResultCompleted = "completed"
	ResultFailed    = "failed"
)

// ActionResult is what an external executor reports for a dispatched
// action job, over HTTP or on the result queue. JobID is only needed on
// the queue; the HTTP route carries it in the path.
type ActionResult struct {
	JobID     string          `json:"job_id,omitempty"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Retryable bool            `json:"retryable,omitempty"`
}

// ActionMessage is the envelope published for external executors.
type ActionMessage struct {
	JobID       string            `json:"job_id"`
	Type        string            `json:"type"`
	Attempt     int               `json:"attempt"`
	Payload     json.RawMessage   `json:"payload"`
	ReferenceID string            `json:"reference_id,omitempty"`
	ClinicIDs   []string          `json:"clinic_ids,omitempty"`
	Trace       map[string]string `json:"trace,omitempty"`
}

// CreateTemplateRequest creates a draft. Graph holds a JSON document;
// Document holds the same as YAML or JSON text. Exactly one is set.
type CreateTemplateRequest struct {
	Key         string          `json:"template_key"`
	TriggerType string          `json:"trigger_type"`
	Scope       Scope           `json:"scope"`
	Graph       json.RawMessage `json:"graph,omitempty"`
	Document    string          `json:"document,omitempty"`
	CreatedBy   string          `json:"created_by,omitempty"`
}

// CreateTemplateResponse is the response body after creating a draft.
type CreateTemplateResponse struct {
	TemplateID string `json:"template_id"`
}

// PublishTemplateResponse carries the assigned version.
type PublishTemplateResponse struct {
	Version int `json:"version"`
}

// TemplateResponse represents a template in API responses.
type TemplateResponse struct {
	ID            string          `json:"id"`
	Key           string          `json:"template_key"`
	Version       int             `json:"version"`
	EngineVersion int             `json:"engine_version"`
	TriggerType   string          `json:"trigger_type"`
	EntryNodeID   string          `json:"entry_node_id"`
	Graph         json.RawMessage `json:"graph"`
	Scope         Scope           `json:"scope"`
	PublishedAt   *time.Time      `json:"published_at,omitempty"`
	IsActive      bool            `json:"is_active"`
	CreatedBy     string          `json:"created_by,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ActiveTemplatesResponse lists the templates a trigger would start.
type ActiveTemplatesResponse struct {
	Templates []TemplateResponse `json:"templates"`
}

// TriggerRequest reports a domain event that may start executions.
type TriggerRequest struct {
	TriggerType string         `json:"trigger_type"`
	Entity      EntityRef      `json:"entity"`
	Scope       Scope          `json:"scope"`
	Data        map[string]any `json:"data,omitempty"`
	CreatedBy   string         `json:"created_by,omitempty"`
}

// TriggeredExecution is one template started (or found) by a trigger.
type TriggeredExecution struct {
	ExecutionID     string `json:"execution_id"`
	TemplateID      string `json:"template_id"`
	TemplateKey     string `json:"template_key"`
	TemplateVersion int    `json:"template_version"`
	Status          string `json:"status"`
	Created         bool   `json:"created"`
}

// TriggerResponse is the response body of a trigger.
type TriggerResponse struct {
	Executions []TriggeredExecution `json:"executions"`
}

// ExecutionResponse represents an execution in API responses.
type ExecutionResponse struct {
	ID              string         `json:"id"`
	IdempotencyKey  string         `json:"idempotency_key"`
	TemplateID      string         `json:"template_id"`
	TemplateKey     string         `json:"template_key"`
	TemplateVersion int            `json:"template_version"`
	Status          string         `json:"status"`
	CurrentNodeID   string         `json:"current_node_id"`
	NodeAttempts    int            `json:"node_attempts"`
	PendingJobID    *string        `json:"pending_job_id,omitempty"`
	WakeAt          *time.Time     `json:"wake_at,omitempty"`
	WaitSignal      string         `json:"wait_signal,omitempty"`
	CancelRequested bool           `json:"cancel_requested,omitempty"`
	Context         map[string]any `json:"context"`
	TriggerType     string         `json:"trigger_type"`
	Entity          EntityRef      `json:"entity"`
	Scope           Scope          `json:"scope"`
	LastError       *string        `json:"last_error,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// ExecutionListResponse is a page of executions.
type ExecutionListResponse struct {
	Executions []ExecutionResponse `json:"executions"`
}

// LogEntry represents one execution transition.
type LogEntry struct {
	ID        int64     `json:"id"`
	FromNode  string    `json:"from_node,omitempty"`
	ToNode    string    `json:"to_node,omitempty"`
	Outcome   string    `json:"outcome"`
	Error     *string   `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ExecutionLogResponse is the response body for fetching an execution log.
type ExecutionLogResponse struct {
	Entries []LogEntry `json:"entries"`
}

// SignalRequest delivers an external event to a waiting execution.
type SignalRequest struct {
	Key  string         `json:"key"`
	Data map[string]any `json:"data,omitempty"`
}
