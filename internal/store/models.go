// Package store contains the persistence contract for clinicflow: the rows
// owned by the job queue, the template registry and the execution engine.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Priority orders claims across tiers.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Rank maps a priority to the integer the queue sorts on (higher first).
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// ParsePriority accepts the four tier names; empty means normal.
func ParsePriority(s string) (Priority, bool) {
	switch Priority(s) {
	case "":
		return PriorityNormal, true
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return Priority(s), true
	}
	return "", false
}

// JobStatus represents the state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// FailureClass records why a job ended up failed.
type FailureClass string

const (
	FailureTransient    FailureClass = "transient"
	FailurePermanent    FailureClass = "permanent"
	FailureLeaseExpired FailureClass = "lease_expired"
)

// Job is a unit of schedulable work. The queue owns these rows exclusively.
type Job struct {
	ID             uuid.UUID
	Type           string
	Priority       Priority
	Status         JobStatus
	Origin         string
	Payload        json.RawMessage
	RequestedBy    string
	Attempts       int
	MaxAttempts    int
	LastAttemptAt  *time.Time
	NextRunAt      time.Time
	LeaseExpiresAt *time.Time
	WorkerID       string
	CompletedAt    *time.Time
	// ReferenceID correlates the job with the execution that requested it.
	ReferenceID   *uuid.UUID
	ClinicIDs     []uuid.UUID
	ErrorMessage  *string
	FailureClass  FailureClass
	ResultSummary json.RawMessage
	TraceCarrier  map[string]string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ScopeKind is the tenant boundary a template or execution applies to.
type ScopeKind string

const (
	ScopeSystem     ScopeKind = "system"
	ScopeGroup      ScopeKind = "group"
	ScopeClinic     ScopeKind = "clinic"
	ScopeUnassigned ScopeKind = "unassigned"
)

// Scope references a tenant. ID is uuid.Nil for system and unassigned.
type Scope struct {
	Kind ScopeKind `json:"kind"`
	ID   uuid.UUID `json:"id,omitempty"`
}

// Clinic is the leaf tenant. GroupID is nil for clinics outside any group.
type Clinic struct {
	ID      uuid.UUID
	GroupID *uuid.UUID
	Name    string
}

// Template is a versioned workflow definition. Version is zero while the
// template is a draft; the graph is frozen once PublishedAt is set.
type Template struct {
	ID            uuid.UUID
	Key           string
	Version       int
	EngineVersion int
	TriggerType   string
	EntryNodeID   string
	Graph         json.RawMessage
	Scope         Scope
	PublishedAt   *time.Time
	IsActive      bool
	CreatedBy     string
	CreatedAt     time.Time
}

// Published reports whether the template has been frozen.
func (t *Template) Published() bool { return t.PublishedAt != nil }

// ExecutionStatus represents the state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning    ExecutionStatus = "running"
	ExecutionStatusWaiting    ExecutionStatus = "waiting"
	ExecutionStatusCompleted  ExecutionStatus = "completed"
	ExecutionStatusFailed     ExecutionStatus = "failed"
	ExecutionStatusPaused     ExecutionStatus = "paused"
	ExecutionStatusCancelled  ExecutionStatus = "cancelled"
	ExecutionStatusDeadLetter ExecutionStatus = "dead_letter"
)

// Terminal reports whether advance must treat the execution as finished.
// dead_letter is not terminal: an operator may resume it.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// EntityRef points at the domain object that fired a trigger (a lead, an
// appointment, ...).
type EntityRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Execution is one run of a template against one trigger occurrence.
type Execution struct {
	ID              uuid.UUID
	IdempotencyKey  string
	TemplateID      uuid.UUID
	TemplateKey     string
	TemplateVersion int
	EngineVersion   int
	Status          ExecutionStatus
	Context         map[string]any
	CurrentNodeID   string
	NodeAttempts    int
	PendingJobID    *uuid.UUID
	WakeAt          *time.Time
	WaitSignal      string
	CancelRequested bool
	TriggerType     string
	TriggerEntity   EntityRef
	Scope           Scope
	// ClinicIDs is resolved once at creation and never re-resolved.
	ClinicIDs   []uuid.UUID
	LastError   *string
	CreatedBy   string
	Revision    int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// LogOutcome labels an execution log entry.
type LogOutcome string

const (
	OutcomeStarted    LogOutcome = "started"
	OutcomeAdvanced   LogOutcome = "advanced"
	OutcomeBranched   LogOutcome = "branched"
	OutcomeResumed    LogOutcome = "resumed"
	OutcomeSignal     LogOutcome = "signal"
	OutcomeRetry      LogOutcome = "retry"
	OutcomeDeadLetter LogOutcome = "dead_letter"
	OutcomeCompleted  LogOutcome = "completed"
	OutcomeFailed     LogOutcome = "failed"
	OutcomeCancelled  LogOutcome = "cancelled"
	OutcomePaused     LogOutcome = "paused"
)

// LogEntry is an append-only record of one execution transition.
type LogEntry struct {
	ID          int64
	ExecutionID uuid.UUID
	FromNode    string
	ToNode      string
	Outcome     LogOutcome
	Error       *string
	CreatedAt   time.Time
}
