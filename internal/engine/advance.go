package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"clinicflow/internal/apperr"
	"clinicflow/internal/queue"
	"clinicflow/internal/store"
	"clinicflow/internal/workflow"

	"github.com/google/uuid"
)

// step is what one state-machine move writes alongside the execution row.
type step struct {
	entry *store.LogEntry
	jobs  []*store.Job
}

// transition mutates exec in place and returns the rows to write with it,
// or nil when there is nothing to do.
type transition func(exec *store.Execution) (*step, error)

// commit persists exec with s in one store transaction.
func (e *Engine) commit(ctx context.Context, exec *store.Execution, s *step) error {
	err := e.store.TransitionExecution(ctx, &store.Transition{
		Execution: exec,
		Entry:     s.entry,
		Jobs:      s.jobs,
	})
	if err != nil {
		return err
	}
	e.queue.RecordEnqueued(ctx, s.jobs...)
	if s.entry != nil {
		e.metrics.NodeStep(ctx, string(e.nodeKind(ctx, exec, s.entry.FromNode)), string(s.entry.Outcome))
		e.logger.Info("execution step",
			"execution_id", exec.ID,
			"from_node", s.entry.FromNode,
			"to_node", s.entry.ToNode,
			"outcome", s.entry.Outcome,
			"status", exec.Status,
		)
	}
	switch exec.Status {
	case store.ExecutionStatusCompleted, store.ExecutionStatusCancelled,
		store.ExecutionStatusFailed, store.ExecutionStatusDeadLetter:
		e.metrics.ExecutionFinished(ctx, exec.TemplateKey, string(exec.Status))
	}
	return nil
}

func (e *Engine) nodeKind(ctx context.Context, exec *store.Execution, nodeID string) workflow.NodeKind {
	if nodeID == "" {
		return ""
	}
	_, g, err := e.registry.GraphByID(ctx, exec.TemplateID)
	if err != nil {
		return ""
	}
	if n, ok := g.Node(nodeID); ok {
		return n.Kind
	}
	return ""
}

// mutate loads the execution, applies fn and commits, reloading and
// retrying when another writer moved the revision first.
func (e *Engine) mutate(ctx context.Context, id uuid.UUID, fn transition) (*store.Execution, error) {
	const maxTries = 5
	for try := 0; ; try++ {
		exec, err := e.store.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		s, err := fn(exec)
		if err != nil {
			return nil, err
		}
		if s == nil {
			return exec, nil
		}
		err = e.commit(ctx, exec, s)
		if errors.Is(err, apperr.ErrStaleRevision) && try < maxTries {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("commit execution %s: %w", id, err)
		}
		return exec, nil
	}
}

// Advance processes the current node of an execution once.
func (e *Engine) Advance(ctx context.Context, id uuid.UUID) error {
	return e.advance(ctx, id, "", false)
}

// HandleAdvanceJob runs a claimed workflow.advance job.
func (e *Engine) HandleAdvanceJob(ctx context.Context, job *store.Job) error {
	var p advancePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return apperr.Permanent(fmt.Errorf("decode advance payload: %w", err))
	}
	return e.advance(ctx, p.ExecutionID, p.NodeID, p.Timer)
}

// advance is one step of the state machine. When expectNode is set the
// step only runs if the execution still sits on that node, which turns
// duplicate or stale advance jobs into no-ops. A step that loses the
// revision race is also a no-op: the winner already moved on.
func (e *Engine) advance(ctx context.Context, id uuid.UUID, expectNode string, timer bool) error {
	exec, err := e.store.GetExecution(ctx, id)
	if errors.Is(err, apperr.ErrNotFound) {
		return apperr.Permanent(fmt.Errorf("execution %s: %w", id, err))
	}
	if err != nil {
		return err
	}
	if expectNode != "" && exec.CurrentNodeID != expectNode {
		return nil
	}

	s, err := e.step(ctx, exec, timer)
	if err != nil || s == nil {
		return err
	}
	err = e.commit(ctx, exec, s)
	if errors.Is(err, apperr.ErrStaleRevision) {
		e.logger.Debug("advance lost revision race", "execution_id", id)
		return nil
	}
	return err
}

func (e *Engine) step(ctx context.Context, exec *store.Execution, timer bool) (*step, error) {
	switch exec.Status {
	case store.ExecutionStatusCompleted, store.ExecutionStatusFailed, store.ExecutionStatusCancelled,
		store.ExecutionStatusPaused, store.ExecutionStatusDeadLetter:
		return nil, nil
	}

	if exec.CancelRequested {
		if exec.PendingJobID != nil {
			// The in-flight side effect finishes its step first.
			return nil, nil
		}
		return e.finish(exec, store.ExecutionStatusCancelled, store.OutcomeCancelled, nil), nil
	}

	_, g, err := e.registry.GraphByID(ctx, exec.TemplateID)
	if err != nil {
		return nil, err
	}
	node, ok := g.Node(exec.CurrentNodeID)
	if !ok {
		msg := fmt.Sprintf("node %q not found in template %s", exec.CurrentNodeID, exec.TemplateID)
		return e.finish(exec, store.ExecutionStatusFailed, store.OutcomeFailed, &msg), nil
	}

	if exec.Status == store.ExecutionStatusWaiting {
		if node.Kind != workflow.KindWait || !timer || exec.WakeAt == nil || e.now().Before(*exec.WakeAt) {
			return nil, nil
		}
		return e.moveTo(ctx, exec, node.Next, store.OutcomeResumed)
	}

	switch cfg := node.Config.(type) {
	case *workflow.TriggerConfig:
		return e.moveTo(ctx, exec, node.Next, store.OutcomeAdvanced)

	case *workflow.ActionConfig:
		return e.dispatchAction(ctx, exec, node, cfg)

	case *workflow.ConditionConfig:
		ok, err := cfg.When.Evaluate(exec.Context)
		if err != nil {
			var ce *workflow.ConditionError
			if errors.As(err, &ce) {
				return e.nodeFailure(ctx, exec, node, err.Error(), false)
			}
			return nil, err
		}
		next := node.OnFalse
		if ok {
			next = node.OnTrue
		}
		return e.moveTo(ctx, exec, next, store.OutcomeBranched)

	case *workflow.WaitConfig:
		exec.Status = store.ExecutionStatusWaiting
		exec.WaitSignal = cfg.Signal
		exec.WakeAt = nil
		s := &step{}
		if at, ok := cfg.WakeAt(e.now()); ok {
			exec.WakeAt = &at
			job, err := e.advanceJob(ctx, exec, node.ID, at, true)
			if err != nil {
				return nil, err
			}
			s.jobs = append(s.jobs, job)
		}
		return s, nil

	case *workflow.EndConfig:
		if cfg.Outcome != "" {
			if exec.Context == nil {
				exec.Context = map[string]any{}
			}
			exec.Context["outcome"] = cfg.Outcome
		}
		return e.finish(exec, store.ExecutionStatusCompleted, store.OutcomeCompleted, nil), nil
	}
	return nil, fmt.Errorf("node %q has unsupported config %T", node.ID, node.Config)
}

// moveTo makes next the current node, logs outcome and schedules it.
func (e *Engine) moveTo(ctx context.Context, exec *store.Execution, next string, outcome store.LogOutcome) (*step, error) {
	from := exec.CurrentNodeID
	exec.CurrentNodeID = next
	exec.Status = store.ExecutionStatusRunning
	exec.NodeAttempts = 0
	exec.PendingJobID = nil
	exec.WakeAt = nil
	exec.WaitSignal = ""
	job, err := e.advanceJob(ctx, exec, next, time.Time{}, false)
	if err != nil {
		return nil, err
	}
	return &step{
		entry: &store.LogEntry{FromNode: from, ToNode: next, Outcome: outcome},
		jobs:  []*store.Job{job},
	}, nil
}

// finish puts the execution in a resting status.
func (e *Engine) finish(exec *store.Execution, status store.ExecutionStatus, outcome store.LogOutcome, errMsg *string) *step {
	now := e.now()
	exec.Status = status
	exec.PendingJobID = nil
	exec.WakeAt = nil
	exec.WaitSignal = ""
	if errMsg != nil {
		exec.LastError = errMsg
	}
	if status.Terminal() {
		exec.CompletedAt = &now
	}
	return &step{entry: &store.LogEntry{FromNode: exec.CurrentNodeID, Outcome: outcome, Error: errMsg}}
}

func (e *Engine) dispatchAction(ctx context.Context, exec *store.Execution, node *workflow.Node, cfg *workflow.ActionConfig) (*step, error) {
	payload, err := buildPayload(cfg, exec.Context)
	if err != nil {
		return e.nodeFailure(ctx, exec, node, err.Error(), false)
	}
	attempts := cfg.MaxAttempts
	if attempts == 0 {
		attempts = e.cfg.DefaultActionAttempts
	}
	id := exec.ID
	job, err := e.queue.NewJob(ctx, queue.Request{
		Type:        cfg.JobType,
		Priority:    cfg.Priority,
		Payload:     payload,
		Origin:      "workflow:" + exec.TemplateKey + "/" + node.ID,
		RequestedBy: exec.CreatedBy,
		MaxAttempts: attempts,
		ReferenceID: &id,
		ClinicIDs:   exec.ClinicIDs,
	})
	if err != nil {
		var ve *apperr.ValidationError
		if errors.As(err, &ve) {
			// The payload will never satisfy the job type.
			return e.nodeFailure(ctx, exec, node, err.Error(), true)
		}
		return nil, err
	}
	exec.Status = store.ExecutionStatusWaiting
	exec.PendingJobID = &job.ID
	return &step{jobs: []*store.Job{job}}, nil
}

func buildPayload(cfg *workflow.ActionConfig, execCtx map[string]any) (json.RawMessage, error) {
	doc := make(map[string]any, len(cfg.Payload)+len(cfg.Inputs))
	for k, v := range cfg.Payload {
		doc[k] = v
	}
	for field, path := range cfg.Inputs {
		v, ok := workflow.Lookup(execCtx, path)
		if !ok {
			return nil, &workflow.ConditionError{Key: path, Reason: "action input missing from context"}
		}
		doc[field] = v
	}
	return json.Marshal(doc)
}

func (e *Engine) maxRetries(node *workflow.Node) int {
	if a, ok := node.Config.(*workflow.ActionConfig); ok && a.MaxRetries != nil {
		return *a.MaxRetries
	}
	return e.cfg.NodeMaxRetries
}

// nodeFailure records a failed node. Permanent failures and failures past
// the retry bound dead-letter the execution; the rest re-run the node
// after a backoff delay.
func (e *Engine) nodeFailure(ctx context.Context, exec *store.Execution, node *workflow.Node, msg string, permanent bool) (*step, error) {
	exec.LastError = &msg
	exec.PendingJobID = nil
	exec.Status = store.ExecutionStatusRunning

	if !permanent {
		exec.NodeAttempts++
		if exec.NodeAttempts <= e.maxRetries(node) {
			runAt := e.now().Add(e.cfg.Backoff.Delay(exec.NodeAttempts))
			job, err := e.advanceJob(ctx, exec, node.ID, runAt, false)
			if err != nil {
				return nil, err
			}
			e.logger.Warn("node failed, retrying",
				"execution_id", exec.ID,
				"node_id", node.ID,
				"node_attempt", exec.NodeAttempts,
				"retry_at", runAt,
				"error", msg,
			)
			return &step{
				entry: &store.LogEntry{FromNode: node.ID, ToNode: node.ID, Outcome: store.OutcomeRetry, Error: &msg},
				jobs:  []*store.Job{job},
			}, nil
		}
	}

	e.logger.Error("execution dead-lettered",
		"execution_id", exec.ID,
		"node_id", node.ID,
		"permanent", permanent,
		"error", msg,
	)
	return e.finish(exec, store.ExecutionStatusDeadLetter, store.OutcomeDeadLetter, &msg), nil
}
