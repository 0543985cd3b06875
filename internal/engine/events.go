package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"clinicflow/internal/apperr"
	"clinicflow/internal/queue"
	"clinicflow/internal/store"
	"clinicflow/internal/workflow"
)

// HandleJobEvent reacts to a terminal job. Action results move their
// execution forward; failures count against the node's retry budget.
// Events for jobs the execution no longer waits on are ignored.
func (e *Engine) HandleJobEvent(ctx context.Context, ev queue.JobEvent) error {
	if ev.ReferenceID == nil || !ev.Status.Terminal() {
		return nil
	}

	if ev.Type == queue.TypeWorkflowAdvance {
		return e.handleAdvanceJobEvent(ctx, ev)
	}

	_, err := e.mutate(ctx, *ev.ReferenceID, func(exec *store.Execution) (*step, error) {
		if exec.PendingJobID == nil || *exec.PendingJobID != ev.JobID {
			return nil, nil
		}
		if exec.Status != store.ExecutionStatusWaiting {
			// Paused executions pick the result up on resume.
			return nil, nil
		}
		_, g, err := e.registry.GraphByID(ctx, exec.TemplateID)
		if err != nil {
			return nil, err
		}
		node, ok := g.Node(exec.CurrentNodeID)
		if !ok {
			return nil, fmt.Errorf("node %q not found", exec.CurrentNodeID)
		}
		cfg, ok := node.Config.(*workflow.ActionConfig)
		if !ok {
			return nil, nil
		}

		switch ev.Status {
		case store.JobStatusCompleted:
			if cfg.ResultKey != "" && len(ev.Result) > 0 {
				if exec.Context == nil {
					exec.Context = map[string]any{}
				}
				exec.Context[cfg.ResultKey] = decodeResult(ev.Result)
			}
			return e.moveTo(ctx, exec, node.Next, store.OutcomeAdvanced)

		default:
			msg := ev.Error
			if msg == "" {
				msg = fmt.Sprintf("job %s %s", ev.JobID, ev.Status)
			}
			if exec.CancelRequested {
				exec.LastError = &msg
				return e.finish(exec, store.ExecutionStatusCancelled, store.OutcomeCancelled, nil), nil
			}
			permanent := ev.FailureClass == store.FailurePermanent || ev.Status == store.JobStatusCancelled
			return e.nodeFailure(ctx, exec, node, msg, permanent)
		}
	})
	if errors.Is(err, apperr.ErrNotFound) {
		e.logger.Warn("job event for unknown execution", "job_id", ev.JobID, "execution_id", ev.ReferenceID)
		return nil
	}
	return err
}

// handleAdvanceJobEvent covers advance jobs that exhausted their own
// attempts (the store was unreachable, say). The node it was meant for is
// charged one failure so the execution cannot stall silently.
func (e *Engine) handleAdvanceJobEvent(ctx context.Context, ev queue.JobEvent) error {
	if ev.Status != store.JobStatusFailed {
		return nil
	}
	job, err := e.queue.Get(ctx, ev.JobID)
	if err != nil {
		return fmt.Errorf("load advance job %s: %w", ev.JobID, err)
	}
	var p advancePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil
	}
	_, err = e.mutate(ctx, *ev.ReferenceID, func(exec *store.Execution) (*step, error) {
		if exec.CurrentNodeID != p.NodeID {
			return nil, nil
		}
		if exec.Status != store.ExecutionStatusRunning && !(p.Timer && exec.Status == store.ExecutionStatusWaiting) {
			return nil, nil
		}
		_, g, err := e.registry.GraphByID(ctx, exec.TemplateID)
		if err != nil {
			return nil, err
		}
		node, ok := g.Node(exec.CurrentNodeID)
		if !ok {
			return nil, nil
		}
		return e.nodeFailure(ctx, exec, node, "advance job failed: "+ev.Error, ev.FailureClass == store.FailurePermanent)
	})
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	return err
}

func decodeResult(raw json.RawMessage) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// Run consumes job events until ctx ends or the channel closes.
func (e *Engine) Run(ctx context.Context, events <-chan queue.JobEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := e.HandleJobEvent(ctx, ev); err != nil {
				e.logger.Error("failed to handle job event",
					"job_id", ev.JobID,
					"type", ev.Type,
					"status", ev.Status,
					"error", err,
				)
			}
		}
	}
}

// Reconcile repairs executions whose job event was missed: waiting
// executions whose pending job already finished, and waits whose timer
// elapsed without a resume. It returns how many executions it touched.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	waiting, err := e.store.ListExecutions(ctx, store.ExecutionFilter{
		Statuses: []store.ExecutionStatus{store.ExecutionStatusWaiting},
	})
	if err != nil {
		return 0, fmt.Errorf("list waiting executions: %w", err)
	}

	touched := 0
	now := e.now()
	for _, exec := range waiting {
		switch {
		case exec.PendingJobID != nil:
			job, err := e.queue.Get(ctx, *exec.PendingJobID)
			if err != nil {
				e.logger.Warn("reconcile: pending job lookup failed", "execution_id", exec.ID, "error", err)
				continue
			}
			if !job.Status.Terminal() {
				continue
			}
			if err := e.HandleJobEvent(ctx, queue.EventFromJob(job)); err != nil {
				e.logger.Warn("reconcile: job event replay failed", "execution_id", exec.ID, "error", err)
				continue
			}
			touched++

		case exec.WakeAt != nil && !now.Before(*exec.WakeAt):
			if err := e.advance(ctx, exec.ID, exec.CurrentNodeID, true); err != nil {
				e.logger.Warn("reconcile: timer resume failed", "execution_id", exec.ID, "error", err)
				continue
			}
			touched++
		}
	}
	if touched > 0 {
		e.logger.Info("reconciled executions", "count", touched)
	}
	return touched, nil
}
