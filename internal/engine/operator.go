package engine

import (
	"context"
	"fmt"
	"time"

	"clinicflow/internal/apperr"
	"clinicflow/internal/queue"
	"clinicflow/internal/store"
	"clinicflow/internal/workflow"

	"github.com/google/uuid"
)

func invalidState(exec *store.Execution, op string) error {
	return fmt.Errorf("%s execution %s in status %s: %w", op, exec.ID, exec.Status, apperr.ErrInvalidState)
}

// Signal delivers an external event to an execution waiting for key. The
// data is merged into the context under signals.<key> and the wait ends.
func (e *Engine) Signal(ctx context.Context, id uuid.UUID, key string, data map[string]any) (*store.Execution, error) {
	if key == "" {
		return nil, apperr.Validation("key", "is required")
	}
	return e.mutate(ctx, id, func(exec *store.Execution) (*step, error) {
		if exec.Status != store.ExecutionStatusWaiting || exec.PendingJobID != nil || exec.WaitSignal != key {
			return nil, fmt.Errorf("signal %q: %w", key, invalidState(exec, "signal"))
		}
		_, g, err := e.registry.GraphByID(ctx, exec.TemplateID)
		if err != nil {
			return nil, err
		}
		node, ok := g.Node(exec.CurrentNodeID)
		if !ok || node.Kind != workflow.KindWait {
			return nil, invalidState(exec, "signal")
		}

		if exec.Context == nil {
			exec.Context = map[string]any{}
		}
		signals, _ := exec.Context["signals"].(map[string]any)
		if signals == nil {
			signals = map[string]any{}
		}
		if data == nil {
			data = map[string]any{}
		}
		signals[key] = data
		exec.Context["signals"] = signals
		return e.moveTo(ctx, exec, node.Next, store.OutcomeSignal)
	})
}

// Pause stops a running or waiting execution. Job events and timers that
// arrive while paused are ignored until Resume.
func (e *Engine) Pause(ctx context.Context, id uuid.UUID) (*store.Execution, error) {
	return e.mutate(ctx, id, func(exec *store.Execution) (*step, error) {
		if exec.Status != store.ExecutionStatusRunning && exec.Status != store.ExecutionStatusWaiting {
			return nil, invalidState(exec, "pause")
		}
		exec.Status = store.ExecutionStatusPaused
		return &step{entry: &store.LogEntry{
			FromNode: exec.CurrentNodeID,
			ToNode:   exec.CurrentNodeID,
			Outcome:  store.OutcomePaused,
		}}, nil
	})
}

// Resume restarts a paused or dead-lettered execution at its current node.
// A dead-lettered node gets a fresh retry budget. A paused execution that
// was waiting keeps waiting, and a side-effect result that arrived in the
// meantime is applied right away.
func (e *Engine) Resume(ctx context.Context, id uuid.UUID) (*store.Execution, error) {
	exec, err := e.mutate(ctx, id, func(exec *store.Execution) (*step, error) {
		if exec.Status != store.ExecutionStatusPaused && exec.Status != store.ExecutionStatusDeadLetter {
			return nil, invalidState(exec, "resume")
		}
		s := &step{entry: &store.LogEntry{
			FromNode: exec.CurrentNodeID,
			ToNode:   exec.CurrentNodeID,
			Outcome:  store.OutcomeResumed,
		}}

		if exec.Status == store.ExecutionStatusDeadLetter {
			exec.NodeAttempts = 0
		}

		switch {
		case exec.PendingJobID != nil:
			exec.Status = store.ExecutionStatusWaiting
		case exec.WakeAt != nil || exec.WaitSignal != "":
			exec.Status = store.ExecutionStatusWaiting
			if exec.WakeAt != nil {
				// The original timer may have fired while paused.
				runAt := *exec.WakeAt
				if now := e.now(); runAt.Before(now) {
					runAt = now
				}
				job, err := e.advanceJob(ctx, exec, exec.CurrentNodeID, runAt, true)
				if err != nil {
					return nil, err
				}
				s.jobs = append(s.jobs, job)
			}
		default:
			exec.Status = store.ExecutionStatusRunning
			job, err := e.advanceJob(ctx, exec, exec.CurrentNodeID, time.Time{}, false)
			if err != nil {
				return nil, err
			}
			s.jobs = append(s.jobs, job)
		}
		return s, nil
	})
	if err != nil {
		return nil, err
	}

	if exec.PendingJobID != nil {
		job, err := e.queue.Get(ctx, *exec.PendingJobID)
		if err == nil && job.Status.Terminal() {
			if err := e.HandleJobEvent(ctx, queue.EventFromJob(job)); err != nil {
				return nil, err
			}
			return e.store.GetExecution(ctx, id)
		}
	}
	return exec, nil
}

// Cancel requests cancellation. Executions with no side effect in flight
// are cancelled immediately. An action job nobody has claimed yet is
// withdrawn from the queue; one that is running or with an external
// executor finishes its step and the flag is honored afterwards. Cancel
// overrides a pause so that step can still report.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) (*store.Execution, error) {
	var pending *uuid.UUID
	exec, err := e.mutate(ctx, id, func(exec *store.Execution) (*step, error) {
		pending = exec.PendingJobID
		if exec.Status.Terminal() {
			return nil, invalidState(exec, "cancel")
		}
		if exec.CancelRequested {
			return nil, nil
		}
		exec.CancelRequested = true
		if exec.PendingJobID != nil {
			exec.Status = store.ExecutionStatusWaiting
			return &step{}, nil
		}
		return e.finish(exec, store.ExecutionStatusCancelled, store.OutcomeCancelled, nil), nil
	})
	if err != nil || pending == nil {
		return exec, err
	}

	jobID := *pending
	job, err := e.queue.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Status.Terminal() {
		if err := e.queue.Withdraw(ctx, jobID); err != nil {
			e.logger.Debug("pending job already claimed", "job_id", jobID, "error", err)
			return exec, nil
		}
		if job, err = e.queue.Get(ctx, jobID); err != nil {
			return nil, err
		}
	}
	// The queue's event normally does this; apply it here too in case no
	// notifier is wired or the result arrived while paused.
	if err := e.HandleJobEvent(ctx, queue.EventFromJob(job)); err != nil {
		return nil, err
	}
	return e.store.GetExecution(ctx, id)
}
