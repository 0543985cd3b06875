package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the counters the queue, the engine and the worker record.
// A nil *Metrics is valid and records nothing, so tests can skip wiring it.
type Metrics struct {
	jobsEnqueued       metric.Int64Counter
	jobsClaimed        metric.Int64Counter
	jobsFinished       metric.Int64Counter
	jobsReaped         metric.Int64Counter
	jobDuration        metric.Float64Histogram
	executionsStarted  metric.Int64Counter
	executionsFinished metric.Int64Counter
	nodeSteps          metric.Int64Counter
}

// NewMetrics registers the clinicflow instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.jobsEnqueued, err = meter.Int64Counter("clinicflow.jobs.enqueued",
		metric.WithDescription("Jobs inserted into the queue")); err != nil {
		return nil, err
	}
	if m.jobsClaimed, err = meter.Int64Counter("clinicflow.jobs.claimed",
		metric.WithDescription("Jobs claimed by workers")); err != nil {
		return nil, err
	}
	if m.jobsFinished, err = meter.Int64Counter("clinicflow.jobs.finished",
		metric.WithDescription("Jobs leaving the running state, by outcome")); err != nil {
		return nil, err
	}
	if m.jobsReaped, err = meter.Int64Counter("clinicflow.jobs.reaped",
		metric.WithDescription("Running jobs released after their lease expired")); err != nil {
		return nil, err
	}
	if m.jobDuration, err = meter.Float64Histogram("clinicflow.jobs.duration",
		metric.WithDescription("Handler time per claimed job"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.executionsStarted, err = meter.Int64Counter("clinicflow.executions.started",
		metric.WithDescription("Executions created (duplicates excluded)")); err != nil {
		return nil, err
	}
	if m.executionsFinished, err = meter.Int64Counter("clinicflow.executions.finished",
		metric.WithDescription("Executions reaching completed, cancelled, failed or dead_letter")); err != nil {
		return nil, err
	}
	if m.nodeSteps, err = meter.Int64Counter("clinicflow.nodes.steps",
		metric.WithDescription("Node outcomes recorded in the execution log")); err != nil {
		return nil, err
	}
	return &m, nil
}

// JobEnqueued counts an inserted job.
func (m *Metrics) JobEnqueued(ctx context.Context, jobType, priority string) {
	if m == nil {
		return
	}
	m.jobsEnqueued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job.type", jobType),
		attribute.String("job.priority", priority),
	))
}

// JobClaimed counts a claim.
func (m *Metrics) JobClaimed(ctx context.Context, jobType string) {
	if m == nil {
		return
	}
	m.jobsClaimed.Add(ctx, 1, metric.WithAttributes(attribute.String("job.type", jobType)))
}

// JobFinished counts a job outcome (completed, retried, failed, waiting, cancelled).
func (m *Metrics) JobFinished(ctx context.Context, jobType, outcome string) {
	if m == nil {
		return
	}
	m.jobsFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job.type", jobType),
		attribute.String("outcome", outcome),
	))
}

// JobsReaped counts lease expirations.
func (m *Metrics) JobsReaped(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.jobsReaped.Add(ctx, int64(n))
}

// JobDuration records handler time in seconds.
func (m *Metrics) JobDuration(ctx context.Context, jobType string, seconds float64) {
	if m == nil {
		return
	}
	m.jobDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("job.type", jobType)))
}

// ExecutionStarted counts a newly created execution.
func (m *Metrics) ExecutionStarted(ctx context.Context, templateKey string) {
	if m == nil {
		return
	}
	m.executionsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("template.key", templateKey)))
}

// ExecutionFinished counts an execution reaching a resting state.
func (m *Metrics) ExecutionFinished(ctx context.Context, templateKey, status string) {
	if m == nil {
		return
	}
	m.executionsFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("template.key", templateKey),
		attribute.String("status", status),
	))
}

// NodeStep counts a logged node outcome.
func (m *Metrics) NodeStep(ctx context.Context, kind, outcome string) {
	if m == nil {
		return
	}
	m.nodeSteps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("node.kind", kind),
		attribute.String("outcome", outcome),
	))
}
