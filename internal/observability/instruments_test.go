package observability

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	// None of these may panic.
	m.JobEnqueued(ctx, "message.send", "high")
	m.JobClaimed(ctx, "message.send")
	m.JobFinished(ctx, "message.send", "completed")
	m.JobsReaped(ctx, 3)
	m.JobDuration(ctx, "message.send", 0.5)
	m.ExecutionStarted(ctx, "lead-nurture")
	m.ExecutionFinished(ctx, "lead-nurture", "completed")
	m.NodeStep(ctx, "action", "advanced")
}

func TestMetrics_RecordsCounters(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(ctx)

	m, err := NewMetrics(provider.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.JobClaimed(ctx, "workflow.advance")
	m.JobClaimed(ctx, "workflow.advance")
	m.ExecutionStarted(ctx, "reminder")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			sum, ok := metric.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[metric.Name] += dp.Value
			}
		}
	}

	if totals["clinicflow.jobs.claimed"] != 2 {
		t.Errorf("jobs.claimed = %d, want 2", totals["clinicflow.jobs.claimed"])
	}
	if totals["clinicflow.executions.started"] != 1 {
		t.Errorf("executions.started = %d, want 1", totals["clinicflow.executions.started"])
	}
}
