package worker

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper is the queue housekeeping the maintainer runs.
type Sweeper interface {
	PromoteDue(ctx context.Context) (int64, error)
	ReapExpired(ctx context.Context) (int, error)
}

// Reconciler repairs executions whose job events were missed.
type Reconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

// MaintenanceConfig holds the maintenance loop intervals.
type MaintenanceConfig struct {
	ReapInterval      time.Duration // default: 30s
	ReconcileInterval time.Duration // default: 1m
}

// Maintainer promotes due jobs, reaps expired leases and reconciles
// executions on fixed intervals. Running one per worker process is safe:
// every step is idempotent.
type Maintainer struct {
	sweeper    Sweeper
	reconciler Reconciler
	config     MaintenanceConfig
	logger     *slog.Logger
}

// NewMaintainer creates a maintainer. reconciler may be nil.
func NewMaintainer(s Sweeper, r Reconciler, config MaintenanceConfig, logger *slog.Logger) *Maintainer {
	if config.ReapInterval <= 0 {
		config.ReapInterval = 30 * time.Second
	}
	if config.ReconcileInterval <= 0 {
		config.ReconcileInterval = time.Minute
	}
	return &Maintainer{sweeper: s, reconciler: r, config: config, logger: logger}
}

// Run blocks until ctx is cancelled.
func (m *Maintainer) Run(ctx context.Context) error {
	reap := time.NewTicker(m.config.ReapInterval)
	defer reap.Stop()
	reconcile := time.NewTicker(m.config.ReconcileInterval)
	defer reconcile.Stop()

	m.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reap.C:
			m.sweep(ctx)
		case <-reconcile.C:
			m.reconcile(ctx)
		}
	}
}

func (m *Maintainer) sweep(ctx context.Context) {
	if _, err := m.sweeper.ReapExpired(ctx); err != nil {
		m.logger.Error("reaper failed", "error", err)
	}
	if _, err := m.sweeper.PromoteDue(ctx); err != nil {
		m.logger.Error("promoter failed", "error", err)
	}
}

func (m *Maintainer) reconcile(ctx context.Context) {
	if m.reconciler == nil {
		return
	}
	if _, err := m.reconciler.Reconcile(ctx); err != nil {
		m.logger.Error("reconciler failed", "error", err)
	}
}
