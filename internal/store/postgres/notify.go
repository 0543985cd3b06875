package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"clinicflow/internal/backoff"
	"clinicflow/internal/queue"
	"clinicflow/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// JobEventsChannel is the LISTEN/NOTIFY channel carrying terminal job events.
const JobEventsChannel = "clinicflow_job_events"

// notification is the NOTIFY payload. Only the ID travels: payloads are
// capped at 8000 bytes and results can be larger, so listeners reload the row.
type notification struct {
	JobID uuid.UUID `json:"job_id"`
}

// Notifier publishes terminal job events with pg_notify so every process
// listening on the database sees them.
type Notifier struct {
	db      store.DBTransaction
	channel string
}

var _ queue.Notifier = (*Notifier)(nil)

// Notifier returns a queue.Notifier bound to this store's pool.
func (s *Store) Notifier() *Notifier {
	return &Notifier{db: s.db, channel: JobEventsChannel}
}

// Notify sends the job ID of ev on the events channel.
func (n *Notifier) Notify(ctx context.Context, ev queue.JobEvent) error {
	payload, err := json.Marshal(notification{JobID: ev.JobID})
	if err != nil {
		return err
	}
	if _, err := n.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, n.channel, string(payload)); err != nil {
		return fmt.Errorf("failed to notify job %s: %w", ev.JobID, err)
	}
	return nil
}

// listenConn is the part of *pgx.Conn the listener uses.
type listenConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// JobGetter loads the job a notification refers to.
type JobGetter interface {
	GetJob(ctx context.Context, id uuid.UUID) (*store.Job, error)
}

// Listener turns notifications on the events channel back into queue.JobEvents.
// It holds one dedicated pgx connection and reconnects with backoff when it drops.
type Listener struct {
	dial    func(ctx context.Context) (listenConn, error)
	jobs    JobGetter
	channel string
	retry   backoff.Strategy
	logger  *slog.Logger
}

// NewListener creates a listener for databaseURL that resolves job IDs through jobs.
func NewListener(databaseURL string, jobs JobGetter, logger *slog.Logger) *Listener {
	return &Listener{
		dial: func(ctx context.Context) (listenConn, error) {
			conn, err := pgx.Connect(ctx, databaseURL)
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
		jobs:    jobs,
		channel: JobEventsChannel,
		retry:   backoff.NewExponential(500*time.Millisecond, 30*time.Second),
		logger:  logger,
	}
}

// Run forwards events to out until ctx is cancelled. Events missed while
// disconnected are recovered by the engine's reconciler.
func (l *Listener) Run(ctx context.Context, out chan<- queue.JobEvent) error {
	attempt := 0
	for {
		err := l.listen(ctx, out, func() { attempt = 0 })
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempt++
		delay := l.retry.Delay(attempt)
		l.logger.Warn("job event listener disconnected",
			"error", err,
			"attempt", attempt,
			"retry_in", delay,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (l *Listener) listen(ctx context.Context, out chan<- queue.JobEvent, connected func()) error {
	conn, err := l.dial(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.WithoutCancel(ctx))

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	connected()
	l.logger.Info("listening for job events", "channel", l.channel)

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		ev, err := l.resolve(ctx, n.Payload)
		if err != nil {
			l.logger.Warn("dropping job notification", "payload", n.Payload, "error", err)
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Listener) resolve(ctx context.Context, payload string) (queue.JobEvent, error) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return queue.JobEvent{}, fmt.Errorf("decode notification: %w", err)
	}
	job, err := l.jobs.GetJob(ctx, n.JobID)
	if err != nil {
		return queue.JobEvent{}, fmt.Errorf("load job %s: %w", n.JobID, err)
	}
	if !job.Status.Terminal() {
		return queue.JobEvent{}, errors.New("job is not terminal")
	}
	return queue.EventFromJob(job), nil
}
