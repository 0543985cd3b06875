package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"clinicflow/internal/apperr"
	"clinicflow/pkg/api"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ResultSink records executor results; *queue.Queue satisfies it.
type ResultSink interface {
	Complete(ctx context.Context, id uuid.UUID, result json.RawMessage) error
	Fail(ctx context.Context, id uuid.UUID, msg string, retryable bool) error
}

// ApplyResult records one executor result against its job.
func ApplyResult(ctx context.Context, sink ResultSink, id uuid.UUID, r api.ActionResult) error {
	switch r.Status {
	case api.ResultCompleted:
		return sink.Complete(ctx, id, r.Result)
	case api.ResultFailed:
		msg := r.Error
		if msg == "" {
			msg = "executor reported failure"
		}
		return sink.Fail(ctx, id, msg, r.Retryable)
	}
	return apperr.Validation("status", "must be %q or %q", api.ResultCompleted, api.ResultFailed)
}

// ResultConsumer applies results arriving on the result queue.
type ResultConsumer struct {
	sink   ResultSink
	logger *slog.Logger
}

// NewResultConsumer creates a consumer recording into sink.
func NewResultConsumer(sink ResultSink, logger *slog.Logger) *ResultConsumer {
	return &ResultConsumer{sink: sink, logger: logger}
}

// Run handles deliveries until ctx ends or the channel closes.
func (c *ResultConsumer) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				c.logger.Warn("result delivery channel closed")
				return nil
			}
			c.handle(ctx, d)
		}
	}
}

func (c *ResultConsumer) handle(ctx context.Context, d amqp.Delivery) {
	var r api.ActionResult
	if err := json.Unmarshal(d.Body, &r); err != nil {
		c.reject(d, fmt.Errorf("decode result: %w", err))
		return
	}
	id, err := uuid.Parse(r.JobID)
	if err != nil {
		c.reject(d, fmt.Errorf("invalid job_id %q", r.JobID))
		return
	}

	err = ApplyResult(ctx, c.sink, id, r)
	var ve *apperr.ValidationError
	switch {
	case err == nil:
		c.logger.Info("action result recorded", "job_id", id, "status", r.Status)
	case errors.Is(err, apperr.ErrNotFound), errors.Is(err, apperr.ErrInvalidState), errors.As(err, &ve):
		// Redelivering cannot help: unknown job, duplicate result, or garbage.
		c.reject(d, err)
		return
	default:
		c.logger.Error("failed to record action result, requeueing", "job_id", id, "error", err)
		if nackErr := d.Nack(false, true); nackErr != nil {
			c.logger.Error("failed to NACK result", "error", nackErr)
		}
		return
	}
	if ackErr := d.Ack(false); ackErr != nil {
		c.logger.Error("failed to ACK result", "job_id", id, "error", ackErr)
	}
}

func (c *ResultConsumer) reject(d amqp.Delivery, err error) {
	c.logger.Warn("dropping action result", "error", err, "body", string(d.Body))
	if nackErr := d.Nack(false, false); nackErr != nil {
		c.logger.Error("failed to NACK result", "error", nackErr)
	}
}
