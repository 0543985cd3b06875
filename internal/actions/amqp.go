package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"clinicflow/internal/apperr"
	"clinicflow/internal/queue"
	"clinicflow/internal/store"
	"clinicflow/pkg/api"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker is an AMQP connection with the action exchange and the result
// queue declared.
type Broker struct {
	conn        *amqp.Connection
	ch          *amqp.Channel
	exchange    string
	resultQueue string
	logger      *slog.Logger
}

// Dial connects to url and declares the topology: a durable topic
// exchange routed by job type, and a durable result queue.
func Dial(url, exchange, resultQueue string, logger *slog.Logger) (*Broker, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{Heartbeat: 10 * time.Second, Locale: "en_US"})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	if _, err := ch.QueueDeclare(resultQueue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", resultQueue, err)
	}

	logger.Info("AMQP broker ready", "exchange", exchange, "result_queue", resultQueue)
	return &Broker{conn: conn, ch: ch, exchange: exchange, resultQueue: resultQueue, logger: logger}, nil
}

// Dispatcher returns a dispatcher publishing on the broker's exchange.
func (b *Broker) Dispatcher() *Dispatcher {
	return NewDispatcher(b.ch, b.exchange, b.logger)
}

// Results starts consuming the result queue with manual acks.
func (b *Broker) Results(consumerTag string, prefetch int) (<-chan amqp.Delivery, error) {
	if err := b.ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}
	deliveries, err := b.ch.Consume(b.resultQueue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume %s: %w", b.resultQueue, err)
	}
	return deliveries, nil
}

// Close closes the channel and the connection.
func (b *Broker) Close() error {
	if err := b.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		b.logger.Warn("failed to close AMQP channel", "error", err)
	}
	return b.conn.Close()
}

// Publisher is the part of *amqp.Channel the dispatcher needs.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Dispatcher hands action jobs to external executors. The job stays in
// waiting until the executor reports a result.
type Dispatcher struct {
	pub      Publisher
	exchange string
	logger   *slog.Logger
	now      func() time.Time
}

// NewDispatcher creates a dispatcher publishing on exchange.
func NewDispatcher(pub Publisher, exchange string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{pub: pub, exchange: exchange, logger: logger, now: time.Now}
}

// Handle publishes the job envelope, routed by job type, and suspends the job.
func (d *Dispatcher) Handle(ctx context.Context, job *store.Job) (json.RawMessage, error) {
	msg := api.ActionMessage{
		JobID:   job.ID.String(),
		Type:    job.Type,
		Attempt: job.Attempts,
		Payload: job.Payload,
		Trace:   job.TraceCarrier,
	}
	if job.ReferenceID != nil {
		msg.ReferenceID = job.ReferenceID.String()
	}
	for _, id := range job.ClinicIDs {
		msg.ClinicIDs = append(msg.ClinicIDs, id.String())
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, apperr.Permanent(fmt.Errorf("encode action message: %w", err))
	}

	err = d.pub.PublishWithContext(ctx, d.exchange, job.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID.String(),
		Timestamp:    d.now(),
		Type:         job.Type,
		Priority:     amqpPriority(job.Priority),
		Body:         body,
	})
	if err != nil {
		return nil, &apperr.TransientError{Err: fmt.Errorf("publish action %s: %w", job.ID, err)}
	}
	d.logger.Info("action dispatched", "job_id", job.ID, "type", job.Type, "exchange", d.exchange)
	return nil, queue.ErrSuspend
}

func amqpPriority(p store.Priority) uint8 {
	switch p {
	case store.PriorityCritical:
		return 9
	case store.PriorityHigh:
		return 7
	case store.PriorityLow:
		return 1
	default:
		return 5
	}
}
