package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"clinicflow/internal/store"

	"github.com/google/uuid"
)

// JobEvent is published whenever a job reaches a terminal status. The
// execution engine subscribes to these instead of registering callbacks.
type JobEvent struct {
	JobID        uuid.UUID          `json:"job_id"`
	Type         string             `json:"type"`
	Status       store.JobStatus    `json:"status"`
	ReferenceID  *uuid.UUID         `json:"reference_id,omitempty"`
	Error        string             `json:"error,omitempty"`
	FailureClass store.FailureClass `json:"failure_class,omitempty"`
	Result       json.RawMessage    `json:"result,omitempty"`
}

// EventFromJob builds the event for a job row in a terminal status.
func EventFromJob(j *store.Job) JobEvent {
	ev := JobEvent{
		JobID:        j.ID,
		Type:         j.Type,
		Status:       j.Status,
		ReferenceID:  j.ReferenceID,
		FailureClass: j.FailureClass,
		Result:       j.ResultSummary,
	}
	if j.ErrorMessage != nil {
		ev.Error = *j.ErrorMessage
	}
	return ev
}

// Notifier delivers job events to interested parties.
type Notifier interface {
	Notify(ctx context.Context, ev JobEvent) error
}

// MultiNotifier fans an event out to several notifiers.
type MultiNotifier []Notifier

// Notify calls every notifier and joins their errors.
func (m MultiNotifier) Notify(ctx context.Context, ev JobEvent) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Broadcaster is an in-process Notifier. Each subscriber gets its own
// buffered channel; a full subscriber misses the event rather than
// stalling the queue (the engine's reconciler catches up later).
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[int]chan JobEvent
	nextID int
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan JobEvent)}
}

// Subscribe registers a new listener. The returned function unsubscribes
// and closes the channel.
func (b *Broadcaster) Subscribe(buffer int) (<-chan JobEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan JobEvent, buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

// Notify delivers ev to every subscriber without blocking.
func (b *Broadcaster) Notify(_ context.Context, ev JobEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}
