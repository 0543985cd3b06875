package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"clinicflow/internal/apperr"
	"clinicflow/internal/queue"
	"clinicflow/internal/store"
	"clinicflow/internal/store/memory"

	"github.com/google/uuid"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// MockQueue implements JobQueue for testing.
type MockQueue struct {
	mu sync.Mutex

	// ClaimFunc allows customizing ClaimNext behavior per test.
	ClaimFunc func(ctx context.Context) (*store.Job, error)
	// HeartbeatErr is returned by every Heartbeat call.
	HeartbeatErr error

	CompleteCalls  []uuid.UUID
	FailCalls      []FailCall
	SuspendCalls   []uuid.UUID
	HeartbeatCalls int
}

type FailCall struct {
	JobID uuid.UUID
	Err   error
}

func (m *MockQueue) ClaimNext(ctx context.Context, _ string, _ []uuid.UUID) (*store.Job, error) {
	if m.ClaimFunc != nil {
		return m.ClaimFunc(ctx)
	}
	return nil, nil
}

func (m *MockQueue) Complete(_ context.Context, id uuid.UUID, _ json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CompleteCalls = append(m.CompleteCalls, id)
	return nil
}

func (m *MockQueue) FailWith(_ context.Context, id uuid.UUID, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailCalls = append(m.FailCalls, FailCall{JobID: id, Err: err})
	return nil
}

func (m *MockQueue) Suspend(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SuspendCalls = append(m.SuspendCalls, id)
	return nil
}

func (m *MockQueue) Heartbeat(_ context.Context, _ uuid.UUID, _ string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HeartbeatCalls++
	return time.Now().Add(time.Minute), m.HeartbeatErr
}

func (m *MockQueue) snapshot() (completed, failed, suspended int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.CompleteCalls), len(m.FailCalls), len(m.SuspendCalls)
}

// oneJob returns a ClaimFunc that hands out job once.
func oneJob(job *store.Job) func(context.Context) (*store.Job, error) {
	var once atomic.Bool
	return func(context.Context) (*store.Job, error) {
		if once.CompareAndSwap(false, true) {
			return job, nil
		}
		return nil, nil
	}
}

func newJob(jobType string) *store.Job {
	return &store.Job{ID: uuid.New(), Type: jobType, Attempts: 1, MaxAttempts: 1}
}

// runUntil runs the agent until cond holds or the deadline passes, then
// shuts it down.
func runUntil(t *testing.T, agent *Agent, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go agent.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for !cond() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-agent.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown timeout")
	}
	if !cond() {
		t.Fatal("condition not reached before deadline")
	}
}

// Test: New() Function
func TestNew_Defaults(t *testing.T) {
	agent := New(&MockQueue{}, AgentConfig{Concurrency: -5})

	if agent.config.Concurrency != 1 {
		t.Errorf("expected default concurrency=1, got %d", agent.config.Concurrency)
	}
	if agent.config.PollInterval != time.Second {
		t.Errorf("expected poll interval=1s, got %v", agent.config.PollInterval)
	}
	if agent.config.MaxBackoff != 30*time.Second {
		t.Errorf("expected max backoff=30s, got %v", agent.config.MaxBackoff)
	}
	if agent.config.HeartbeatInterval != 2*time.Minute {
		t.Errorf("expected heartbeat=2m, got %v", agent.config.HeartbeatInterval)
	}
	if agent.config.JobTimeout != 30*time.Minute {
		t.Errorf("expected job timeout=30m, got %v", agent.config.JobTimeout)
	}
	if agent.config.ID == "" {
		t.Error("expected a generated worker ID")
	}
}

func TestNew_CustomConfig(t *testing.T) {
	clinicID := uuid.New()
	agent := New(&MockQueue{}, AgentConfig{
		ID:           "test-agent",
		Concurrency:  5,
		PollInterval: 500 * time.Millisecond,
	}, WithClinics([]uuid.UUID{clinicID}))

	if agent.config.ID != "test-agent" {
		t.Errorf("expected ID='test-agent', got '%s'", agent.config.ID)
	}
	if agent.config.Concurrency != 5 {
		t.Errorf("expected concurrency=5, got %d", agent.config.Concurrency)
	}
	if len(agent.clinicIDs) != 1 || agent.clinicIDs[0] != clinicID {
		t.Errorf("expected clinicIDs to be set correctly")
	}
}

// Test: Run() Loop Behavior
func TestRun_GracefulShutdown(t *testing.T) {
	agent := New(&MockQueue{}, AgentConfig{PollInterval: 10 * time.Millisecond}, WithLogger(discardLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- agent.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Error("Run() did not exit in time")
	}

	select {
	case <-agent.Done():
	default:
		t.Error("Done() channel was not closed after shutdown")
	}
}

func TestRun_RoutesOutcomes(t *testing.T) {
	tests := []struct {
		name          string
		jobType       string
		handler       HandlerFunc
		wantComplete  int
		wantFail      int
		wantSuspend   int
		wantPermanent bool
	}{
		{
			name:         "success completes",
			jobType:      "noop",
			handler:      func(context.Context, *store.Job) (json.RawMessage, error) { return json.RawMessage(`{}`), nil },
			wantComplete: 1,
		},
		{
			name:        "suspend parks the job",
			jobType:     "noop",
			handler:     func(context.Context, *store.Job) (json.RawMessage, error) { return nil, queue.ErrSuspend },
			wantSuspend: 1,
		},
		{
			name:     "error fails",
			jobType:  "noop",
			handler:  func(context.Context, *store.Job) (json.RawMessage, error) { return nil, errors.New("boom") },
			wantFail: 1,
		},
		{
			name:          "unknown type fails permanently",
			jobType:       "unregistered",
			wantFail:      1,
			wantPermanent: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &MockQueue{ClaimFunc: oneJob(newJob(tt.jobType))}
			agent := New(q, AgentConfig{PollInterval: 5 * time.Millisecond}, WithLogger(discardLogger()))
			if tt.handler != nil {
				agent.Handle("noop", tt.handler)
			}

			runUntil(t, agent, func() bool {
				c, f, s := q.snapshot()
				return c+f+s == 1
			})

			c, f, s := q.snapshot()
			if c != tt.wantComplete || f != tt.wantFail || s != tt.wantSuspend {
				t.Errorf("got complete=%d fail=%d suspend=%d", c, f, s)
			}
			if tt.wantPermanent && !apperr.IsPermanent(q.FailCalls[0].Err) {
				t.Errorf("expected a permanent error, got %v", q.FailCalls[0].Err)
			}
		})
	}
}

func TestRun_ConcurrencyLimit(t *testing.T) {
	var runningJobs int32
	var maxConcurrent int32
	var handled int32

	q := &MockQueue{
		ClaimFunc: func(context.Context) (*store.Job, error) {
			return newJob("slow"), nil
		},
	}

	concurrencyLimit := 3
	agent := New(q, AgentConfig{
		Concurrency:  concurrencyLimit,
		PollInterval: 10 * time.Millisecond,
	}, WithLogger(discardLogger()))
	agent.Handle("slow", HandlerFunc(func(context.Context, *store.Job) (json.RawMessage, error) {
		current := atomic.AddInt32(&runningJobs, 1)
		for {
			prev := atomic.LoadInt32(&maxConcurrent)
			if current <= prev || atomic.CompareAndSwapInt32(&maxConcurrent, prev, current) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&runningJobs, -1)
		atomic.AddInt32(&handled, 1)
		return nil, nil
	}))

	runUntil(t, agent, func() bool { return atomic.LoadInt32(&handled) >= 9 })

	if int(maxConcurrent) > concurrencyLimit {
		t.Errorf("max concurrent jobs=%d exceeded limit=%d", maxConcurrent, concurrencyLimit)
	}
	if maxConcurrent < 2 {
		t.Errorf("expected jobs to run in parallel, max concurrent=%d", maxConcurrent)
	}
}

func TestRun_GracefulDrainInFlight(t *testing.T) {
	var jobCompleted int32
	started := make(chan struct{})

	q := &MockQueue{ClaimFunc: oneJob(newJob("long"))}
	agent := New(q, AgentConfig{PollInterval: 10 * time.Millisecond}, WithLogger(discardLogger()))
	agent.Handle("long", HandlerFunc(func(ctx context.Context, _ *store.Job) (json.RawMessage, error) {
		close(started)
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		atomic.StoreInt32(&jobCompleted, 1)
		return nil, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go agent.Run(ctx)

	<-started
	cancel()

	select {
	case <-agent.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown timeout")
	}

	if atomic.LoadInt32(&jobCompleted) != 1 {
		t.Error("expected in-flight job to complete before shutdown")
	}
	if c, _, _ := q.snapshot(); c != 1 {
		t.Errorf("expected job completion to be recorded, got %d", c)
	}
}

func TestRun_TimeoutIsTransient(t *testing.T) {
	q := &MockQueue{ClaimFunc: oneJob(newJob("stuck"))}
	agent := New(q, AgentConfig{PollInterval: 5 * time.Millisecond, JobTimeout: 20 * time.Millisecond},
		WithLogger(discardLogger()))
	agent.Handle("stuck", HandlerFunc(func(ctx context.Context, _ *store.Job) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	runUntil(t, agent, func() bool { _, f, _ := q.snapshot(); return f == 1 })

	var te *apperr.TransientError
	if !errors.As(q.FailCalls[0].Err, &te) {
		t.Errorf("expected a transient timeout error, got %v", q.FailCalls[0].Err)
	}
}

func TestRun_LeaseLostDropsResult(t *testing.T) {
	q := &MockQueue{ClaimFunc: oneJob(newJob("long")), HeartbeatErr: apperr.ErrInvalidState}
	cancelled := make(chan struct{})

	agent := New(q, AgentConfig{PollInterval: 5 * time.Millisecond, HeartbeatInterval: 10 * time.Millisecond},
		WithLogger(discardLogger()))
	agent.Handle("long", HandlerFunc(func(ctx context.Context, _ *store.Job) (json.RawMessage, error) {
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go agent.Run(ctx)

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not cancelled after the lease was lost")
	}
	cancel()
	<-agent.Done()

	if c, f, s := q.snapshot(); c+f+s != 0 {
		t.Errorf("expected no outcome to be recorded, got complete=%d fail=%d suspend=%d", c, f, s)
	}
}

func TestRun_WithQueue(t *testing.T) {
	s := memory.New()
	q := queue.New(s, queue.Config{})
	q.RegisterType("noop", nil)
	ctx := context.Background()

	const jobs = 10
	for i := 0; i < jobs; i++ {
		if _, err := q.Enqueue(ctx, queue.Request{Type: "noop"}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	agent := New(q, AgentConfig{Concurrency: 4, PollInterval: 5 * time.Millisecond}, WithLogger(discardLogger()))
	agent.Handle("noop", HandlerFunc(func(context.Context, *store.Job) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	}))

	runUntil(t, agent, func() bool {
		n, err := q.Count(ctx, store.JobStatusCompleted)
		return err == nil && n == jobs
	})
}
