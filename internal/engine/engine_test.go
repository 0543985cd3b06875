package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"clinicflow/internal/apperr"
	"clinicflow/internal/backoff"
	"clinicflow/internal/queue"
	"clinicflow/internal/scope"
	"clinicflow/internal/store"
	"clinicflow/internal/store/memory"
	"clinicflow/internal/workflow"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// engineNotifier feeds job events straight back into the engine.
type engineNotifier struct{ h *harness }

func (n engineNotifier) Notify(ctx context.Context, ev queue.JobEvent) error {
	return n.h.eng.HandleJobEvent(ctx, ev)
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	store  *memory.Store
	clock  *fakeClock
	queue  *queue.Queue
	reg    *workflow.Registry
	eng    *Engine
	group  uuid.UUID
	clinic uuid.UUID
}

type harnessOpts struct {
	noEvents bool
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		ctx:    context.Background(),
		store:  memory.New(),
		clock:  &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)},
		group:  uuid.New(),
		clinic: uuid.New(),
	}
	h.store.Now = h.clock.Now
	h.store.AddClinic(store.Clinic{ID: h.clinic, GroupID: &h.group, Name: "Downtown"})

	qopts := []queue.Option{queue.WithClock(h.clock.Now)}
	if !o.noEvents {
		qopts = append(qopts, queue.WithNotifier(engineNotifier{h: h}))
	}
	h.queue = queue.New(h.store, queue.Config{
		MaxAttempts: 3,
		Lease:       time.Minute,
		Backoff:     backoff.NewConstant(0),
	}, qopts...)
	h.queue.RegisterType("message.send", queue.RequireFields("to", "body"))

	scopes := scope.NewResolver(h.store)
	h.reg = workflow.NewRegistry(h.store, scopes)
	h.eng = New(h.store, h.queue, h.reg, scopes, Config{
		NodeMaxRetries: 2,
		Backoff:        backoff.NewConstant(0),
	}, WithClock(h.clock.Now))
	return h
}

func (h *harness) publish(doc string, sc store.Scope) *store.Template {
	h.t.Helper()
	id, err := h.reg.CreateDraft(h.ctx, workflow.Draft{
		Key: "followup", TriggerType: "lead.created", Document: []byte(doc), Scope: sc, CreatedBy: "test",
	})
	require.NoError(h.t, err)
	_, err = h.reg.Publish(h.ctx, id)
	require.NoError(h.t, err)
	tpl, err := h.reg.Get(h.ctx, id)
	require.NoError(h.t, err)
	return tpl
}

func (h *harness) start(tpl *store.Template, data map[string]any) *store.Execution {
	h.t.Helper()
	exec, created, err := h.eng.Start(h.ctx, StartRequest{
		TriggerType: "lead.created",
		Entity:      store.EntityRef{Type: "lead", ID: uuid.NewString()},
		Template:    tpl,
		Scope:       store.Scope{Kind: store.ScopeClinic, ID: h.clinic},
		Context:     data,
		CreatedBy:   "test",
	})
	require.NoError(h.t, err)
	require.True(h.t, created)
	return exec
}

// actionFunc plays the external executor for one claimed action job.
type actionFunc func(job *store.Job) (json.RawMessage, error)

func succeed(job *store.Job) (json.RawMessage, error) {
	return json.RawMessage(`{"message_id":"m-1"}`), nil
}

func suspend(job *store.Job) (json.RawMessage, error) { return nil, queue.ErrSuspend }

// pump runs every claimable job until the queue has nothing eligible.
func (h *harness) pump(act actionFunc) {
	h.t.Helper()
	for i := 0; i < 100; i++ {
		job, err := h.queue.ClaimNext(h.ctx, "worker-1", nil)
		require.NoError(h.t, err)
		if job == nil {
			return
		}
		if job.Type == queue.TypeWorkflowAdvance {
			if err := h.eng.HandleAdvanceJob(h.ctx, job); err != nil {
				require.NoError(h.t, h.queue.FailWith(h.ctx, job.ID, err))
				continue
			}
			require.NoError(h.t, h.queue.Complete(h.ctx, job.ID, nil))
			continue
		}
		result, err := act(job)
		switch {
		case errors.Is(err, queue.ErrSuspend):
			require.NoError(h.t, h.queue.Suspend(h.ctx, job.ID))
		case err != nil:
			require.NoError(h.t, h.queue.FailWith(h.ctx, job.ID, err))
		default:
			require.NoError(h.t, h.queue.Complete(h.ctx, job.ID, result))
		}
	}
	h.t.Fatal("pump did not drain the queue")
}

func (h *harness) get(id uuid.UUID) *store.Execution {
	h.t.Helper()
	exec, err := h.eng.Get(h.ctx, id)
	require.NoError(h.t, err)
	return exec
}

func (h *harness) outcomes(id uuid.UUID, fromNode string) []store.LogOutcome {
	h.t.Helper()
	entries, err := h.eng.Log(h.ctx, id)
	require.NoError(h.t, err)
	var out []store.LogOutcome
	for _, e := range entries {
		if fromNode == "" || e.FromNode == fromNode {
			out = append(out, e.Outcome)
		}
	}
	return out
}

var system = store.Scope{Kind: store.ScopeSystem}

const sendDoc = `{"entry":"start","nodes":[
	{"id":"start","kind":"trigger","next":"send"},
	{"id":"send","kind":"action","next":"done","config":{
		"job_type":"message.send",
		"payload":{"body":"Thanks for reaching out"},
		"inputs":{"to":"lead.phone"},
		"result_key":"send_result"}},
	{"id":"done","kind":"end","config":{"outcome":"contacted"}}]}`

var leadData = map[string]any{"lead": map[string]any{"phone": "+15550100"}}

func TestIdempotencyKey(t *testing.T) {
	tpl := uuid.New()
	lead := store.EntityRef{Type: "lead", ID: "42"}

	k := IdempotencyKey("lead.created", lead, tpl)
	assert.Len(t, k, 64)
	assert.Equal(t, k, IdempotencyKey("lead.created", lead, tpl))
	assert.NotEqual(t, k, IdempotencyKey("lead.updated", lead, tpl))
	assert.NotEqual(t, k, IdempotencyKey("lead.created", store.EntityRef{Type: "lead", ID: "43"}, tpl))
	assert.NotEqual(t, k, IdempotencyKey("lead.created", lead, uuid.New()))
}

func TestStart_Validation(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	id, err := h.reg.CreateDraft(h.ctx, workflow.Draft{
		Key: "draft", TriggerType: "lead.created", Document: []byte(sendDoc), Scope: system,
	})
	require.NoError(t, err)
	draft, err := h.reg.Get(h.ctx, id)
	require.NoError(t, err)

	_, _, err = h.eng.Start(h.ctx, StartRequest{
		TriggerType: "lead.created",
		Entity:      store.EntityRef{Type: "lead", ID: "1"},
		Template:    draft,
		Scope:       system,
	})
	var ve *apperr.ValidationError
	assert.ErrorAs(t, err, &ve, "draft templates cannot start")

	_, _, err = h.eng.Start(h.ctx, StartRequest{TriggerType: "lead.created", Template: draft, Scope: system})
	assert.ErrorAs(t, err, &ve, "entity is required")
}

func TestStart_ContextAndScope(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	tpl := h.publish(sendDoc, system)

	exec := h.start(tpl, leadData)
	assert.Equal(t, store.ExecutionStatusRunning, exec.Status)
	assert.Equal(t, "start", exec.CurrentNodeID)
	assert.Equal(t, []uuid.UUID{h.clinic}, exec.ClinicIDs)
	trigger, ok := exec.Context["trigger"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "lead.created", trigger["type"])
	assert.Equal(t, []store.LogOutcome{store.OutcomeStarted}, h.outcomes(exec.ID, ""))

	n, err := h.queue.Count(h.ctx, store.JobStatusPending)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "start enqueues exactly one advance job")
}

func TestStart_ConcurrentIsIdempotent(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	tpl := h.publish(sendDoc, system)
	req := StartRequest{
		TriggerType: "lead.created",
		Entity:      store.EntityRef{Type: "lead", ID: "lead-7"},
		Template:    tpl,
		Scope:       system,
		Context:     leadData,
	}

	const callers = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[uuid.UUID]bool{}
		created int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			exec, ok, err := h.eng.Start(h.ctx, req)
			assert.NoError(t, err)
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[exec.ID] = true
			if ok {
				created++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1)
	n, err := h.queue.Count(h.ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "losers must not enqueue jobs")
}

func TestRun_HappyPath(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	exec := h.start(h.publish(sendDoc, system), leadData)

	var payload map[string]any
	h.pump(func(job *store.Job) (json.RawMessage, error) {
		require.NoError(t, json.Unmarshal(job.Payload, &payload))
		assert.Equal(t, exec.ID, *job.ReferenceID)
		return succeed(job)
	})

	assert.Equal(t, "+15550100", payload["to"])
	assert.Equal(t, "Thanks for reaching out", payload["body"])

	got := h.get(exec.ID)
	assert.Equal(t, store.ExecutionStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, "contacted", got.Context["outcome"])
	assert.Equal(t, map[string]any{"message_id": "m-1"}, got.Context["send_result"])
	assert.Equal(t, []store.LogOutcome{
		store.OutcomeStarted, store.OutcomeAdvanced, store.OutcomeAdvanced, store.OutcomeCompleted,
	}, h.outcomes(exec.ID, ""))
}

func TestRun_ActionFailsTwiceThenSucceeds(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	exec := h.start(h.publish(sendDoc, system), leadData)

	calls := 0
	h.pump(func(job *store.Job) (json.RawMessage, error) {
		calls++
		if calls <= 2 {
			return nil, &apperr.TransientError{Err: errors.New("sms gateway timeout")}
		}
		return succeed(job)
	})

	assert.Equal(t, 3, calls)
	got := h.get(exec.ID)
	assert.Equal(t, store.ExecutionStatusCompleted, got.Status)
	assert.Equal(t, []store.LogOutcome{
		store.OutcomeRetry, store.OutcomeRetry, store.OutcomeAdvanced,
	}, h.outcomes(exec.ID, "send"))
}

func TestRun_RetriesExhaustedDeadLetters(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	exec := h.start(h.publish(sendDoc, system), leadData)

	calls := 0
	h.pump(func(job *store.Job) (json.RawMessage, error) {
		calls++
		return nil, errors.New("sms gateway down")
	})

	assert.Equal(t, 3, calls, "one attempt plus two node retries")
	got := h.get(exec.ID)
	assert.Equal(t, store.ExecutionStatusDeadLetter, got.Status)
	assert.Nil(t, got.CompletedAt)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "sms gateway down")
	assert.Equal(t, []store.LogOutcome{
		store.OutcomeRetry, store.OutcomeRetry, store.OutcomeDeadLetter,
	}, h.outcomes(exec.ID, "send"))

	dlq, err := h.eng.ListDeadLetter(h.ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	assert.Equal(t, exec.ID, dlq[0].ID)
}

func TestRun_PermanentFailureThenResume(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	exec := h.start(h.publish(sendDoc, system), leadData)

	h.pump(func(job *store.Job) (json.RawMessage, error) {
		return nil, apperr.Permanent(errors.New("number opted out"))
	})
	got := h.get(exec.ID)
	require.Equal(t, store.ExecutionStatusDeadLetter, got.Status)
	assert.Equal(t, []store.LogOutcome{store.OutcomeDeadLetter}, h.outcomes(exec.ID, "send"))

	resumed, err := h.eng.Resume(h.ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionStatusRunning, resumed.Status)
	assert.Equal(t, 0, resumed.NodeAttempts)

	h.pump(succeed)
	assert.Equal(t, store.ExecutionStatusCompleted, h.get(exec.ID).Status)

	_, err = h.eng.Resume(h.ctx, exec.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestRun_MissingInputRetriesNode(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	exec := h.start(h.publish(sendDoc, system), map[string]any{"lead": map[string]any{}})

	h.pump(func(job *store.Job) (json.RawMessage, error) {
		t.Fatal("no action job may be enqueued without its inputs")
		return nil, nil
	})

	got := h.get(exec.ID)
	assert.Equal(t, store.ExecutionStatusDeadLetter, got.Status)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "lead.phone")
}

const branchDoc = `{"entry":"start","nodes":[
	{"id":"start","kind":"trigger","next":"check"},
	{"id":"check","kind":"condition","on_true":"hot","on_false":"cold",
	 "config":{"when":{"key":"lead.score","op":"gte","value":50}}},
	{"id":"hot","kind":"end","config":{"outcome":"hot"}},
	{"id":"cold","kind":"end","config":{"outcome":"cold"}}]}`

func TestRun_ConditionBranches(t *testing.T) {
	tests := []struct {
		name    string
		score   float64
		outcome string
	}{
		{"above threshold", 80, "hot"},
		{"at threshold", 50, "hot"},
		{"below threshold", 10, "cold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOpts{})
			exec := h.start(h.publish(branchDoc, system), map[string]any{"lead": map[string]any{"score": tt.score}})
			h.pump(succeed)

			got := h.get(exec.ID)
			assert.Equal(t, store.ExecutionStatusCompleted, got.Status)
			assert.Equal(t, tt.outcome, got.Context["outcome"])
			assert.Equal(t, []store.LogOutcome{store.OutcomeBranched}, h.outcomes(exec.ID, "check"))
		})
	}
}

func TestRun_ConditionErrorRetriesThenDeadLetters(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	exec := h.start(h.publish(branchDoc, system), nil)
	h.pump(succeed)

	got := h.get(exec.ID)
	assert.Equal(t, store.ExecutionStatusDeadLetter, got.Status)
	assert.Equal(t, "check", got.CurrentNodeID)
	assert.Equal(t, []store.LogOutcome{
		store.OutcomeRetry, store.OutcomeRetry, store.OutcomeDeadLetter,
	}, h.outcomes(exec.ID, "check"))
}

const waitDoc = `{"entry":"start","nodes":[
	{"id":"start","kind":"trigger","next":"wait"},
	{"id":"wait","kind":"wait","next":"done","config":{"duration":"1h","signal":"reply"}},
	{"id":"done","kind":"end"}]}`

func TestWait_TimerResumes(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	exec := h.start(h.publish(waitDoc, system), nil)
	h.pump(succeed)

	got := h.get(exec.ID)
	require.Equal(t, store.ExecutionStatusWaiting, got.Status)
	require.NotNil(t, got.WakeAt)
	assert.Equal(t, h.clock.Now().Add(time.Hour), *got.WakeAt)
	assert.Equal(t, "reply", got.WaitSignal)

	h.clock.Advance(30 * time.Minute)
	h.pump(succeed)
	assert.Equal(t, store.ExecutionStatusWaiting, h.get(exec.ID).Status, "timer not due yet")

	h.clock.Advance(30 * time.Minute)
	h.pump(succeed)
	got = h.get(exec.ID)
	assert.Equal(t, store.ExecutionStatusCompleted, got.Status)
	assert.Equal(t, []store.LogOutcome{store.OutcomeResumed}, h.outcomes(exec.ID, "wait"))
}

func TestWait_SignalWinsOverTimer(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	exec := h.start(h.publish(waitDoc, system), nil)
	h.pump(succeed)

	_, err := h.eng.Signal(h.ctx, exec.ID, "other", nil)
	assert.ErrorIs(t, err, apperr.ErrInvalidState, "wrong signal key")

	_, err = h.eng.Signal(h.ctx, exec.ID, "reply", map[string]any{"text": "yes"})
	require.NoError(t, err)
	h.pump(succeed)

	got := h.get(exec.ID)
	assert.Equal(t, store.ExecutionStatusCompleted, got.Status)
	v, ok := workflow.Lookup(got.Context, "signals.reply.text")
	require.True(t, ok)
	assert.Equal(t, "yes", v)

	_, err = h.eng.Signal(h.ctx, exec.ID, "reply", nil)
	assert.ErrorIs(t, err, apperr.ErrInvalidState, "second signal loses")

	// The stale timer job runs and changes nothing.
	h.clock.Advance(2 * time.Hour)
	h.pump(succeed)
	assert.Equal(t, []store.LogOutcome{store.OutcomeSignal}, h.outcomes(exec.ID, "wait"))
}

func TestCancel_Immediate(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	exec := h.start(h.publish(waitDoc, system), nil)
	h.pump(succeed)

	got, err := h.eng.Cancel(h.ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionStatusCancelled, got.Status)
	assert.NotNil(t, got.CompletedAt)

	_, err = h.eng.Cancel(h.ctx, exec.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	h.clock.Advance(2 * time.Hour)
	h.pump(succeed)
	assert.Equal(t, store.ExecutionStatusCancelled, h.get(exec.ID).Status)
}

// advanceOnce runs the next claimable job, which must be a workflow.advance.
func (h *harness) advanceOnce() {
	h.t.Helper()
	job, err := h.queue.ClaimNext(h.ctx, "worker-1", nil)
	require.NoError(h.t, err)
	require.NotNil(h.t, job)
	require.Equal(h.t, queue.TypeWorkflowAdvance, job.Type)
	require.NoError(h.t, h.eng.HandleAdvanceJob(h.ctx, job))
	require.NoError(h.t, h.queue.Complete(h.ctx, job.ID, nil))
}

func TestCancel_WithdrawsUnclaimedActionJob(t *testing.T) {
	tests := []struct {
		name  string
		pause bool
	}{
		{"Waiting", false},
		{"Paused", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOpts{})
			exec := h.start(h.publish(sendDoc, system), leadData)
			h.advanceOnce() // start -> send
			h.advanceOnce() // dispatches the action job

			waiting := h.get(exec.ID)
			require.Equal(t, store.ExecutionStatusWaiting, waiting.Status)
			require.NotNil(t, waiting.PendingJobID)
			if tt.pause {
				_, err := h.eng.Pause(h.ctx, exec.ID)
				require.NoError(t, err)
			}

			got, err := h.eng.Cancel(h.ctx, exec.ID)
			require.NoError(t, err)
			assert.Equal(t, store.ExecutionStatusCancelled, got.Status)

			job, err := h.queue.Get(h.ctx, *waiting.PendingJobID)
			require.NoError(t, err)
			assert.Equal(t, store.JobStatusCancelled, job.Status)

			claimed, err := h.queue.ClaimNext(h.ctx, "worker-1", nil)
			require.NoError(t, err)
			assert.Nil(t, claimed, "no side effect runs for a cancelled execution")
			assert.Equal(t, []store.LogOutcome{store.OutcomeCancelled}, h.outcomes(exec.ID, "send"))
		})
	}
}

func TestCancel_SuspendedActionFinishesFirst(t *testing.T) {
	tests := []struct {
		name  string
		pause bool
	}{
		{"Waiting", false},
		{"Paused", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOpts{})
			exec := h.start(h.publish(sendDoc, system), leadData)
			h.pump(suspend)

			waiting := h.get(exec.ID)
			require.NotNil(t, waiting.PendingJobID)
			if tt.pause {
				_, err := h.eng.Pause(h.ctx, exec.ID)
				require.NoError(t, err)
			}

			got, err := h.eng.Cancel(h.ctx, exec.ID)
			require.NoError(t, err)
			assert.Equal(t, store.ExecutionStatusWaiting, got.Status)
			assert.True(t, got.CancelRequested)

			job, err := h.queue.Get(h.ctx, *waiting.PendingJobID)
			require.NoError(t, err)
			assert.Equal(t, store.JobStatusWaiting, job.Status, "the executor still owns the job")

			// The executor reports after the cancel request.
			require.NoError(t, h.queue.Complete(h.ctx, *waiting.PendingJobID, json.RawMessage(`{"message_id":"m-2"}`)))
			h.pump(succeed)

			got = h.get(exec.ID)
			assert.Equal(t, store.ExecutionStatusCancelled, got.Status)
			assert.Equal(t, "done", got.CurrentNodeID)
			assert.Equal(t, map[string]any{"message_id": "m-2"}, got.Context["send_result"])
			assert.Equal(t, []store.LogOutcome{store.OutcomeAdvanced}, h.outcomes(exec.ID, "send"))
		})
	}
}

func TestCancel_PausedAfterResultArrived(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	exec := h.start(h.publish(sendDoc, system), leadData)
	h.pump(suspend)

	waiting := h.get(exec.ID)
	_, err := h.eng.Pause(h.ctx, exec.ID)
	require.NoError(t, err)
	require.NoError(t, h.queue.Complete(h.ctx, *waiting.PendingJobID, nil))

	_, err = h.eng.Cancel(h.ctx, exec.ID)
	require.NoError(t, err)
	h.pump(succeed)

	got := h.get(exec.ID)
	assert.Equal(t, store.ExecutionStatusCancelled, got.Status)
	assert.Equal(t, "done", got.CurrentNodeID)
}

func TestCancel_RunningActionFinishesFirst(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	exec := h.start(h.publish(sendDoc, system), leadData)

	h.pump(func(job *store.Job) (json.RawMessage, error) {
		// The job is running, so the queue refuses to cancel it.
		got, err := h.eng.Cancel(h.ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, store.ExecutionStatusWaiting, got.Status)
		assert.True(t, got.CancelRequested)
		return succeed(job)
	})

	got := h.get(exec.ID)
	assert.Equal(t, store.ExecutionStatusCancelled, got.Status)
	assert.Equal(t, "done", got.CurrentNodeID, "the in-flight step completed before cancelling")
	assert.Equal(t, []store.LogOutcome{store.OutcomeAdvanced}, h.outcomes(exec.ID, "send"))
}

func TestPauseResume_Timer(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	exec := h.start(h.publish(waitDoc, system), nil)
	h.pump(succeed)

	got, err := h.eng.Pause(h.ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionStatusPaused, got.Status)

	_, err = h.eng.Pause(h.ctx, exec.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	h.clock.Advance(2 * time.Hour)
	h.pump(succeed)
	assert.Equal(t, store.ExecutionStatusPaused, h.get(exec.ID).Status, "timer ignored while paused")

	got, err = h.eng.Resume(h.ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionStatusWaiting, got.Status)

	h.pump(succeed)
	assert.Equal(t, store.ExecutionStatusCompleted, h.get(exec.ID).Status)
}

func TestPauseResume_ResultArrivesWhilePaused(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	exec := h.start(h.publish(sendDoc, system), leadData)
	h.pump(suspend)

	waiting := h.get(exec.ID)
	_, err := h.eng.Pause(h.ctx, exec.ID)
	require.NoError(t, err)

	require.NoError(t, h.queue.Complete(h.ctx, *waiting.PendingJobID, json.RawMessage(`{"message_id":"m-9"}`)))
	assert.Equal(t, store.ExecutionStatusPaused, h.get(exec.ID).Status)

	got, err := h.eng.Resume(h.ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "done", got.CurrentNodeID)

	h.pump(succeed)
	got = h.get(exec.ID)
	assert.Equal(t, store.ExecutionStatusCompleted, got.Status)
	assert.Equal(t, map[string]any{"message_id": "m-9"}, got.Context["send_result"])
}

func TestReconcile_ReplaysMissedEvents(t *testing.T) {
	h := newHarness(t, harnessOpts{noEvents: true})
	exec := h.start(h.publish(sendDoc, system), leadData)
	h.pump(suspend)

	waiting := h.get(exec.ID)
	require.NoError(t, h.queue.Complete(h.ctx, *waiting.PendingJobID, nil))
	assert.Equal(t, store.ExecutionStatusWaiting, h.get(exec.ID).Status, "nobody delivered the event")

	n, err := h.eng.Reconcile(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	h.pump(succeed)
	assert.Equal(t, store.ExecutionStatusCompleted, h.get(exec.ID).Status)

	n, err = h.eng.Reconcile(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReconcile_ElapsedTimer(t *testing.T) {
	h := newHarness(t, harnessOpts{noEvents: true})
	exec := h.start(h.publish(waitDoc, system), nil)
	h.pump(succeed)

	h.clock.Advance(2 * time.Hour)
	n, err := h.eng.Reconcile(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "done", h.get(exec.ID).CurrentNodeID)
}

func TestRun_ConsumesEvents(t *testing.T) {
	h := newHarness(t, harnessOpts{noEvents: true})
	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()

	events := make(chan queue.JobEvent)
	done := make(chan error, 1)
	go func() { done <- h.eng.Run(ctx, events) }()

	exec := h.start(h.publish(sendDoc, system), leadData)
	h.pump(suspend)
	jobID := *h.get(exec.ID).PendingJobID
	require.NoError(t, h.queue.Complete(h.ctx, jobID, nil))
	job, err := h.queue.Get(h.ctx, jobID)
	require.NoError(t, err)

	events <- queue.EventFromJob(job)
	close(events)
	require.NoError(t, <-done)
	assert.Equal(t, "done", h.get(exec.ID).CurrentNodeID)
}

func TestTrigger_MatchesScope(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.publish(sendDoc, store.Scope{Kind: store.ScopeGroup, ID: h.group})

	req := TriggerRequest{
		TriggerType: "lead.created",
		Entity:      store.EntityRef{Type: "lead", ID: "lead-1"},
		Scope:       store.Scope{Kind: store.ScopeClinic, ID: h.clinic},
		Data:        leadData,
	}
	results, err := h.eng.Trigger(h.ctx, req)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Created)

	again, err := h.eng.Trigger(h.ctx, req)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.False(t, again[0].Created)
	assert.Equal(t, results[0].Execution.ID, again[0].Execution.ID)

	other := uuid.New()
	h.store.AddClinic(store.Clinic{ID: other, Name: "Uptown"})
	req.Scope = store.Scope{Kind: store.ScopeClinic, ID: other}
	none, err := h.eng.Trigger(h.ctx, req)
	require.NoError(t, err)
	assert.Empty(t, none)
}
