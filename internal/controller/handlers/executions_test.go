package handlers

import (
	"net/http"
	"net/url"
	"strings"
	"testing"

	"clinicflow/pkg/api"

	"github.com/google/uuid"
)

func (env *testEnv) trigger(entityID string) *trigResult {
	env.t.Helper()
	rr := env.do(env.h.Trigger, http.MethodPost, "/triggers", "", api.TriggerRequest{
		TriggerType: "lead.created",
		Entity:      api.EntityRef{Type: "lead", ID: entityID},
		Scope:       api.Scope{Kind: "clinic", ID: env.clinic.String()},
		Data:        map[string]any{"lead": map[string]any{"phone": "+15550100"}},
		CreatedBy:   "crm",
	})
	return &trigResult{code: rr.Code, resp: decodeBody[api.TriggerResponse](env.t, rr)}
}

type trigResult struct {
	code int
	resp api.TriggerResponse
}

func TestTrigger_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	env.publish(smsFollowupDoc)

	first := env.trigger("lead-42")
	if first.code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", first.code)
	}
	if len(first.resp.Executions) != 1 || !first.resp.Executions[0].Created {
		t.Fatalf("expected one new execution, got %+v", first.resp.Executions)
	}
	exec := first.resp.Executions[0]
	if exec.TemplateKey != "lead-followup" || exec.TemplateVersion != 1 || exec.Status != "running" {
		t.Errorf("unexpected execution %+v", exec)
	}

	again := env.trigger("lead-42")
	if again.code != http.StatusOK {
		t.Errorf("expected 200 for a repeated trigger, got %d", again.code)
	}
	if len(again.resp.Executions) != 1 || again.resp.Executions[0].Created ||
		again.resp.Executions[0].ExecutionID != exec.ExecutionID {
		t.Errorf("expected the existing execution back, got %+v", again.resp.Executions)
	}

	other := env.trigger("lead-43")
	if other.resp.Executions[0].ExecutionID == exec.ExecutionID {
		t.Error("a different entity must start a different execution")
	}
}

func TestTrigger_NoMatchingTemplate(t *testing.T) {
	env := newTestEnv(t)
	res := env.trigger("lead-1")
	if res.code != http.StatusOK {
		t.Errorf("expected 200, got %d", res.code)
	}
	if len(res.resp.Executions) != 0 {
		t.Errorf("expected no executions, got %d", len(res.resp.Executions))
	}
}

func TestTrigger_Validation(t *testing.T) {
	env := newTestEnv(t)
	env.publish(smsFollowupDoc)

	tests := []struct {
		name           string
		body           string
		expectedInBody string
	}{
		{"Bad JSON", `{`, "Invalid request body"},
		{"Bad Scope", `{"trigger_type":"lead.created","entity":{"type":"lead","id":"1"},"scope":{"kind":"clinic"}}`, "requires an id"},
		{"Missing Entity", `{"trigger_type":"lead.created","scope":{"kind":"system"}}`, "entity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(env.h.Trigger, http.MethodPost, "/triggers", "", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d (%s)", rr.Code, rr.Body.String())
			}
			if !strings.Contains(rr.Body.String(), tt.expectedInBody) {
				t.Errorf("expected body to contain %q, got %q", tt.expectedInBody, rr.Body.String())
			}
		})
	}
}

func TestGetAndFindExecution(t *testing.T) {
	env := newTestEnv(t)
	env.publish(smsFollowupDoc)
	id := env.trigger("lead-7").resp.Executions[0].ExecutionID

	rr := env.do(env.h.GetExecution, http.MethodGet, "/executions/"+id, id, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get: %d", rr.Code)
	}
	exec := decodeBody[api.ExecutionResponse](t, rr)
	if exec.CurrentNodeID != "start" || exec.Entity.ID != "lead-7" || exec.Scope.ID != env.clinic.String() {
		t.Errorf("unexpected execution %+v", exec)
	}
	if len(exec.IdempotencyKey) != 64 {
		t.Errorf("expected a sha256 hex idempotency key, got %q", exec.IdempotencyKey)
	}

	rr = env.do(env.h.FindExecution, http.MethodGet, "/executions?idempotency_key="+url.QueryEscape(exec.IdempotencyKey), "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("find: %d", rr.Code)
	}
	if got := decodeBody[api.ExecutionResponse](t, rr); got.ID != id {
		t.Errorf("expected %s, got %s", id, got.ID)
	}

	tests := []struct {
		name           string
		fn             http.HandlerFunc
		target         string
		pathID         string
		expectedStatus int
	}{
		{"Get Missing", env.h.GetExecution, "/executions/x", uuid.NewString(), http.StatusNotFound},
		{"Get Invalid ID", env.h.GetExecution, "/executions/x", "x", http.StatusBadRequest},
		{"Find Without Key", env.h.FindExecution, "/executions", "", http.StatusBadRequest},
		{"Find Unknown Key", env.h.FindExecution, "/executions?idempotency_key=nope", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(tt.fn, http.MethodGet, tt.target, tt.pathID, nil)
			if rr.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rr.Code)
			}
		})
	}
}

func TestExecutionLog(t *testing.T) {
	env := newTestEnv(t)
	env.publish(signalDoc)
	id := env.trigger("lead-9").resp.Executions[0].ExecutionID
	env.pump()

	rr := env.do(env.h.ExecutionLog, http.MethodGet, "/executions/"+id+"/log", id, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("log: %d", rr.Code)
	}
	entries := decodeBody[api.ExecutionLogResponse](t, rr).Entries
	if len(entries) != 2 {
		t.Fatalf("expected started and advanced entries, got %+v", entries)
	}
	if entries[0].Outcome != "started" || entries[1].Outcome != "advanced" || entries[1].ToNode != "wait" {
		t.Errorf("unexpected log %+v", entries)
	}
	if entries[0].ID >= entries[1].ID {
		t.Error("log ids must increase")
	}

	missing := uuid.NewString()
	rr = env.do(env.h.ExecutionLog, http.MethodGet, "/executions/"+missing+"/log", missing, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestSignalExecution(t *testing.T) {
	env := newTestEnv(t)
	env.publish(signalDoc)
	id := env.trigger("lead-11").resp.Executions[0].ExecutionID

	// Still running on the trigger node: nothing is waiting yet.
	rr := env.do(env.h.SignalExecution, http.MethodPost, "/executions/"+id+"/signal", id, `{"key":"reply"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 before the wait, got %d", rr.Code)
	}

	env.pump()
	rr = env.do(env.h.GetExecution, http.MethodGet, "/executions/"+id, id, nil)
	if exec := decodeBody[api.ExecutionResponse](t, rr); exec.Status != "waiting" || exec.WaitSignal != "reply" {
		t.Fatalf("expected waiting on reply, got %+v", exec)
	}

	tests := []struct {
		name           string
		body           string
		expectedStatus int
	}{
		{"Missing Key", `{"data":{}}`, http.StatusBadRequest},
		{"Wrong Key", `{"key":"payment"}`, http.StatusConflict},
		{"Matching Key", `{"key":"reply","data":{"text":"yes please"}}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(env.h.SignalExecution, http.MethodPost, "/executions/"+id+"/signal", id, tt.body)
			if rr.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d (%s)", tt.expectedStatus, rr.Code, rr.Body.String())
			}
		})
	}

	env.pump()
	rr = env.do(env.h.GetExecution, http.MethodGet, "/executions/"+id, id, nil)
	exec := decodeBody[api.ExecutionResponse](t, rr)
	if exec.Status != "completed" {
		t.Fatalf("expected completed, got %s", exec.Status)
	}
	signals, _ := exec.Context["signals"].(map[string]any)
	reply, _ := signals["reply"].(map[string]any)
	if reply["text"] != "yes please" {
		t.Errorf("expected signal data in context, got %v", exec.Context["signals"])
	}
	if exec.Context["outcome"] != "replied" {
		t.Errorf("expected outcome replied, got %v", exec.Context["outcome"])
	}
}

func TestOperatorActions(t *testing.T) {
	env := newTestEnv(t)
	env.publish(signalDoc)
	id := env.trigger("lead-12").resp.Executions[0].ExecutionID
	env.pump()

	steps := []struct {
		name           string
		fn             http.HandlerFunc
		expectedStatus int
		execStatus     string
	}{
		{"Resume While Waiting", env.h.ResumeExecution, http.StatusConflict, ""},
		{"Pause", env.h.PauseExecution, http.StatusOK, "paused"},
		{"Pause Again", env.h.PauseExecution, http.StatusConflict, ""},
		{"Resume", env.h.ResumeExecution, http.StatusOK, "waiting"},
		{"Cancel", env.h.CancelExecution, http.StatusOK, "cancelled"},
		{"Cancel Again", env.h.CancelExecution, http.StatusConflict, ""},
	}
	for _, tt := range steps {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(tt.fn, http.MethodPost, "/executions/"+id, id, nil)
			if rr.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d (%s)", tt.expectedStatus, rr.Code, rr.Body.String())
			}
			if tt.execStatus != "" {
				if got := decodeBody[api.ExecutionResponse](t, rr).Status; got != tt.execStatus {
					t.Errorf("expected %s, got %s", tt.execStatus, got)
				}
			}
		})
	}
}

func TestDeadLetter(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(env.h.DeadLetter, http.MethodGet, "/executions/dead-letter", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := decodeBody[api.ExecutionListResponse](t, rr).Executions; len(got) != 0 {
		t.Errorf("expected an empty list, got %d", len(got))
	}

	rr = env.do(env.h.DeadLetter, http.MethodGet, "/executions/dead-letter?limit=-5", "", nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a negative limit, got %d", rr.Code)
	}
}
