package cmd

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"clinicflow/pkg/api"
)

const followupYAML = `entry: start
nodes:
  - id: start
    kind: trigger
    next: send_sms
  - id: send_sms
    kind: action
    next: done
    config:
      job_type: message.send
      payload: {channel: sms, body: "Thanks for reaching out"}
      inputs: {to: lead.phone}
  - id: done
    kind: end
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestTemplateCreate(t *testing.T) {
	var got api.CreateTemplateRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /templates", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(api.CreateTemplateResponse{TemplateID: "tpl-1"})
	})
	newAPI(t, mux)

	path := writeFile(t, "followup.yaml", followupYAML)
	output, err := execute(t, "template", "create", "-f", path,
		"--key", "lead-followup", "--trigger", "lead.created",
		"--scope-kind", "clinic", "--scope-id", "c-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got.Key != "lead-followup" || got.TriggerType != "lead.created" {
		t.Errorf("unexpected request: %+v", got)
	}
	if got.Scope != (api.Scope{Kind: "clinic", ID: "c-1"}) {
		t.Errorf("unexpected scope: %+v", got.Scope)
	}
	if got.Document != followupYAML || len(got.Graph) != 0 {
		t.Errorf("expected the document text to be sent verbatim, got %+v", got)
	}
	if !strings.Contains(output, "tpl-1") {
		t.Errorf("expected template id in output, got: %s", output)
	}
}

func TestTemplateCreate_Validation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /templates", func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not be sent")
	})
	newAPI(t, mux)

	good := writeFile(t, "good.yaml", followupYAML)
	broken := writeFile(t, "broken.yaml", "nodes: [unclosed\n")
	noNodes := writeFile(t, "empty.json", `{"entry":"start"}`)

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"Missing File", []string{"--key", "k", "--trigger", "t"}, "--file is required"},
		{"Missing Key", []string{"-f", good, "--trigger", "t"}, "--key is required"},
		{"Missing Trigger", []string{"-f", good, "--key", "k"}, "--trigger is required"},
		{"Unreadable File", []string{"-f", filepath.Join(t.TempDir(), "nope.yaml"), "--key", "k", "--trigger", "t"}, "failed to read"},
		{"Malformed Document", []string{"-f", broken, "--key", "k", "--trigger", "t"}, "not a valid graph document"},
		{"No Nodes", []string{"-f", noNodes, "--key", "k", "--trigger", "t"}, "has no nodes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, append([]string{"template", "create"}, tt.args...)...)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("got error %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestTemplatePublish(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /templates/{id}/publish", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "published" {
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(api.ErrorResponse{Error: "template published is already published as version 2"})
			return
		}
		json.NewEncoder(w).Encode(api.PublishTemplateResponse{Version: 4})
	})
	newAPI(t, mux)

	output, err := execute(t, "template", "publish", "tpl-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "published as version 4") {
		t.Errorf("expected version in output, got: %s", output)
	}

	output, err = execute(t, "template", "publish", "published")
	if err == nil {
		t.Fatal("expected conflict error")
	}
	if !strings.Contains(output, "API error (409)") {
		t.Errorf("expected 409 in output, got: %s", output)
	}
}

func TestTemplateShowAndDeactivate(t *testing.T) {
	published := time.Now().Add(-time.Hour)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /templates/{id}", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(api.TemplateResponse{
			ID:          r.PathValue("id"),
			Key:         "lead-followup",
			Version:     2,
			TriggerType: "lead.created",
			EntryNodeID: "start",
			Graph:       json.RawMessage(`{"entry":"start","nodes":[{"id":"start","kind":"trigger","next":"done"},{"id":"done","kind":"end"}]}`),
			Scope:       api.Scope{Kind: "group", ID: "g-1"},
			PublishedAt: &published,
			IsActive:    true,
			CreatedAt:   published,
		})
	})
	var deactivated string
	mux.HandleFunc("POST /templates/{id}/deactivate", func(w http.ResponseWriter, r *http.Request) {
		deactivated = r.PathValue("id")
		w.WriteHeader(http.StatusNoContent)
	})
	newAPI(t, mux)

	output, err := execute(t, "template", "show", "tpl-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"lead-followup (v2, active)", "group:g-1", "kind: trigger", "entry: start"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}

	if _, err := execute(t, "template", "deactivate", "tpl-2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deactivated != "tpl-2" {
		t.Errorf("expected tpl-2 to be deactivated, got %q", deactivated)
	}
}
