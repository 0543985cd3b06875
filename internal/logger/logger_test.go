package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestWithRequestID_And_RequestIDFromContext(t *testing.T) {
	ctx := context.Background()
	requestID := "req-12345"

	// Initially empty
	if got := RequestIDFromContext(ctx); got != "" {
		t.Errorf("RequestIDFromContext() on empty ctx = %v, want empty", got)
	}

	// After setting
	ctx = WithRequestID(ctx, requestID)
	if got := RequestIDFromContext(ctx); got != requestID {
		t.Errorf("RequestIDFromContext() = %v, want %v", got, requestID)
	}
}

func TestFromContext_AttachesRequestID(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithOptions(&buf, "info", "json")
	ctx := WithRequestID(context.Background(), "req-67890")

	FromContext(ctx, base).Info("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if line["request_id"] != "req-67890" {
		t.Errorf("request_id = %v, want req-67890", line["request_id"])
	}
}

func TestFromContext_WithoutRequestID(t *testing.T) {
	base := New()
	if got := FromContext(context.Background(), base); got != base {
		t.Error("FromContext() without request ID should return the base logger")
	}
}

func TestNewWithOptions_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOptions(&buf, "warn", "json")

	log.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info line written at warn level: %q", buf.String())
	}
	log.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Errorf("warn line missing: %q", buf.String())
	}
}

func TestNewWithOptions_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	NewWithOptions(&buf, "debug", "text").Debug("console line", "k", "v")

	out := buf.String()
	if !strings.Contains(out, "console line") {
		t.Errorf("text output missing message: %q", out)
	}
	if json.Valid(buf.Bytes()) {
		t.Errorf("text format produced JSON: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"loud":    slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
