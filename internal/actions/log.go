package actions

import (
	"context"
	"encoding/json"
	"log/slog"

	"clinicflow/internal/store"
)

// LogHandler performs no side effect: it logs the action and reports it
// done. Used when no broker is configured.
type LogHandler struct {
	logger *slog.Logger
}

// NewLogHandler creates a log-only handler.
func NewLogHandler(logger *slog.Logger) *LogHandler {
	return &LogHandler{logger: logger}
}

// Handle logs the job and completes it with {"logged": true}.
func (h *LogHandler) Handle(_ context.Context, job *store.Job) (json.RawMessage, error) {
	h.logger.Info("action not dispatched (no broker configured)",
		"job_id", job.ID,
		"type", job.Type,
		"payload", string(job.Payload),
	)
	return json.RawMessage(`{"logged":true}`), nil
}
