package queue

import (
	"encoding/json"
	"fmt"

	"clinicflow/internal/apperr"
)

// Validator checks that a decoded payload is well-formed for its job type.
type Validator func(payload map[string]any) error

// RequireFields returns a Validator that rejects payloads missing any of
// the given top-level keys or carrying them as null or "".
func RequireFields(fields ...string) Validator {
	return func(payload map[string]any) error {
		for _, f := range fields {
			v, ok := payload[f]
			if !ok || v == nil {
				return apperr.Validation("payload."+f, "is required")
			}
			if s, isStr := v.(string); isStr && s == "" {
				return apperr.Validation("payload."+f, "must not be empty")
			}
		}
		return nil
	}
}

// All combines validators, stopping at the first failure.
func All(vs ...Validator) Validator {
	return func(payload map[string]any) error {
		for _, v := range vs {
			if err := v(payload); err != nil {
				return err
			}
		}
		return nil
	}
}

// decodePayload requires the payload to be a JSON object.
func decodePayload(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, apperr.Validation("payload", "must be a JSON object: %v", err)
	}
	if out == nil {
		return nil, apperr.Validation("payload", "must be a JSON object")
	}
	return out, nil
}

func (q *Queue) validate(jobType string, payload json.RawMessage) error {
	if jobType == "" {
		return apperr.Validation("type", "is required")
	}
	q.mu.RLock()
	v, ok := q.validators[jobType]
	q.mu.RUnlock()
	if !ok {
		return apperr.Validation("type", "unknown job type %q", jobType)
	}
	doc, err := decodePayload(payload)
	if err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	if err := v(doc); err != nil {
		return fmt.Errorf("%s: %w", jobType, err)
	}
	return nil
}
