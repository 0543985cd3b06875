// Package actions knows the side-effect job types workflows may enqueue
// and hands them to whoever performs them: an external executor reached
// over AMQP, or a log-only handler in development.
package actions

import (
	"slices"

	"clinicflow/internal/apperr"
	"clinicflow/internal/queue"
)

// Action job types.
const (
	TypeMessageSend         = "message.send"
	TypeNotificationCreate  = "notification.create"
	TypeAdsConversionUpload = "ads.conversion.upload"
)

var channels = []string{"sms", "email", "whatsapp"}

var validators = map[string]queue.Validator{
	TypeMessageSend: queue.All(
		queue.RequireFields("channel", "to", "body"),
		oneOf("channel", channels...),
	),
	TypeNotificationCreate: queue.RequireFields("recipient_id", "title"),
	TypeAdsConversionUpload: queue.All(
		queue.RequireFields("platform", "conversion_name", "lead_id"),
		oneOf("platform", "google", "meta"),
	),
}

// Types returns the action job types in a stable order.
func Types() []string {
	out := make([]string, 0, len(validators))
	for t := range validators {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Known reports whether jobType is an action job type.
func Known(jobType string) bool {
	_, ok := validators[jobType]
	return ok
}

// Register declares every action job type and its payload schema on q.
func Register(q *queue.Queue) {
	for t, v := range validators {
		q.RegisterType(t, v)
	}
}

func oneOf(field string, allowed ...string) queue.Validator {
	return func(p map[string]any) error {
		s, _ := p[field].(string)
		if !slices.Contains(allowed, s) {
			return apperr.Validation("payload."+field, "must be one of %v", allowed)
		}
		return nil
	}
}
