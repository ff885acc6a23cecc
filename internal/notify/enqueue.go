// Package notify owns the notification fan-out: producers enqueue send
// requests through the outbox, workers expand them into per-user rows and
// channel deliveries, and admin broadcast fans one message out to a cached
// role cohort.
package notify

import (
	"context"

	"github.com/google/uuid"

	"github.com/sidegig/backend/internal/domain"
	"github.com/sidegig/backend/internal/outbox"
	"github.com/sidegig/backend/internal/store"
)

// Request is the payload of a notification.send event. The fan-out worker
// resolves channels from the category at delivery time, not enqueue time.
type Request struct {
	UserID   string                      `json:"user_id"`
	TaskID   *string                     `json:"task_id,omitempty"`
	Category domain.NotificationCategory `json:"category"`
	Priority domain.NotificationPriority `json:"priority"`
	Title    string                      `json:"title"`
	Body     string                      `json:"body"`
	Data     map[string]string           `json:"data,omitempty"`
}

// Enqueue appends one notification.send event through s, which is expected to
// be the caller's open transaction. Each request gets its own aggregate id so
// repeated sends to the same user never collide on the outbox key.
func Enqueue(ctx context.Context, s store.Store, r Request) error {
	if r.Priority == "" {
		r.Priority = domain.PriorityMedium
	}
	return outbox.Append(ctx, s, outbox.Event{
		EventType:     domain.EventNotificationSend,
		AggregateType: "notification",
		AggregateID:   uuid.NewString(),
		Version:       1,
		Queue:         domain.QueueUserNotifications,
		Payload:       r,
	})
}
