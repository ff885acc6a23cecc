// Package outbox implements the transactional outbox: domain writers append
// event rows inside the same transaction as their state change, a dispatcher
// polls pending rows, and per-queue worker pools deliver them at least once to
// registered handlers. Handlers must be idempotent; the idempotency key makes
// writer retries collapse to a single row.
package outbox

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/sidegig/backend/internal/domain"
	"github.com/sidegig/backend/internal/store"
)

// Concurrency is workers per queue. Payment and trust queues stay narrow so
// per-aggregate conflicts are rare; notification fan-out runs wide.
var Concurrency = map[domain.Queue]int{
	domain.QueueCriticalPayments:  4,
	domain.QueueCriticalTrust:     4,
	domain.QueueUserNotifications: 8,
	domain.QueueExports:           2,
	domain.QueueMaintenance:       2,
}

// Event describes one append. Version is the aggregate's post-write version;
// together with EventType and AggregateID it forms the idempotency key.
type Event struct {
	EventType     string
	AggregateType string
	AggregateID   string
	Version       int
	Queue         domain.Queue
	Payload       interface{}
}

// Append writes one outbox row through s, which is expected to be the Store
// bound to the caller's open transaction. A duplicate key surfaces as HX901.
func Append(ctx context.Context, s store.Store, e Event) error {
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return domain.E(domain.CodeInternal, "marshal outbox payload: "+err.Error())
	}
	return s.InsertOutboxEvent(ctx, &domain.OutboxEvent{
		ID:             uuid.NewString(),
		EventType:      e.EventType,
		AggregateType:  e.AggregateType,
		AggregateID:    e.AggregateID,
		EventVersion:   e.Version,
		IdempotencyKey: domain.OutboxKey(e.EventType, e.AggregateID, e.Version),
		Payload:        raw,
		Queue:          e.Queue,
		Status:         domain.OutboxPending,
	})
}
