package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidegig/backend/internal/domain"
)

func outboxRow(id, eventType, aggType, aggID string, payload string) domain.OutboxEvent {
	return domain.OutboxEvent{
		ID:            id,
		EventType:     eventType,
		AggregateType: aggType,
		AggregateID:   aggID,
		Payload:       json.RawMessage(payload),
	}
}

func TestFromOutboxEnvelope(t *testing.T) {
	ev := outboxRow("ob-1", "escrow.released", "escrow", "esc-1", `{"escrow_id":"esc-1"}`)
	ce := FromOutbox(ev)

	assert.Equal(t, "1.0", ce.SpecVersion)
	assert.Equal(t, "escrow.released", ce.Type)
	assert.Equal(t, "/outbox/escrow", ce.Source)
	assert.Equal(t, "ob-1", ce.ID)
	assert.Equal(t, "esc-1", ce.Subject)
	assert.JSONEq(t, `{"escrow_id":"esc-1"}`, string(ce.Data))
}

func TestBusRoutesByType(t *testing.T) {
	bus := NewEventBus()
	escrowCh := bus.Subscribe("escrow.released")
	allCh := bus.Subscribe()
	require.Equal(t, 2, bus.SubscriberCount())

	bus.MirrorEvent(outboxRow("ob-1", "escrow.released", "escrow", "esc-1", `{}`))
	bus.MirrorEvent(outboxRow("ob-2", "xp.awarded", "user", "worker-1", `{}`))

	require.Len(t, escrowCh, 1)
	assert.Equal(t, "ob-1", (<-escrowCh).ID)
	require.Len(t, allCh, 2)
}

func TestBusDropsWhenSubscriberLags(t *testing.T) {
	bus := NewEventBus()
	bus.bufferSize = 1
	ch := bus.Subscribe()

	bus.MirrorEvent(outboxRow("ob-1", "task.completed", "task", "task-1", `{}`))
	bus.MirrorEvent(outboxRow("ob-2", "task.completed", "task", "task-1", `{}`))

	// The lagging subscriber keeps the first event; the second is dropped
	// rather than blocking the mirror.
	require.Len(t, ch, 1)
	assert.Equal(t, "ob-1", (<-ch).ID)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe("escrow.funded")
	bus.Unsubscribe(ch)

	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, bus.SubscriberCount())

	// Publishing after unsubscribe must not panic on the closed channel.
	bus.MirrorEvent(outboxRow("ob-1", "escrow.funded", "escrow", "esc-1", `{}`))
}

func TestOrderingKeyPrefersUser(t *testing.T) {
	withUser := outboxRow("ob-1", "xp.awarded", "user", "worker-1", `{"user_id":"worker-1","delta":40}`)
	assert.Equal(t, "worker-1", orderingKey(withUser))

	noUser := outboxRow("ob-2", "escrow.funded", "escrow", "esc-1", `{"escrow_id":"esc-1"}`)
	assert.Equal(t, "esc-1", orderingKey(noUser))
}

func TestSSEFormat(t *testing.T) {
	ce := FromOutbox(outboxRow("ob-1", "dispute.resolved", "dispute", "disp-1", `{"outcome":"SPLIT"}`))
	frame, err := ce.SSEFormat()
	require.NoError(t, err)
	assert.Contains(t, string(frame), "event: dispute.resolved\n")
	assert.Contains(t, string(frame), "id: ob-1\n")
}
