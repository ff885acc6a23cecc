package outbox

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidegig/backend/internal/domain"
	"github.com/sidegig/backend/internal/store"
)

func TestAppendBuildsIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	err := Append(ctx, m, Event{
		EventType:     domain.EventEscrowFunded,
		AggregateType: "escrow",
		AggregateID:   "esc-1",
		Version:       2,
		Queue:         domain.QueueCriticalPayments,
		Payload:       map[string]string{"escrow_id": "esc-1"},
	})
	require.NoError(t, err)

	rows, err := m.ListOutboxByAggregate(ctx, "esc-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "escrow.funded:esc-1:2", rows[0].IdempotencyKey)
	assert.Equal(t, domain.OutboxPending, rows[0].Status)
	assert.JSONEq(t, `{"escrow_id":"esc-1"}`, string(rows[0].Payload))

	// A writer retry with the same version collapses onto the existing row.
	err = Append(ctx, m, Event{
		EventType:     domain.EventEscrowFunded,
		AggregateType: "escrow",
		AggregateID:   "esc-1",
		Version:       2,
		Queue:         domain.QueueCriticalPayments,
		Payload:       map[string]string{"escrow_id": "esc-1"},
	})
	require.Error(t, err)
	assert.Equal(t, domain.CodeHXOutboxKeyDuplicate, domain.CodeOf(err))
}

func TestDispatcherDeliversOnce(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	reg := NewRegistry()

	var calls int32
	reg.Register(domain.EventTaskCompleted, func(ctx context.Context, ev domain.OutboxEvent) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	require.NoError(t, Append(ctx, m, Event{
		EventType:     domain.EventTaskCompleted,
		AggregateType: "task",
		AggregateID:   "t-1",
		Version:       3,
		Queue:         domain.QueueMaintenance,
		Payload:       map[string]string{"task_id": "t-1"},
	}))

	d := NewDispatcher(m, reg, 10*time.Millisecond, 50, 3)
	d.Start(ctx)
	defer d.Shutdown()

	assert.Eventually(t, func() bool {
		rows, err := m.ListOutboxByAggregate(ctx, "t-1")
		return err == nil && len(rows) == 1 && rows[0].Status == domain.OutboxProcessed
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

type recordingMirror struct {
	mu   sync.Mutex
	seen []string
}

func (r *recordingMirror) MirrorEvent(ev domain.OutboxEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, ev.ID)
}

func (r *recordingMirror) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func TestDispatcherMirrorsProcessedRows(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	reg := NewRegistry()

	reg.Register(domain.EventTaskCompleted, func(ctx context.Context, ev domain.OutboxEvent) error {
		return nil
	})
	reg.Register(domain.EventTaskExpired, func(ctx context.Context, ev domain.OutboxEvent) error {
		return domain.E(domain.CodeValidation, "boom")
	})

	require.NoError(t, Append(ctx, m, Event{
		EventType: domain.EventTaskCompleted, AggregateType: "task", AggregateID: "t-1",
		Version: 1, Queue: domain.QueueMaintenance, Payload: map[string]string{"task_id": "t-1"},
	}))
	require.NoError(t, Append(ctx, m, Event{
		EventType: domain.EventTaskExpired, AggregateType: "task", AggregateID: "t-2",
		Version: 1, Queue: domain.QueueMaintenance, Payload: map[string]string{"task_id": "t-2"},
	}))

	mirror := &recordingMirror{}
	d := NewDispatcher(m, reg, 10*time.Millisecond, 50, 3)
	d.SetMirror(mirror)
	d.Start(ctx)
	defer d.Shutdown()

	assert.Eventually(t, func() bool {
		return len(mirror.ids()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Only the processed row is mirrored; the parked one never leaves.
	rows, err := m.ListOutboxByAggregate(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, []string{rows[0].ID}, mirror.ids())
}

func TestDispatcherHonorsRetryHorizon(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	reg := NewRegistry()

	var calls int32
	reg.Register(domain.EventNotificationSend, func(ctx context.Context, ev domain.OutboxEvent) error {
		atomic.AddInt32(&calls, 1)
		return domain.E(domain.CodeInternal, "push gateway flapping")
	})

	require.NoError(t, Append(ctx, m, Event{
		EventType:     domain.EventNotificationSend,
		AggregateType: "notification",
		AggregateID:   "n-1",
		Version:       1,
		Queue:         domain.QueueUserNotifications,
		Payload:       map[string]string{},
	}))

	d := NewDispatcher(m, reg, 10*time.Millisecond, 50, 8)
	d.Start(ctx)
	defer d.Shutdown()

	// First delivery fails and the row re-pends behind a retry horizon.
	assert.Eventually(t, func() bool {
		rows, err := m.ListOutboxByAggregate(ctx, "n-1")
		return err == nil && len(rows) == 1 &&
			rows[0].Status == domain.OutboxPending && rows[0].Attempts == 1
	}, 2*time.Second, 10*time.Millisecond)

	rows, err := m.ListOutboxByAggregate(ctx, "n-1")
	require.NoError(t, err)
	require.NotNil(t, rows[0].NextRetryAt)
	assert.WithinDuration(t, time.Now().UTC().Add(domain.OutboxRetryDelay(0)),
		*rows[0].NextRetryAt, time.Second)

	// The poll loop keeps running, but the row stays off the wire until the
	// horizon passes: a flapping downstream gets one call, not one per poll.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDispatcherParksPoison(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	reg := NewRegistry()

	var calls int32
	reg.Register(domain.EventProofSubmitted, func(ctx context.Context, ev domain.OutboxEvent) error {
		atomic.AddInt32(&calls, 1)
		return domain.E(domain.CodeInvalidState, "proof already reviewed")
	})

	require.NoError(t, Append(ctx, m, Event{
		EventType:     domain.EventProofSubmitted,
		AggregateType: "proof",
		AggregateID:   "p-1",
		Version:       1,
		Queue:         domain.QueueMaintenance,
		Payload:       map[string]string{},
	}))

	d := NewDispatcher(m, reg, 10*time.Millisecond, 50, 8)
	d.Start(ctx)
	defer d.Shutdown()

	assert.Eventually(t, func() bool {
		rows, err := m.ListOutboxByAggregate(ctx, "p-1")
		return err == nil && len(rows) == 1 && rows[0].Status == domain.OutboxFailed
	}, 2*time.Second, 10*time.Millisecond)

	// Poison never retries.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDispatcherParksUnregisteredType(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	reg := NewRegistry()

	require.NoError(t, Append(ctx, m, Event{
		EventType:     domain.EventExportRequested,
		AggregateType: "export",
		AggregateID:   "x-1",
		Version:       1,
		Queue:         domain.QueueExports,
		Payload:       map[string]string{},
	}))

	d := NewDispatcher(m, reg, 10*time.Millisecond, 50, 8)
	d.Start(ctx)
	defer d.Shutdown()

	assert.Eventually(t, func() bool {
		rows, err := m.ListOutboxByAggregate(ctx, "x-1")
		if err != nil || len(rows) != 1 {
			return false
		}
		return rows[0].Status == domain.OutboxFailed && rows[0].LastError != nil
	}, 2*time.Second, 10*time.Millisecond)
}
