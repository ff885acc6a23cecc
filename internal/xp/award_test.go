package xp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidegig/backend/internal/domain"
	"github.com/sidegig/backend/internal/escrow"
	"github.com/sidegig/backend/internal/store"
)

func seedWorker(t *testing.T, m *store.Memory, id string) *domain.User {
	t.Helper()
	u := &domain.User{
		ID:          id,
		DisplayName: "worker",
		Email:       id + "@example.com",
		DefaultMode: domain.ModeWorker,
		TrustTier:   1,
		Plan:        domain.PlanFree,
		Status:      domain.AccountActive,
	}
	require.NoError(t, m.CreateUser(context.Background(), u))
	return u
}

func seedReleasedEscrow(t *testing.T, m *store.Memory, id, taskID string, amountCents int64) *domain.Escrow {
	t.Helper()
	e := &domain.Escrow{
		ID:          id,
		TaskID:      taskID,
		AmountCents: amountCents,
		Currency:    "usd",
		State:       domain.EscrowReleased,
	}
	require.NoError(t, m.CreateEscrow(context.Background(), e))
	return e
}

func TestAwardWritesLedgerAndUserTotals(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedWorker(t, m, "w1")
	seedReleasedEscrow(t, m, "esc-1", "task-1", 2000)
	svc := NewService(m)

	// 2000-cent escrow nets 1700 after the 15% fee.
	entry, err := svc.Award(ctx, "w1", "task-1", "esc-1", 1700)
	require.NoError(t, err)
	assert.Equal(t, int64(117), entry.BaseXP) // 100 flat + 17 earnings
	assert.Equal(t, 1.0, entry.StreakMultiplier)
	assert.Equal(t, 1.0, entry.DecayFactor)
	assert.Equal(t, int64(117), entry.EffectiveXP)
	assert.Equal(t, int64(0), entry.XPBefore)
	assert.Equal(t, int64(117), entry.XPAfter)

	u, err := m.GetUser(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(117), u.XPTotal)
	assert.Equal(t, 1, u.CurrentStreak)

	events, err := m.ListOutboxByAggregate(ctx, entry.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventXPAwarded, events[0].EventType)
	assert.Equal(t, domain.QueueCriticalTrust, events[0].Queue)

	var p AwardPayload
	require.NoError(t, json.Unmarshal(events[0].Payload, &p))
	assert.Equal(t, "w1", p.UserID)
	assert.Equal(t, int64(117), p.EffectiveXP)
	assert.Equal(t, int64(117), p.XPAfter)
}

func TestAwardUniquePerEscrow(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedWorker(t, m, "w1")
	seedReleasedEscrow(t, m, "esc-1", "task-1", 2000)
	svc := NewService(m)

	_, err := svc.Award(ctx, "w1", "task-1", "esc-1", 1700)
	require.NoError(t, err)

	_, err = svc.Award(ctx, "w1", "task-1", "esc-1", 1700)
	require.Error(t, err)
	assert.Equal(t, domain.CodeHXXPDuplicate, domain.CodeOf(err))

	// The rolled-back duplicate must not have touched the user.
	u, err := m.GetUser(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(117), u.XPTotal)

	entries, err := m.ListXPEntries(ctx, "w1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAwardRequiresReleasedEscrow(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedWorker(t, m, "w1")
	e := &domain.Escrow{ID: "esc-1", TaskID: "task-1", AmountCents: 2000, Currency: "usd", State: domain.EscrowFunded}
	require.NoError(t, m.CreateEscrow(ctx, e))
	svc := NewService(m)

	_, err := svc.Award(ctx, "w1", "task-1", "esc-1", 1700)
	require.Error(t, err)
	assert.Equal(t, domain.CodeHXXPRequiresReleased, domain.CodeOf(err))
}

func TestSameDayDecayAfterThreeAwards(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedWorker(t, m, "w1")
	svc := NewService(m)

	for i, id := range []string{"esc-1", "esc-2", "esc-3"} {
		seedReleasedEscrow(t, m, id, "task", 2000)
		entry, err := svc.Award(ctx, "w1", "task", id, 1700)
		require.NoError(t, err, "award %d", i)
		assert.Equal(t, 1.0, entry.DecayFactor, "award %d runs at full rate", i)
	}

	seedReleasedEscrow(t, m, "esc-4", "task", 2000)
	entry, err := svc.Award(ctx, "w1", "task", "esc-4", 1700)
	require.NoError(t, err)
	assert.Equal(t, 0.5, entry.DecayFactor)
	assert.Equal(t, int64(59), entry.EffectiveXP) // round(117 × 1.0 × 0.5)
}

func TestStreakExtendsFromYesterday(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	u := seedWorker(t, m, "w1")
	u.XPTotal = 300
	u.CurrentStreak = 3
	require.NoError(t, m.UpdateUser(ctx, u))

	// Yesterday's ledger row, backed by its own released escrow.
	seedReleasedEscrow(t, m, "esc-old", "task-old", 2000)
	require.NoError(t, m.InsertXPEntry(ctx, &domain.XPEntry{
		ID: "xp-old", UserID: "w1", TaskID: "task-old", EscrowID: "esc-old",
		BaseXP: 117, StreakMultiplier: 1.2, DecayFactor: 1.0, EffectiveXP: 140,
		XPBefore: 160, XPAfter: 300,
		CreatedAt: time.Now().UTC().Truncate(24 * time.Hour).Add(-12 * time.Hour),
	}))

	seedReleasedEscrow(t, m, "esc-new", "task-new", 2000)
	svc := NewService(m)
	entry, err := svc.Award(ctx, "w1", "task-new", "esc-new", 1700)
	require.NoError(t, err)
	assert.Equal(t, 1.3, entry.StreakMultiplier) // streak 3 → 4
	assert.Equal(t, int64(152), entry.EffectiveXP)
	assert.Equal(t, int64(300), entry.XPBefore)

	got, err := m.GetUser(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 4, got.CurrentStreak)
}

func TestStreakResetsAfterGap(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	u := seedWorker(t, m, "w1")
	u.CurrentStreak = 5
	require.NoError(t, m.UpdateUser(ctx, u))

	seedReleasedEscrow(t, m, "esc-old", "task-old", 2000)
	require.NoError(t, m.InsertXPEntry(ctx, &domain.XPEntry{
		ID: "xp-old", UserID: "w1", TaskID: "task-old", EscrowID: "esc-old",
		BaseXP: 117, StreakMultiplier: 1.4, DecayFactor: 1.0, EffectiveXP: 164,
		CreatedAt: time.Now().UTC().Add(-72 * time.Hour),
	}))

	seedReleasedEscrow(t, m, "esc-new", "task-new", 2000)
	svc := NewService(m)
	entry, err := svc.Award(ctx, "w1", "task-new", "esc-new", 1700)
	require.NoError(t, err)
	assert.Equal(t, 1.0, entry.StreakMultiplier)

	got, err := m.GetUser(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentStreak)
}

func TestStreakMultiplierCaps(t *testing.T) {
	assert.Equal(t, 1.0, streakMultiplier(1))
	assert.Equal(t, 1.1, streakMultiplier(2))
	assert.Equal(t, 2.0, streakMultiplier(11))
	assert.Equal(t, 2.0, streakMultiplier(50))
	assert.Equal(t, 1.0, streakMultiplier(0)) // defensive floor
}

func TestHandleEscrowSettled(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedWorker(t, m, "w1")
	seedReleasedEscrow(t, m, "esc-1", "task-1", 2000)
	svc := NewService(m)

	payload, _ := json.Marshal(escrow.EventPayload{
		EscrowID: "esc-1", TaskID: "task-1", WorkerID: "w1",
		AmountCents: 2000, FeeCents: 300, NetCents: 1700,
	})
	ev := domain.OutboxEvent{EventType: domain.EventEscrowReleased, Payload: payload}

	require.NoError(t, svc.HandleEscrowSettled(ctx, ev))
	entries, err := m.ListXPEntries(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(117), entries[0].EffectiveXP)

	// At-least-once delivery: the replay drops on the ledger constraint.
	require.NoError(t, svc.HandleEscrowSettled(ctx, ev))
	entries, err = m.ListXPEntries(ctx, "w1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestHandleEscrowSettledSkipsWorkerless(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	svc := NewService(m)

	payload, _ := json.Marshal(escrow.EventPayload{EscrowID: "esc-1", TaskID: "task-1", AmountCents: 2000})
	ev := domain.OutboxEvent{EventType: domain.EventEscrowRefundPartial, Payload: payload}
	require.NoError(t, svc.HandleEscrowSettled(ctx, ev))

	ev.Payload = []byte(`{broken`)
	err := svc.HandleEscrowSettled(ctx, ev)
	require.Error(t, err)
	assert.Equal(t, domain.CodeValidation, domain.CodeOf(err))
}

func TestPartialRefundAwardsOnReleasedShare(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedWorker(t, m, "w1")
	refund, release := int64(1000), int64(1000)
	e := &domain.Escrow{
		ID: "esc-1", TaskID: "task-1", AmountCents: 2000, Currency: "usd",
		State: domain.EscrowRefundPartial, RefundCents: &refund, ReleaseCents: &release,
	}
	require.NoError(t, m.CreateEscrow(ctx, e))
	svc := NewService(m)

	// Worker keeps 1000 gross → 850 net at 15%.
	payload, _ := json.Marshal(escrow.EventPayload{
		EscrowID: "esc-1", TaskID: "task-1", WorkerID: "w1",
		AmountCents: 2000, FeeCents: 150, NetCents: 850,
		RefundCents: &refund, ReleaseCents: &release,
	})
	require.NoError(t, svc.HandleEscrowSettled(ctx, domain.OutboxEvent{
		EventType: domain.EventEscrowRefundPartial, Payload: payload,
	}))

	entries, err := m.ListXPEntries(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(108), entries[0].BaseXP) // 100 + 850/100
}
