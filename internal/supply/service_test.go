package supply

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidegig/backend/internal/domain"
	"github.com/sidegig/backend/internal/store"
)

func seedZone(t *testing.T, m *store.Memory, maxWeight, minRatio float64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, m.PutExpertise(ctx, &domain.Expertise{
		ID: "exp-clean", Name: "Deep Cleaning", Category: "cleaning", Active: true,
	}))
	require.NoError(t, m.UpdateCapacity(ctx, &domain.ZoneCapacity{
		ID:                   "cap-1",
		ExpertiseID:          "exp-clean",
		ZoneID:               "bk-01",
		MaxWeightCapacity:    maxWeight,
		MinTaskToSupplyRatio: minRatio,
	}))
}

// seedSlot plants an already-admitted row with an expired change lock so the
// holder does not freeze gate tests for other users.
func seedSlot(t *testing.T, m *store.Memory, userID string, slot domain.SlotKind, effective float64) *domain.UserExpertise {
	t.Helper()
	ue := &domain.UserExpertise{
		ID:              "ue-" + userID,
		UserID:          userID,
		ExpertiseID:     "exp-clean",
		ZoneID:          "bk-01",
		Slot:            slot,
		SlotWeight:      slot.Weight(),
		EffectiveWeight: effective,
		Active:          true,
		LockedUntil:     time.Now().UTC().Add(-time.Hour),
		CreatedAt:       time.Now().UTC().Add(-48 * time.Hour),
	}
	require.NoError(t, m.InsertUserExpertise(context.Background(), ue))
	return ue
}

func bumpCapacity(t *testing.T, m *store.Memory, current float64, hustlers int, liquidity float64) {
	t.Helper()
	ctx := context.Background()
	zc, err := m.GetCapacity(ctx, "exp-clean", "bk-01")
	require.NoError(t, err)
	zc.CurrentWeight = current
	zc.ActiveHustlers = hustlers
	zc.LiquidityRatio = liquidity
	require.NoError(t, m.UpdateCapacity(ctx, zc))
}

func TestAdmitPrimaryIntoEmptyZone(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedZone(t, m, 2.0, 0.5)
	svc := NewService(m)

	res, err := svc.AddExpertise(ctx, AddIn{UserID: "u1", ExpertiseID: "exp-clean", ZoneID: "bk-01", Slot: domain.SlotPrimary})
	require.NoError(t, err)
	assert.Equal(t, StatusAdmitted, res.Status)
	assert.InDelta(t, 0.7, res.Expertise.EffectiveWeight, 1e-9)
	assert.True(t, res.Expertise.LockedUntil.After(time.Now().UTC().Add(29*24*time.Hour)))

	zc, err := m.GetCapacity(ctx, "exp-clean", "bk-01")
	require.NoError(t, err)
	assert.InDelta(t, 0.7, zc.CurrentWeight, 1e-9)
	assert.Equal(t, 1, zc.ActiveHustlers)
}

func TestGateHardCapWaitlistsAndLaterInvites(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedZone(t, m, 1.0, 0)
	seedSlot(t, m, "holder", domain.SlotPrimary, 0.7)
	bumpCapacity(t, m, 0.7, 1, 0)
	svc := NewService(m)

	res, err := svc.AddExpertise(ctx, AddIn{UserID: "ua", ExpertiseID: "exp-clean", ZoneID: "bk-01", Slot: domain.SlotPrimary})
	require.NoError(t, err)
	assert.Equal(t, StatusWaitlisted, res.Status)
	assert.Equal(t, 1, res.Waitlist.Position)
	assert.Contains(t, res.Reason, "capacity")

	// Nothing admitted, nothing charged.
	zc, err := m.GetCapacity(ctx, "exp-clean", "bk-01")
	require.NoError(t, err)
	assert.InDelta(t, 0.7, zc.CurrentWeight, 1e-9)

	// Operator raises the cap; the next recompute pass invites the head.
	zc.MaxWeightCapacity = 1.5
	require.NoError(t, m.UpdateCapacity(ctx, zc))
	require.NoError(t, svc.RecomputeZone(ctx, "exp-clean", "bk-01"))
	invited, err := svc.ProcessWaitlist(ctx, "exp-clean", "bk-01")
	require.NoError(t, err)
	assert.Equal(t, 1, invited)

	entries, err := m.ListWaitlist(ctx, "exp-clean", "bk-01", domain.WaitlistInvited)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].InviteExpiresAt)
	assert.WithinDuration(t, time.Now().UTC().Add(48*time.Hour), *entries[0].InviteExpiresAt, time.Minute)

	events, err := m.ListOutboxByAggregate(ctx, entries[0].ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventWaitlistInvited, events[0].EventType)

	// Accepting the invite reruns the gate and now admits.
	res, err = svc.AcceptInvite(ctx, entries[0].ID, "ua")
	require.NoError(t, err)
	assert.Equal(t, StatusAdmitted, res.Status)
	zc, err = m.GetCapacity(ctx, "exp-clean", "bk-01")
	require.NoError(t, err)
	assert.InDelta(t, 1.4, zc.CurrentWeight, 1e-9)
}

func TestGateRatioWaitlistsUntilThroughputRecovers(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedZone(t, m, 3.0, 0.5)
	seedSlot(t, m, "h1", domain.SlotPrimary, 0.7)
	seedSlot(t, m, "h2", domain.SlotPrimary, 0.7)
	bumpCapacity(t, m, 1.4, 2, 0.3)
	svc := NewService(m)

	res, err := svc.AddExpertise(ctx, AddIn{UserID: "ua", ExpertiseID: "exp-clean", ZoneID: "bk-01", Slot: domain.SlotPrimary})
	require.NoError(t, err)
	assert.Equal(t, StatusWaitlisted, res.Status)
	assert.Contains(t, res.Reason, "throughput")

	// Ten completions in the window lift liquidity well past the minimum.
	now := time.Now().UTC()
	for i := 0; i < 10; i++ {
		done := now.Add(-time.Hour)
		worker := "h1"
		require.NoError(t, m.CreateTask(ctx, &domain.Task{
			ID:          fmt.Sprintf("task-%d", i),
			PosterID:    "poster",
			WorkerID:    &worker,
			Title:       "clean",
			PriceCents:  1500,
			Currency:    "usd",
			Category:    "cleaning",
			CityID:      "nyc",
			ZoneID:      "bk-01",
			Mode:        domain.TaskModeStandard,
			State:       domain.TaskCompleted,
			Progress:    domain.ProgressCompleted,
			CompletedAt: &done,
			CreatedAt:   now.Add(-2 * time.Hour),
		}))
	}
	require.NoError(t, svc.RecomputeZone(ctx, "exp-clean", "bk-01"))
	zc, err := m.GetCapacity(ctx, "exp-clean", "bk-01")
	require.NoError(t, err)
	assert.Equal(t, 10, zc.CompletedTasks7d)
	assert.GreaterOrEqual(t, zc.LiquidityRatio, 0.5)

	invited, err := svc.ProcessWaitlist(ctx, "exp-clean", "bk-01")
	require.NoError(t, err)
	assert.Equal(t, 1, invited)
}

func TestChangeLockFreezesPortfolio(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedZone(t, m, 5.0, 0)
	svc := NewService(m)

	_, err := svc.AddExpertise(ctx, AddIn{UserID: "u1", ExpertiseID: "exp-clean", ZoneID: "bk-01", Slot: domain.SlotPrimary})
	require.NoError(t, err)

	require.NoError(t, m.PutExpertise(ctx, &domain.Expertise{
		ID: "exp-move", Name: "Moving Help", Category: "moving", Active: true,
	}))
	require.NoError(t, m.UpdateCapacity(ctx, &domain.ZoneCapacity{
		ID: "cap-2", ExpertiseID: "exp-move", ZoneID: "bk-01", MaxWeightCapacity: 5.0,
	}))

	_, err = svc.AddExpertise(ctx, AddIn{UserID: "u1", ExpertiseID: "exp-move", ZoneID: "bk-01", Slot: domain.SlotSecondary})
	require.Error(t, err)
	assert.Equal(t, domain.CodeSupplyLocked, domain.CodeOf(err))

	err = svc.RemoveExpertise(ctx, "u1", "exp-clean")
	require.Error(t, err)
	assert.Equal(t, domain.CodeSupplyLocked, domain.CodeOf(err))
}

func TestMaxTwoActiveExpertises(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedZone(t, m, 5.0, 0)
	require.NoError(t, m.PutExpertise(ctx, &domain.Expertise{ID: "exp-3", Name: "Errands", Category: "errands", Active: true}))
	require.NoError(t, m.UpdateCapacity(ctx, &domain.ZoneCapacity{ID: "cap-3", ExpertiseID: "exp-3", ZoneID: "bk-01", MaxWeightCapacity: 5.0}))

	// Two held slots with lapsed locks.
	seedSlot(t, m, "u1", domain.SlotPrimary, 0.7)
	ue := &domain.UserExpertise{
		ID: "ue-2", UserID: "u1", ExpertiseID: "exp-extra", ZoneID: "bk-01",
		Slot: domain.SlotSecondary, SlotWeight: 0.3, EffectiveWeight: 0.3,
		Active: true, LockedUntil: time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, m.InsertUserExpertise(ctx, ue))

	svc := NewService(m)
	_, err := svc.AddExpertise(ctx, AddIn{UserID: "u1", ExpertiseID: "exp-3", ZoneID: "bk-01", Slot: domain.SlotPrimary})
	require.Error(t, err)
	assert.Equal(t, domain.CodeHXExpertiseLimit, domain.CodeOf(err))
}

func TestDuplicateAndCooldownRejections(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedZone(t, m, 5.0, 0)
	seedSlot(t, m, "u1", domain.SlotPrimary, 0.7)
	svc := NewService(m)

	_, err := svc.AddExpertise(ctx, AddIn{UserID: "u1", ExpertiseID: "exp-clean", ZoneID: "bk-01", Slot: domain.SlotSecondary})
	require.Error(t, err)
	assert.Equal(t, domain.CodeSupplyDuplicate, domain.CodeOf(err))

	require.NoError(t, svc.RemoveExpertise(ctx, "u1", "exp-clean"))
	_, err = svc.AddExpertise(ctx, AddIn{UserID: "u1", ExpertiseID: "exp-clean", ZoneID: "bk-01", Slot: domain.SlotPrimary})
	require.Error(t, err)
	assert.Equal(t, domain.CodeSupplyCooldown, domain.CodeOf(err))
}

func TestRemoveChargesEffectiveWeight(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedZone(t, m, 5.0, 0)
	// Half-decayed primary: nominal 0.7, effective 0.35.
	seedSlot(t, m, "u1", domain.SlotPrimary, 0.35)
	bumpCapacity(t, m, 0.35, 1, 0)

	svc := NewService(m)
	require.NoError(t, svc.RemoveExpertise(ctx, "u1", "exp-clean"))

	zc, err := m.GetCapacity(ctx, "exp-clean", "bk-01")
	require.NoError(t, err)
	assert.InDelta(t, 0, zc.CurrentWeight, 1e-9)
	assert.Equal(t, 0, zc.ActiveHustlers)

	_, err = m.GetActiveUserExpertise(ctx, "u1", "exp-clean")
	assert.Equal(t, domain.CodeNotFound, domain.CodeOf(err))
}

func TestPromoteSwapsWeightsAndRelocks(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedZone(t, m, 5.0, 0)
	require.NoError(t, m.PutExpertise(ctx, &domain.Expertise{ID: "exp-move", Name: "Moving Help", Category: "moving", Active: true}))
	require.NoError(t, m.UpdateCapacity(ctx, &domain.ZoneCapacity{ID: "cap-2", ExpertiseID: "exp-move", ZoneID: "bk-01", MaxWeightCapacity: 5.0}))

	seedSlot(t, m, "u1", domain.SlotPrimary, 0.7)
	bumpCapacity(t, m, 0.7, 1, 0)
	sec := &domain.UserExpertise{
		ID: "ue-sec", UserID: "u1", ExpertiseID: "exp-move", ZoneID: "bk-01",
		Slot: domain.SlotSecondary, SlotWeight: 0.3, EffectiveWeight: 0.3,
		Active: true, LockedUntil: time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, m.InsertUserExpertise(ctx, sec))
	moveCap, err := m.GetCapacity(ctx, "exp-move", "bk-01")
	require.NoError(t, err)
	moveCap.CurrentWeight = 0.3
	moveCap.ActiveHustlers = 1
	require.NoError(t, m.UpdateCapacity(ctx, moveCap))

	svc := NewService(m)
	require.NoError(t, svc.PromoteToPrimary(ctx, "u1", "exp-move"))

	promoted, err := m.GetActiveUserExpertise(ctx, "u1", "exp-move")
	require.NoError(t, err)
	assert.Equal(t, domain.SlotPrimary, promoted.Slot)
	assert.InDelta(t, 0.7, promoted.EffectiveWeight, 1e-9)
	assert.True(t, promoted.LockedUntil.After(time.Now().UTC().Add(29*24*time.Hour)))

	demoted, err := m.GetActiveUserExpertise(ctx, "u1", "exp-clean")
	require.NoError(t, err)
	assert.Equal(t, domain.SlotSecondary, demoted.Slot)
	assert.InDelta(t, 0.3, demoted.EffectiveWeight, 1e-9)
	assert.True(t, demoted.LockedUntil.After(time.Now().UTC().Add(29*24*time.Hour)))

	moveCap, err = m.GetCapacity(ctx, "exp-move", "bk-01")
	require.NoError(t, err)
	assert.InDelta(t, 0.7, moveCap.CurrentWeight, 1e-9)
	cleanCap, err := m.GetCapacity(ctx, "exp-clean", "bk-01")
	require.NoError(t, err)
	assert.InDelta(t, 0.3, cleanCap.CurrentWeight, 1e-9)
}

func TestWaitlistSkipsAndCancelsMaxedUsers(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedZone(t, m, 5.0, 0)
	svc := NewService(m)

	now := time.Now().UTC()
	full := &domain.WaitlistEntry{
		ID: "w-full", ExpertiseID: "exp-clean", ZoneID: "bk-01", UserID: "maxed",
		Slot: domain.SlotPrimary, Position: 1, Status: domain.WaitlistWaiting,
		CreatedAt: now, UpdatedAt: now,
	}
	next := &domain.WaitlistEntry{
		ID: "w-next", ExpertiseID: "exp-clean", ZoneID: "bk-01", UserID: "free",
		Slot: domain.SlotSecondary, Position: 2, Status: domain.WaitlistWaiting,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, m.InsertWaitlistEntry(ctx, full))
	require.NoError(t, m.InsertWaitlistEntry(ctx, next))

	// "maxed" already holds two slots elsewhere.
	for i, exp := range []string{"exp-a", "exp-b"} {
		slot := domain.SlotPrimary
		if i == 1 {
			slot = domain.SlotSecondary
		}
		require.NoError(t, m.InsertUserExpertise(ctx, &domain.UserExpertise{
			ID: fmt.Sprintf("ue-maxed-%d", i), UserID: "maxed", ExpertiseID: exp, ZoneID: "zz",
			Slot: slot, SlotWeight: slot.Weight(), EffectiveWeight: slot.Weight(),
			Active: true, LockedUntil: now.Add(-time.Hour),
		}))
	}

	invited, err := svc.ProcessWaitlist(ctx, "exp-clean", "bk-01")
	require.NoError(t, err)
	assert.Equal(t, 1, invited)

	got, err := m.GetWaitlistEntry(ctx, "w-full")
	require.NoError(t, err)
	assert.Equal(t, domain.WaitlistCancelled, got.Status)
	got, err = m.GetWaitlistEntry(ctx, "w-next")
	require.NoError(t, err)
	assert.Equal(t, domain.WaitlistInvited, got.Status)
}

func TestExpireInvites(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedZone(t, m, 5.0, 0)
	svc := NewService(m)

	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, m.InsertWaitlistEntry(ctx, &domain.WaitlistEntry{
		ID: "w-stale", ExpertiseID: "exp-clean", ZoneID: "bk-01", UserID: "u1",
		Slot: domain.SlotPrimary, Position: 1, Status: domain.WaitlistInvited,
		InviteExpiresAt: &past,
	}))

	n, err := svc.ExpireInvites(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := m.GetWaitlistEntry(ctx, "w-stale")
	require.NoError(t, err)
	assert.Equal(t, domain.WaitlistExpired, got.Status)
}
