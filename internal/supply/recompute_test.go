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

func TestActivityDecayLadder(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedZone(t, m, 10.0, 0)
	now := time.Now().UTC()

	accepted20d := now.AddDate(0, 0, -20)
	accepted40d := now.AddDate(0, 0, -40)
	rows := []*domain.UserExpertise{
		{ID: "ue-fresh", UserID: "fresh", LastTaskAcceptedAt: &now},
		{ID: "ue-idle", UserID: "idle", LastTaskAcceptedAt: &accepted20d},
		{ID: "ue-gone", UserID: "gone", LastTaskAcceptedAt: &accepted40d},
		{ID: "ue-never", UserID: "never"}, // never accepted, row 20d old
	}
	for _, ue := range rows {
		ue.ExpertiseID = "exp-clean"
		ue.ZoneID = "bk-01"
		ue.Slot = domain.SlotPrimary
		ue.SlotWeight = 0.7
		ue.EffectiveWeight = 0.7
		ue.Active = true
		ue.LockedUntil = now.Add(-time.Hour)
		ue.CreatedAt = now.AddDate(0, 0, -20)
		require.NoError(t, m.InsertUserExpertise(ctx, ue))
	}

	svc := NewService(m)
	require.NoError(t, svc.RecomputeZone(ctx, "exp-clean", "bk-01"))

	want := map[string]float64{"ue-fresh": 0.7, "ue-idle": 0.35, "ue-gone": 0, "ue-never": 0.35}
	for id, w := range want {
		var got *domain.UserExpertise
		all, err := m.ListActiveExpertiseRows(ctx, "exp-clean", "bk-01")
		require.NoError(t, err)
		for i := range all {
			if all[i].ID == id {
				got = &all[i]
			}
		}
		require.NotNil(t, got, id)
		assert.InDelta(t, w, got.EffectiveWeight, 1e-9, id)
	}

	zc, err := m.GetCapacity(ctx, "exp-clean", "bk-01")
	require.NoError(t, err)
	assert.InDelta(t, 0.7+0.35+0+0.35, zc.CurrentWeight, 1e-9)
	// ue-gone decayed to zero and no longer counts as supply.
	assert.Equal(t, 3, zc.ActiveHustlers)
}

func TestNeverAcceptedRowsHalveButNeverZero(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedZone(t, m, 10.0, 0)
	now := time.Now().UTC()

	ue := &domain.UserExpertise{
		ID: "ue-dormant", UserID: "dormant",
		ExpertiseID: "exp-clean", ZoneID: "bk-01",
		Slot: domain.SlotPrimary, SlotWeight: 0.7, EffectiveWeight: 0.7,
		Active:      true,
		LockedUntil: now.Add(-time.Hour),
		CreatedAt:   now.AddDate(0, 0, -45),
	}
	require.NoError(t, m.InsertUserExpertise(ctx, ue))

	svc := NewService(m)
	require.NoError(t, svc.RecomputeZone(ctx, "exp-clean", "bk-01"))

	rows, err := m.ListActiveExpertiseRows(ctx, "exp-clean", "bk-01")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.InDelta(t, 0.35, rows[0].EffectiveWeight, 1e-9)

	zc, err := m.GetCapacity(ctx, "exp-clean", "bk-01")
	require.NoError(t, err)
	assert.Equal(t, 1, zc.ActiveHustlers)
}

// A zone whose only hustler fully decayed is empty supply again: the ratio
// gate's empty-zone bypass must admit the next applicant instead of
// waitlisting them against throughput nobody can produce.
func TestFullyDecayedZoneAdmitsFreshApplicant(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedZone(t, m, 3.0, 0.5)
	now := time.Now().UTC()

	accepted40d := now.AddDate(0, 0, -40)
	require.NoError(t, m.InsertUserExpertise(ctx, &domain.UserExpertise{
		ID: "ue-ghost", UserID: "ghost",
		ExpertiseID: "exp-clean", ZoneID: "bk-01",
		Slot: domain.SlotPrimary, SlotWeight: 0.7, EffectiveWeight: 0.7,
		Active:             true,
		LockedUntil:        now.Add(-time.Hour),
		LastTaskAcceptedAt: &accepted40d,
		CreatedAt:          now.AddDate(0, 0, -60),
	}))

	svc := NewService(m)
	require.NoError(t, svc.RecomputeZone(ctx, "exp-clean", "bk-01"))

	zc, err := m.GetCapacity(ctx, "exp-clean", "bk-01")
	require.NoError(t, err)
	assert.Equal(t, 0, zc.ActiveHustlers)
	assert.Zero(t, zc.LiquidityRatio)

	res, err := svc.AddExpertise(ctx, AddIn{
		UserID: "newcomer", ExpertiseID: "exp-clean", ZoneID: "bk-01", Slot: domain.SlotPrimary,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusAdmitted, res.Status, res.Reason)
}

func TestAutoExpandNeedsSlowAcceptsAndRealSample(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedZone(t, m, 1.0, 0)
	svc := NewService(m)
	now := time.Now().UTC()

	seedDelays := func(n int, delay time.Duration, prefix string) {
		for i := 0; i < n; i++ {
			created := now.Add(-24 * time.Hour)
			accepted := created.Add(delay)
			worker := "w"
			require.NoError(t, m.CreateTask(ctx, &domain.Task{
				ID: fmt.Sprintf("%s-%d", prefix, i), PosterID: "p", WorkerID: &worker,
				Title: "clean", PriceCents: 1000, Currency: "usd",
				Category: "cleaning", CityID: "nyc", ZoneID: "bk-01",
				Mode: domain.TaskModeStandard, State: domain.TaskAccepted,
				Progress: domain.ProgressAccepted,
				CreatedAt: created, AcceptedAt: &accepted,
			}))
		}
	}

	// Nine slow accepts: under the sample floor, no grant.
	seedDelays(9, 8*time.Hour, "slow")
	require.NoError(t, svc.RecomputeZone(ctx, "exp-clean", "bk-01"))
	zc, err := m.GetCapacity(ctx, "exp-clean", "bk-01")
	require.NoError(t, err)
	assert.Zero(t, zc.AutoExpandPct)
	assert.Nil(t, zc.AutoExpandExpiresAt)

	// Tenth slow accept crosses the floor; the grant lands.
	seedDelays(1, 8*time.Hour, "extra")
	require.NoError(t, svc.RecomputeZone(ctx, "exp-clean", "bk-01"))
	zc, err = m.GetCapacity(ctx, "exp-clean", "bk-01")
	require.NoError(t, err)
	assert.InDelta(t, 10.0, zc.AutoExpandPct, 1e-9)
	require.NotNil(t, zc.AutoExpandExpiresAt)
	assert.WithinDuration(t, now.AddDate(0, 0, 7), *zc.AutoExpandExpiresAt, time.Minute)
	assert.InDelta(t, 1.1, zc.EffectiveMax(now), 1e-9)
}

func TestExpiredExpansionCleared(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedZone(t, m, 1.0, 0)
	past := time.Now().UTC().Add(-time.Hour)
	zc, err := m.GetCapacity(ctx, "exp-clean", "bk-01")
	require.NoError(t, err)
	zc.AutoExpandPct = 10
	zc.AutoExpandExpiresAt = &past
	require.NoError(t, m.UpdateCapacity(ctx, zc))

	svc := NewService(m)
	require.NoError(t, svc.RecomputeZone(ctx, "exp-clean", "bk-01"))
	zc, err = m.GetCapacity(ctx, "exp-clean", "bk-01")
	require.NoError(t, err)
	assert.Zero(t, zc.AutoExpandPct)
	assert.Nil(t, zc.AutoExpandExpiresAt)
	assert.InDelta(t, 1.0, zc.EffectiveMax(time.Now().UTC()), 1e-9)
}

func TestP95NearestRank(t *testing.T) {
	var ds []time.Duration
	for i := 1; i <= 100; i++ {
		ds = append(ds, time.Duration(i)*time.Minute)
	}
	assert.Equal(t, 95*time.Minute, p95(ds))
	assert.Equal(t, time.Duration(0), p95(nil))
	assert.Equal(t, 7*time.Hour, p95([]time.Duration{7 * time.Hour}))
}
