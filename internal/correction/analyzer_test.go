package correction

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

const postWindow = 48 * time.Hour

func seedCategoryZones(t *testing.T, m *store.Memory, zones ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, m.PutExpertise(ctx, &domain.Expertise{
		ID: "exp-clean", Name: "Deep Cleaning", Category: "cleaning", Active: true,
	}))
	for i, z := range zones {
		require.NoError(t, m.UpdateCapacity(ctx, &domain.ZoneCapacity{
			ID: fmt.Sprintf("cap-%d", i), ExpertiseID: "exp-clean", ZoneID: z,
			MaxWeightCapacity: 5.0,
		}))
	}
}

// seedWindows writes the four observation windows around appliedAt for one
// zone: (before, after) pairs of (fill, completion, dispute).
func seedWindows(t *testing.T, m *store.Memory, zone string, appliedAt time.Time, before, after [3]float64, sample int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, m.InsertZoneMetrics(ctx, &domain.ZoneMetrics{
		ZoneID: zone, Category: "cleaning",
		WindowStart: appliedAt.Add(-postWindow), WindowEnd: appliedAt,
		FillRate: before[0], Completion: before[1], DisputeRate: before[2],
		SampleSize: sample,
	}))
	require.NoError(t, m.InsertZoneMetrics(ctx, &domain.ZoneMetrics{
		ZoneID: zone, Category: "cleaning",
		WindowStart: appliedAt, WindowEnd: appliedAt.Add(postWindow),
		FillRate: after[0], Completion: after[1], DisputeRate: after[2],
		SampleSize: sample,
	}))
}

func seedAppliedCorrection(t *testing.T, m *store.Memory, id, zone string, appliedAt time.Time) {
	t.Helper()
	require.NoError(t, m.InsertCorrection(context.Background(), &domain.Correction{
		ID:           id,
		Type:         domain.CorrectionTaskRouting,
		TargetEntity: "task_queue",
		TargetID:     "queue-" + zone,
		ReasonCode:   "slow_fill",
		Scope:        domain.ScopeZone,
		ZoneID:       zone,
		Category:     "cleaning",
		ExpiresAt:    appliedAt.Add(domain.CorrectionMaxTTL),
		AppliedAt:    appliedAt,
		CreatedAt:    appliedAt,
	}))
}

func TestCausalVerdict(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedCategoryZones(t, m, "z-treat", "z-ctrl")
	applied := time.Now().UTC().Add(-postWindow - time.Hour)
	seedAppliedCorrection(t, m, "corr-1", "z-treat", applied)

	// Treated zone jumps on fill and completion; the control barely moves.
	seedWindows(t, m, "z-treat", applied,
		[3]float64{0.50, 0.80, 0.05}, [3]float64{0.62, 0.83, 0.05}, 40)
	seedWindows(t, m, "z-ctrl", applied,
		[3]float64{0.52, 0.80, 0.05}, [3]float64{0.53, 0.80, 0.05}, 40)

	a := NewAnalyzer(m, time.Minute, postWindow, 0.6, 10)
	judged, err := a.AnalyzeOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, judged)

	got, err := m.GetCorrection(ctx, "corr-1")
	require.NoError(t, err)
	require.NotNil(t, got.Verdict)
	assert.Equal(t, domain.VerdictCausal, *got.Verdict)
	require.NotNil(t, got.VerdictAt)

	safe, err := m.GetSafeMode(ctx)
	require.NoError(t, err)
	assert.False(t, safe)
}

func TestNonCausalWhenControlKeepsPace(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedCategoryZones(t, m, "z-treat", "z-ctrl")
	applied := time.Now().UTC().Add(-postWindow - time.Hour)
	seedAppliedCorrection(t, m, "corr-1", "z-treat", applied)

	// Control improves just as much: the correction gets no credit.
	seedWindows(t, m, "z-treat", applied,
		[3]float64{0.50, 0.80, 0.05}, [3]float64{0.60, 0.82, 0.05}, 40)
	seedWindows(t, m, "z-ctrl", applied,
		[3]float64{0.51, 0.80, 0.05}, [3]float64{0.62, 0.83, 0.05}, 40)

	a := NewAnalyzer(m, time.Minute, postWindow, 0.6, 10)
	_, err := a.AnalyzeOnce(ctx)
	require.NoError(t, err)

	got, err := m.GetCorrection(ctx, "corr-1")
	require.NoError(t, err)
	require.NotNil(t, got.Verdict)
	assert.Equal(t, domain.VerdictNonCausal, *got.Verdict)
}

func TestInconclusiveOnThinSample(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedCategoryZones(t, m, "z-treat", "z-ctrl")
	applied := time.Now().UTC().Add(-postWindow - time.Hour)
	seedAppliedCorrection(t, m, "corr-1", "z-treat", applied)
	seedWindows(t, m, "z-treat", applied,
		[3]float64{0.50, 0.80, 0.05}, [3]float64{0.70, 0.90, 0.01}, 3)

	a := NewAnalyzer(m, time.Minute, postWindow, 0.6, 10)
	_, err := a.AnalyzeOnce(ctx)
	require.NoError(t, err)

	got, err := m.GetCorrection(ctx, "corr-1")
	require.NoError(t, err)
	require.NotNil(t, got.Verdict)
	assert.Equal(t, domain.VerdictInconclusive, *got.Verdict)
}

func TestInconclusiveWhenEveryControlWasCorrected(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedCategoryZones(t, m, "z-treat", "z-ctrl")
	applied := time.Now().UTC().Add(-postWindow - time.Hour)
	seedAppliedCorrection(t, m, "corr-1", "z-treat", applied)
	// The only candidate control got the same treatment in the window.
	seedAppliedCorrection(t, m, "corr-2", "z-ctrl", applied.Add(time.Hour))

	seedWindows(t, m, "z-treat", applied,
		[3]float64{0.50, 0.80, 0.05}, [3]float64{0.62, 0.83, 0.05}, 40)
	seedWindows(t, m, "z-ctrl", applied,
		[3]float64{0.52, 0.80, 0.05}, [3]float64{0.53, 0.80, 0.05}, 40)

	a := NewAnalyzer(m, time.Minute, postWindow, 0.6, 10)
	_, err := a.AnalyzeOnce(ctx)
	require.NoError(t, err)

	got, err := m.GetCorrection(ctx, "corr-1")
	require.NoError(t, err)
	require.NotNil(t, got.Verdict)
	assert.Equal(t, domain.VerdictInconclusive, *got.Verdict)
}

func TestSafeModeTripsOnRollingNonCausalRate(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	now := time.Now().UTC()

	// Ten decided verdicts, seven of them non-causal: 0.7 ≥ 0.6 trips.
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("corr-%d", i)
		seedAppliedCorrection(t, m, id, "z-x", now.Add(-72*time.Hour))
		v := domain.VerdictNonCausal
		if i >= 7 {
			v = domain.VerdictCausal
		}
		at := now.Add(-time.Hour)
		c, err := m.GetCorrection(ctx, id)
		require.NoError(t, err)
		c.Verdict = &v
		c.VerdictAt = &at
		require.NoError(t, m.UpdateCorrection(ctx, c))
	}

	a := NewAnalyzer(m, time.Minute, postWindow, 0.6, 10)
	_, err := a.AnalyzeOnce(ctx)
	require.NoError(t, err)

	safe, err := m.GetSafeMode(ctx)
	require.NoError(t, err)
	assert.True(t, safe)
}
