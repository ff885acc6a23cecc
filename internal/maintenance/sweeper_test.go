package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidegig/backend/internal/correction"
	"github.com/sidegig/backend/internal/dispute"
	"github.com/sidegig/backend/internal/domain"
	"github.com/sidegig/backend/internal/escrow"
	"github.com/sidegig/backend/internal/proof"
	"github.com/sidegig/backend/internal/store"
	"github.com/sidegig/backend/internal/task"
)

func TestSweepEnqueueSingleFlight(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	// Two instances ticking in the same window produce one row.
	s1 := NewSweeper(m, time.Minute)
	s2 := NewSweeper(m, time.Minute)
	s1.enqueue(ctx)
	s2.enqueue(ctx)

	rows, err := m.ListOutboxByAggregate(ctx, "sweeper")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.EventMaintenanceSweep, rows[0].EventType)
	assert.Equal(t, domain.QueueMaintenance, rows[0].Queue)
}

func TestHandleSweepCoversEveryDomain(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.CreateUser(ctx, &domain.User{
		ID: "poster-1", DisplayName: "poster", Email: "poster@example.com",
		TrustTier: 1, Plan: domain.PlanFree, Status: domain.AccountActive,
	}))

	tasks := task.NewService(m, nil)
	h := NewHandler(
		tasks,
		proof.NewService(m, nil),
		dispute.NewService(m, escrow.NewService(m)),
		correction.NewService(m),
	)

	past := time.Now().UTC().Add(-time.Hour)
	in := task.CreateIn{
		PosterID:   "poster-1",
		Title:      "walk the dog",
		PriceCents: 2000,
		Category:   "errands",
		CityID:     "nyc",
		ZoneID:     "bk-01",
		Deadline:   &past,
	}
	overdue, err := tasks.Create(ctx, in)
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, m.InsertCorrection(ctx, &domain.Correction{
		ID:           "corr-stale",
		Type:         domain.CorrectionFriction,
		TargetEntity: "signup_flow",
		TargetID:     "flow-1",
		Scope:        domain.ScopeGlobal,
		ExpiresAt:    now.Add(-time.Minute),
		AppliedAt:    now.Add(-2 * time.Hour),
		CreatedAt:    now.Add(-2 * time.Hour),
	}))

	ev := domain.OutboxEvent{ID: "sweep-1", EventType: domain.EventMaintenanceSweep}
	require.NoError(t, h.HandleSweep(ctx, ev))

	got, err := m.GetTask(ctx, overdue.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskExpired, got.State)

	corr, err := m.GetCorrection(ctx, "corr-stale")
	require.NoError(t, err)
	assert.True(t, corr.Reversed)

	// A retried sweep finds nothing left to do.
	require.NoError(t, h.HandleSweep(ctx, ev))
}
