package dispute

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidegig/backend/internal/domain"
	"github.com/sidegig/backend/internal/escrow"
	"github.com/sidegig/backend/internal/store"
)

func fixture(t *testing.T) (*store.Memory, *Service) {
	t.Helper()
	ctx := context.Background()
	m := store.NewMemory()
	for _, id := range []string{"poster-1", "worker-1", "admin-1", "stranger-1"} {
		require.NoError(t, m.CreateUser(ctx, &domain.User{
			ID: id, DisplayName: id, Email: id + "@example.com",
			TrustTier: 1, Plan: domain.PlanFree, Status: domain.AccountActive,
		}))
	}
	require.NoError(t, m.GrantRole(ctx, "admin-1", domain.RoleAdmin))

	worker := "worker-1"
	require.NoError(t, m.CreateTask(ctx, &domain.Task{
		ID:         "task-1",
		PosterID:   "poster-1",
		WorkerID:   &worker,
		Title:      "hang curtains",
		PriceCents: 1000,
		Currency:   "usd",
		Category:   "assembly",
		CityID:     "nyc",
		ZoneID:     "bk-01",
		Mode:       domain.TaskModeStandard,
		State:      domain.TaskAccepted,
		Progress:   domain.ProgressAccepted,
		Version:    1,
	}))
	now := time.Now().UTC()
	require.NoError(t, m.CreateEscrow(ctx, &domain.Escrow{
		ID: "esc-1", TaskID: "task-1", AmountCents: 1000, Currency: "usd",
		State: domain.EscrowFunded, Version: 1, FundedAt: &now,
	}))
	return m, NewService(m, escrow.NewService(m))
}

func TestCreateLocksEscrowAtomically(t *testing.T) {
	ctx := context.Background()
	m, svc := fixture(t)

	_, err := svc.Create(ctx, CreateIn{TaskID: "task-1", InitiatorID: "stranger-1", Reason: "nope"})
	assert.True(t, domain.IsCode(err, domain.CodeForbidden))

	d, err := svc.Create(ctx, CreateIn{TaskID: "task-1", InitiatorID: "poster-1", Reason: "work not done"})
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeOpen, d.State)
	assert.Equal(t, 1, d.Version)
	assert.Equal(t, "worker-1", d.WorkerID)

	task, err := m.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskDisputed, task.State)

	e, err := m.GetEscrow(ctx, "esc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowLockedDispute, e.State)

	events, err := m.ListOutboxByAggregate(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventDisputeCreated, events[0].EventType)

	_, err = svc.Create(ctx, CreateIn{TaskID: "task-1", InitiatorID: "worker-1", Reason: "counter"})
	assert.True(t, domain.IsCode(err, domain.CodeConflict))
}

func TestCreateWindowOnCompletedTask(t *testing.T) {
	ctx := context.Background()
	m, svc := fixture(t)

	// Complete the task with an accepted proof, 50 hours ago.
	now := time.Now().UTC()
	completed := now.Add(-50 * time.Hour)
	reviewer := "poster-1"
	require.NoError(t, m.CreateProof(ctx, &domain.Proof{
		ID: "proof-1", TaskID: "task-1", SubmitterID: "worker-1",
		State: domain.ProofAccepted, ReviewerID: &reviewer,
		SubmittedAt: &completed, ReviewedAt: &completed, CreatedAt: completed,
	}))
	task, err := m.GetTask(ctx, "task-1")
	require.NoError(t, err)
	task.State = domain.TaskCompleted
	task.CompletedAt = &completed
	require.NoError(t, m.UpdateTask(ctx, task))

	_, err = svc.Create(ctx, CreateIn{TaskID: "task-1", InitiatorID: "poster-1", Reason: "shoddy"})
	assert.True(t, domain.IsCode(err, domain.CodeInvalidState))

	// Inside the window it goes through and the task stays COMPLETED.
	recent := now.Add(-10 * time.Hour)
	task, err = m.GetTask(ctx, "task-1")
	require.NoError(t, err)
	task.CompletedAt = &recent
	require.NoError(t, m.UpdateTask(ctx, task))

	d, err := svc.Create(ctx, CreateIn{TaskID: "task-1", InitiatorID: "poster-1", Reason: "shoddy"})
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeOpen, d.State)

	got, err := m.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, got.State)
}

func TestResolveSplitEmitsOneActionTwoTrustEvents(t *testing.T) {
	ctx := context.Background()
	m, svc := fixture(t)

	d, err := svc.Create(ctx, CreateIn{TaskID: "task-1", InitiatorID: "worker-1", Reason: "underpaid"})
	require.NoError(t, err)

	_, err = svc.Resolve(ctx, ResolveIn{
		DisputeID: d.ID, AdminID: "poster-1", Outcome: domain.OutcomeSplit,
		RefundCents: 400, ReleaseCents: 600,
	})
	assert.True(t, domain.IsCode(err, domain.CodeForbidden))

	_, err = svc.Resolve(ctx, ResolveIn{
		DisputeID: d.ID, AdminID: "admin-1", Outcome: domain.OutcomeSplit,
		RefundCents: 400, ReleaseCents: 700,
	})
	assert.True(t, domain.IsCode(err, domain.CodeValidation))

	got, err := svc.Resolve(ctx, ResolveIn{
		DisputeID: d.ID, AdminID: "admin-1", Outcome: domain.OutcomeSplit,
		RefundCents: 400, ReleaseCents: 600, Note: "both at fault",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeResolved, got.State)
	require.NotNil(t, got.Outcome)
	assert.Equal(t, domain.OutcomeSplit, *got.Outcome)
	require.NotNil(t, got.RefundCents)
	assert.Equal(t, int64(400), *got.RefundCents)

	pending, err := m.SelectPendingOutbox(ctx, 100)
	require.NoError(t, err)
	actions := 0
	var trustKeys []string
	for _, ev := range pending {
		switch ev.EventType {
		case domain.EventEscrowReleaseRequested, domain.EventEscrowRefundRequested,
			domain.EventEscrowPartialRefundRequested:
			actions++
			assert.Equal(t, domain.EventEscrowPartialRefundRequested, ev.EventType)
		case domain.EventTrustDisputeResolvedWorker, domain.EventTrustDisputeResolvedPoster:
			trustKeys = append(trustKeys, ev.IdempotencyKey)
		}
	}
	assert.Equal(t, 1, actions, "exactly one escrow action request")
	assert.ElementsMatch(t, []string{
		"trust.dispute_resolved.worker:" + d.ID + ":1",
		"trust.dispute_resolved.poster:" + d.ID + ":1",
	}, trustKeys)

	// Resolution is one-shot.
	_, err = svc.Resolve(ctx, ResolveIn{DisputeID: d.ID, AdminID: "admin-1", Outcome: domain.OutcomeRefund})
	assert.True(t, domain.IsCode(err, domain.CodeInvalidState))
}

func TestEvidenceWindowAndEscalation(t *testing.T) {
	ctx := context.Background()
	m, svc := fixture(t)

	d, err := svc.Create(ctx, CreateIn{TaskID: "task-1", InitiatorID: "poster-1", Reason: "no show"})
	require.NoError(t, err)

	_, err = svc.RequestEvidence(ctx, d.ID, "worker-1")
	assert.True(t, domain.IsCode(err, domain.CodeForbidden))

	got, err := svc.RequestEvidence(ctx, d.ID, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeEvidenceRequested, got.State)
	require.NotNil(t, got.EvidenceDeadline)

	// Deadline passes with no evidence; the sweep reopens it.
	past := time.Now().UTC().Add(-time.Hour)
	row, err := m.GetDispute(ctx, d.ID)
	require.NoError(t, err)
	row.EvidenceDeadline = &past
	require.NoError(t, m.UpdateDispute(ctx, row))

	n, err := svc.ReturnExpiredEvidence(ctx, time.Now().UTC(), 50)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reopened, err := m.GetDispute(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeOpen, reopened.State)
	assert.Nil(t, reopened.EvidenceDeadline)

	esc, err := svc.Escalate(ctx, d.ID, "worker-1", "need a human")
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeEscalated, esc.State)

	resolved, err := svc.Resolve(ctx, ResolveIn{
		DisputeID: d.ID, AdminID: "admin-1", Outcome: domain.OutcomeRefund, Note: "refund it",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeResolved, resolved.State)
}

func TestResolveNeedsLockedEscrow(t *testing.T) {
	ctx := context.Background()
	m, svc := fixture(t)

	d, err := svc.Create(ctx, CreateIn{TaskID: "task-1", InitiatorID: "poster-1", Reason: "no show"})
	require.NoError(t, err)

	// Settle the escrow out from under the dispute.
	e, err := m.GetEscrow(ctx, "esc-1")
	require.NoError(t, err)
	e.State = domain.EscrowRefunded
	require.NoError(t, m.UpdateEscrow(ctx, e))

	_, err = svc.Resolve(ctx, ResolveIn{DisputeID: d.ID, AdminID: "admin-1", Outcome: domain.OutcomeRefund})
	assert.True(t, domain.IsCode(err, domain.CodeInvalidState))
}
