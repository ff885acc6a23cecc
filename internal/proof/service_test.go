package proof

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidegig/backend/internal/domain"
	"github.com/sidegig/backend/internal/store"
	"github.com/sidegig/backend/internal/vision"
)

func fixture(t *testing.T, v vision.Client) (*store.Memory, *Service, *domain.Task) {
	t.Helper()
	ctx := context.Background()
	m := store.NewMemory()
	for _, id := range []string{"poster-1", "worker-1"} {
		require.NoError(t, m.CreateUser(ctx, &domain.User{
			ID: id, DisplayName: id, Email: id + "@example.com",
			TrustTier: 1, Plan: domain.PlanFree, Status: domain.AccountActive,
		}))
	}
	worker := "worker-1"
	task := &domain.Task{
		ID:         "task-1",
		PosterID:   "poster-1",
		WorkerID:   &worker,
		Title:      "walk the dog",
		PriceCents: 2000,
		Currency:   "usd",
		Category:   "errands",
		CityID:     "nyc",
		ZoneID:     "bk-01",
		Mode:       domain.TaskModeStandard,
		State:      domain.TaskAccepted,
		Progress:   domain.ProgressAccepted,
		Version:    1,
	}
	require.NoError(t, m.CreateTask(ctx, task))
	now := time.Now().UTC()
	require.NoError(t, m.CreateEscrow(ctx, &domain.Escrow{
		ID: "esc-1", TaskID: task.ID, AmountCents: 2000, Currency: "usd",
		State: domain.EscrowFunded, Version: 1, FundedAt: &now,
	}))
	return m, NewService(m, v), task
}

func submitIn(taskID string) SubmitIn {
	return SubmitIn{
		TaskID:      taskID,
		SubmitterID: "worker-1",
		Photos: []PhotoIn{
			{StorageKey: "proofs/task-1/1.jpg", Checksum: "aa11"},
			{StorageKey: "proofs/task-1/2.jpg", Checksum: "bb22"},
		},
	}
}

func TestSubmitRecordsOrderedPhotos(t *testing.T) {
	ctx := context.Background()
	m, svc, task := fixture(t, nil)

	_, err := svc.Submit(ctx, SubmitIn{TaskID: task.ID, SubmitterID: "worker-1"})
	assert.True(t, domain.IsCode(err, domain.CodeValidation))

	in := submitIn(task.ID)
	in.SubmitterID = "poster-1"
	_, err = svc.Submit(ctx, in)
	assert.True(t, domain.IsCode(err, domain.CodeForbidden))

	p, err := svc.Submit(ctx, submitIn(task.ID))
	require.NoError(t, err)
	assert.Equal(t, domain.ProofSubmitted, p.State)
	require.Len(t, p.Photos, 2)
	assert.Equal(t, 1, p.Photos[0].Seq)
	assert.Equal(t, 2, p.Photos[1].Seq)
	assert.Equal(t, "proofs/task-1/1.jpg", p.Photos[0].StorageKey)

	got, err := m.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskProofSubmitted, got.State)

	// A second submission needs the task back in ACCEPTED first.
	_, err = svc.Submit(ctx, submitIn(task.ID))
	assert.True(t, domain.IsCode(err, domain.CodeInvalidState))
}

func TestReviewAcceptCompletesTaskAndRequestsRelease(t *testing.T) {
	ctx := context.Background()
	mock := &vision.Mock{}
	m, svc, task := fixture(t, mock)

	p, err := svc.Submit(ctx, submitIn(task.ID))
	require.NoError(t, err)

	_, err = svc.Review(ctx, ReviewIn{ProofID: p.ID, ReviewerID: "worker-1", Accept: true})
	assert.True(t, domain.IsCode(err, domain.CodeForbidden))

	got, err := svc.Review(ctx, ReviewIn{ProofID: p.ID, ReviewerID: "poster-1", Accept: true})
	require.NoError(t, err)
	assert.Equal(t, domain.ProofAccepted, got.State)
	assert.False(t, got.ManualReview)
	// No biometric or GPS artifacts, so the vendor is never consulted.
	assert.Empty(t, mock.Calls)

	taskRow, err := m.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, taskRow.State)
	require.NotNil(t, taskRow.CompletedAt)

	pending, err := m.SelectPendingOutbox(ctx, 100)
	require.NoError(t, err)
	var types []string
	for _, ev := range pending {
		types = append(types, ev.EventType)
	}
	assert.Contains(t, types, domain.EventProofReviewed)
	assert.Contains(t, types, domain.EventEscrowReleaseRequested)
}

func TestReviewConsultsVisionOnArtifacts(t *testing.T) {
	ctx := context.Background()
	mock := &vision.Mock{Result: &vision.Result{
		Liveness:  vision.VerdictReject,
		Logistics: vision.VerdictApprove,
	}}
	m, svc, task := fixture(t, mock)

	in := submitIn(task.ID)
	in.HasBiometric = true
	p, err := svc.Submit(ctx, in)
	require.NoError(t, err)

	_, err = svc.Review(ctx, ReviewIn{ProofID: p.ID, ReviewerID: "poster-1", Accept: true})
	assert.True(t, domain.IsCode(err, domain.CodeVerificationFailed))
	require.Len(t, mock.Calls, 1)
	assert.True(t, mock.Calls[0].HasBiometric)

	// The proof survives the failed review untouched.
	got, err := m.GetProofByTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProofSubmitted, got.State)

	// Approve verdicts let the same review go through.
	mock.Result = &vision.Result{Liveness: vision.VerdictApprove, Logistics: vision.VerdictApprove}
	reviewed, err := svc.Review(ctx, ReviewIn{ProofID: p.ID, ReviewerID: "poster-1", Accept: true})
	require.NoError(t, err)
	assert.Equal(t, domain.ProofAccepted, reviewed.State)
}

func TestReviewDegradesWhenVisionDown(t *testing.T) {
	ctx := context.Background()
	mock := &vision.Mock{Err: domain.E(domain.CodeAIUnavailable, "vendor down")}
	_, svc, task := fixture(t, mock)

	in := submitIn(task.ID)
	in.HasGPS = true
	p, err := svc.Submit(ctx, in)
	require.NoError(t, err)

	got, err := svc.Review(ctx, ReviewIn{ProofID: p.ID, ReviewerID: "poster-1", Accept: true})
	require.NoError(t, err)
	assert.Equal(t, domain.ProofAccepted, got.State)
	assert.True(t, got.ManualReview)
}

func TestReviewRejectSendsTaskBackForRework(t *testing.T) {
	ctx := context.Background()
	m, svc, task := fixture(t, nil)

	p, err := svc.Submit(ctx, submitIn(task.ID))
	require.NoError(t, err)

	got, err := svc.Review(ctx, ReviewIn{
		ProofID:    p.ID,
		ReviewerID: "poster-1",
		Accept:     false,
		Reason:     "wrong shelf",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ProofRejected, got.State)
	require.NotNil(t, got.RejectionReason)
	assert.Equal(t, "wrong shelf", *got.RejectionReason)

	taskRow, err := m.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskAccepted, taskRow.State)

	// The worker can try again with a fresh proof.
	p2, err := svc.Submit(ctx, submitIn(task.ID))
	require.NoError(t, err)
	assert.NotEqual(t, p.ID, p2.ID)
}

func TestExpireStaleReturnsTaskForRework(t *testing.T) {
	ctx := context.Background()
	m, svc, task := fixture(t, nil)

	p, err := svc.Submit(ctx, submitIn(task.ID))
	require.NoError(t, err)

	old := time.Now().UTC().Add(-100 * time.Hour)
	row, err := m.GetProof(ctx, p.ID)
	require.NoError(t, err)
	row.SubmittedAt = &old
	require.NoError(t, m.UpdateProof(ctx, row))

	n, err := svc.ExpireStale(ctx, time.Now().UTC(), 50)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := m.GetProof(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProofExpired, got.State)

	taskRow, err := m.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskAccepted, taskRow.State)
}
