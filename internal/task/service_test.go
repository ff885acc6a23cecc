package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidegig/backend/internal/domain"
	"github.com/sidegig/backend/internal/store"
)

func seedUser(t *testing.T, m *store.Memory, id string, status domain.AccountStatus) {
	t.Helper()
	require.NoError(t, m.CreateUser(context.Background(), &domain.User{
		ID:          id,
		DisplayName: id,
		Email:       id + "@example.com",
		TrustTier:   1,
		Plan:        domain.PlanFree,
		Status:      status,
	}))
}

func newFixture(t *testing.T) (*store.Memory, *Service) {
	t.Helper()
	m := store.NewMemory()
	seedUser(t, m, "poster-1", domain.AccountActive)
	seedUser(t, m, "worker-1", domain.AccountActive)
	seedUser(t, m, "worker-2", domain.AccountActive)
	return m, NewService(m, nil)
}

func validCreate() CreateIn {
	return CreateIn{
		PosterID:   "poster-1",
		Title:      "assemble shelf",
		PriceCents: 2000,
		Category:   "assembly",
		CityID:     "nyc",
		ZoneID:     "bk-01",
	}
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	_, svc := newFixture(t)

	in := validCreate()
	in.PriceCents = 0
	_, err := svc.Create(ctx, in)
	assert.True(t, domain.IsCode(err, domain.CodeValidation))

	in = validCreate()
	in.ZoneID = ""
	_, err = svc.Create(ctx, in)
	assert.True(t, domain.IsCode(err, domain.CodeValidation))

	task, err := svc.Create(ctx, validCreate())
	require.NoError(t, err)
	assert.Equal(t, domain.TaskOpen, task.State)
	assert.Equal(t, domain.ProgressPosted, task.Progress)
	assert.Equal(t, 1, task.Version)
	assert.Equal(t, "usd", task.Currency)
}

func TestInstantTaskStartsMatching(t *testing.T) {
	ctx := context.Background()
	_, svc := newFixture(t)

	in := validCreate()
	in.Instant = true
	task, err := svc.Create(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskMatching, task.State)
	require.NotNil(t, task.MatchingAt)
}

func TestAcceptIsExclusive(t *testing.T) {
	ctx := context.Background()
	_, svc := newFixture(t)

	task, err := svc.Create(ctx, validCreate())
	require.NoError(t, err)

	_, err = svc.Accept(ctx, task.ID, "poster-1")
	assert.True(t, domain.IsCode(err, domain.CodeValidation))

	got, err := svc.Accept(ctx, task.ID, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskAccepted, got.State)
	require.NotNil(t, got.WorkerID)
	assert.Equal(t, "worker-1", *got.WorkerID)
	assert.Equal(t, domain.ProgressAccepted, got.Progress)
	require.NotNil(t, got.AcceptedAt)

	_, err = svc.Accept(ctx, task.ID, "worker-2")
	assert.True(t, domain.IsCode(err, domain.CodeConflict))
}

func TestAcceptRequiresActiveAccount(t *testing.T) {
	ctx := context.Background()
	m, svc := newFixture(t)
	seedUser(t, m, "worker-frozen", domain.AccountSuspended)

	task, err := svc.Create(ctx, validCreate())
	require.NoError(t, err)

	_, err = svc.Accept(ctx, task.ID, "worker-frozen")
	assert.True(t, domain.IsCode(err, domain.CodeForbidden))
}

func TestTransitionHonorsEdges(t *testing.T) {
	ctx := context.Background()
	_, svc := newFixture(t)

	task, err := svc.Create(ctx, validCreate())
	require.NoError(t, err)
	_, err = svc.Accept(ctx, task.ID, "worker-1")
	require.NoError(t, err)

	got, err := svc.Transition(ctx, task.ID, domain.TaskProofSubmitted)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskProofSubmitted, got.State)

	// COMPLETED is not reachable from OPEN.
	other, err := svc.Create(ctx, validCreate())
	require.NoError(t, err)
	_, err = svc.Transition(ctx, other.ID, domain.TaskCompleted)
	assert.True(t, domain.IsCode(err, domain.CodeInvalidTransition))

	_, err = svc.Transition(ctx, other.ID, domain.TaskCancelled)
	require.NoError(t, err)
	_, err = svc.Transition(ctx, other.ID, domain.TaskOpen)
	assert.True(t, domain.IsCode(err, domain.CodeInvalidState))
}

func TestAdvanceProgressIsStrict(t *testing.T) {
	ctx := context.Background()
	_, svc := newFixture(t)

	task, err := svc.Create(ctx, validCreate())
	require.NoError(t, err)
	_, err = svc.Accept(ctx, task.ID, "worker-1")
	require.NoError(t, err)

	got, err := svc.AdvanceProgress(ctx, task.ID, domain.ProgressTraveling)
	require.NoError(t, err)
	assert.Equal(t, domain.ProgressTraveling, got.Progress)

	// Skipping WORKING is rejected before it hits the store.
	_, err = svc.AdvanceProgress(ctx, task.ID, domain.ProgressCompleted)
	assert.True(t, domain.IsCode(err, domain.CodeInvalidTransition))

	// So is going backwards.
	_, err = svc.AdvanceProgress(ctx, task.ID, domain.ProgressAccepted)
	assert.True(t, domain.IsCode(err, domain.CodeInvalidTransition))
}

func TestExpireOverdueRequestsRefund(t *testing.T) {
	ctx := context.Background()
	m, svc := newFixture(t)

	past := time.Now().UTC().Add(-time.Hour)
	in := validCreate()
	in.Deadline = &past
	task, err := svc.Create(ctx, in)
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, m.CreateEscrow(ctx, &domain.Escrow{
		ID:          "esc-1",
		TaskID:      task.ID,
		AmountCents: 2000,
		Currency:    "usd",
		State:       domain.EscrowFunded,
		Version:     1,
		FundedAt:    &now,
	}))

	n, err := svc.ExpireOverdue(ctx, time.Now().UTC(), 50)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := m.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskExpired, got.State)

	pending, err := m.SelectPendingOutbox(ctx, 100)
	require.NoError(t, err)
	var types []string
	for _, ev := range pending {
		types = append(types, ev.EventType)
	}
	assert.Contains(t, types, domain.EventTaskExpired)
	assert.Contains(t, types, domain.EventEscrowRefundRequested)

	// Second sweep finds nothing.
	n, err = svc.ExpireOverdue(ctx, time.Now().UTC(), 50)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCancelReleasesUncapturedHold(t *testing.T) {
	ctx := context.Background()
	m, svc := newFixture(t)

	task, err := svc.Create(ctx, validCreate())
	require.NoError(t, err)

	pi := "pi_1"
	require.NoError(t, m.CreateEscrow(ctx, &domain.Escrow{
		ID:              "esc-1",
		TaskID:          task.ID,
		AmountCents:     2000,
		Currency:        "usd",
		State:           domain.EscrowPending,
		PaymentIntentID: &pi,
		Version:         1,
	}))

	_, err = svc.Transition(ctx, task.ID, domain.TaskCancelled)
	require.NoError(t, err)

	pending, err := m.SelectPendingOutbox(ctx, 100)
	require.NoError(t, err)
	var types []string
	for _, ev := range pending {
		types = append(types, ev.EventType)
	}
	assert.Contains(t, types, domain.EventEscrowCancelRequested)
	assert.NotContains(t, types, domain.EventEscrowRefundRequested)
}

func TestReturnStaleMatching(t *testing.T) {
	ctx := context.Background()
	m, svc := newFixture(t)

	in := validCreate()
	in.Instant = true
	task, err := svc.Create(ctx, in)
	require.NoError(t, err)

	// Fresh offers stay put.
	n, err := svc.ReturnStaleMatching(ctx, time.Now().UTC(), 50)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = svc.ReturnStaleMatching(ctx, time.Now().UTC().Add(5*time.Minute), 50)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := m.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskOpen, got.State)
	assert.Nil(t, got.MatchingAt)
}
