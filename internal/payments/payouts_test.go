package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidegig/backend/internal/domain"
	"github.com/sidegig/backend/internal/escrow"
	"github.com/sidegig/backend/internal/store"
)

// fakeProcessor records outbound calls and hands back deterministic ids.
type fakeProcessor struct {
	intents   []IntentParams
	captures  []string
	cancels   []string
	transfers []TransferParams
	refunds   []RefundParams

	intentErr   error
	captureErr  error
	cancelErr   error
	transferErr error
	refundErr   error
}

func (f *fakeProcessor) CreateIntent(_ context.Context, p IntentParams) (*IntentRef, error) {
	if f.intentErr != nil {
		return nil, f.intentErr
	}
	f.intents = append(f.intents, p)
	return &IntentRef{ID: fmt.Sprintf("pi_fake_%d", len(f.intents)), ClientSecret: "cs_test"}, nil
}

func (f *fakeProcessor) CaptureIntent(_ context.Context, intentID, _ string) error {
	if f.captureErr != nil {
		return f.captureErr
	}
	f.captures = append(f.captures, intentID)
	return nil
}

func (f *fakeProcessor) CancelIntent(_ context.Context, intentID, _ string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancels = append(f.cancels, intentID)
	return nil
}

func (f *fakeProcessor) CreateTransfer(_ context.Context, p TransferParams) (string, error) {
	if f.transferErr != nil {
		return "", f.transferErr
	}
	f.transfers = append(f.transfers, p)
	return fmt.Sprintf("tr_fake_%d", len(f.transfers)), nil
}

func (f *fakeProcessor) CreateRefund(_ context.Context, p RefundParams) (string, error) {
	if f.refundErr != nil {
		return "", f.refundErr
	}
	f.refunds = append(f.refunds, p)
	return fmt.Sprintf("re_fake_%d", len(f.refunds)), nil
}

type payoutFix struct {
	m    *store.Memory
	es   *escrow.Service
	proc *fakeProcessor
	w    *Payouts
}

func newPayoutFix(t *testing.T) *payoutFix {
	t.Helper()
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.CreateUser(ctx, &domain.User{
		ID: "poster-1", DisplayName: "poster", Email: "poster@example.com",
		TrustTier: 1, Plan: domain.PlanFree, Status: domain.AccountActive,
	}))
	acct := "acct_worker_1"
	require.NoError(t, m.CreateUser(ctx, &domain.User{
		ID: "worker-1", DisplayName: "worker", Email: "worker@example.com",
		TrustTier: 1, Plan: domain.PlanFree, Status: domain.AccountActive,
		StripeAccountID: &acct,
	}))
	worker := "worker-1"
	require.NoError(t, m.CreateTask(ctx, &domain.Task{
		ID: "task-1", PosterID: "poster-1", WorkerID: &worker,
		Title: "hang curtains", PriceCents: 2000, Currency: "usd",
		Category: "assembly", CityID: "nyc", ZoneID: "bk-01",
		Mode: domain.TaskModeStandard, State: domain.TaskAccepted,
		Progress: domain.ProgressAccepted, Version: 1,
	}))
	proc := &fakeProcessor{}
	return &payoutFix{m: m, es: escrow.NewService(m), proc: proc, w: NewPayouts(m, proc)}
}

func (f *payoutFix) markCompleted(t *testing.T, taskID string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	reviewer := "admin-1"
	require.NoError(t, f.m.CreateProof(ctx, &domain.Proof{
		ID: "proof-" + taskID, TaskID: taskID, SubmitterID: "worker-1",
		State: domain.ProofAccepted, ReviewerID: &reviewer,
		SubmittedAt: &now, ReviewedAt: &now, CreatedAt: now,
	}))
	task, err := f.m.GetTask(ctx, taskID)
	require.NoError(t, err)
	task.State = domain.TaskCompleted
	task.CompletedAt = &now
	require.NoError(t, f.m.UpdateTask(ctx, task))
}

// escrowEvent pulls the real outbox row the escrow service emitted.
func (f *payoutFix) escrowEvent(t *testing.T, eventType, escrowID string) domain.OutboxEvent {
	t.Helper()
	rows, err := f.m.ListOutboxByAggregate(context.Background(), escrowID)
	require.NoError(t, err)
	for _, ev := range rows {
		if ev.EventType == eventType {
			return ev
		}
	}
	t.Fatalf("no %s row for escrow %s", eventType, escrowID)
	return domain.OutboxEvent{}
}

func TestEscrowOpenedCreatesIntent(t *testing.T) {
	ctx := context.Background()
	f := newPayoutFix(t)

	e, err := f.es.Create(ctx, "task-1", 2000, "usd", "")
	require.NoError(t, err)
	require.Nil(t, e.PaymentIntentID)

	ev := f.escrowEvent(t, domain.EventEscrowOpened, e.ID)
	require.NoError(t, f.w.HandleEscrowOpened(ctx, ev))

	require.Len(t, f.proc.intents, 1)
	got := f.proc.intents[0]
	assert.Equal(t, int64(2000), got.AmountCents)
	assert.Equal(t, "usd", got.Currency)
	assert.Equal(t, e.ID, got.EscrowID)
	assert.Equal(t, "task-1", got.TaskID)
	assert.Equal(t, "poster-1", got.PosterID)
	assert.Equal(t, ev.IdempotencyKey, got.IdempotencyKey)

	stored, err := f.m.GetEscrow(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.PaymentIntentID)
	assert.Equal(t, "pi_fake_1", *stored.PaymentIntentID)

	// Redelivery sees the recorded intent and opens nothing.
	require.NoError(t, f.w.HandleEscrowOpened(ctx, ev))
	assert.Len(t, f.proc.intents, 1)
}

func TestEscrowOpenedSkipsDeadTask(t *testing.T) {
	ctx := context.Background()
	f := newPayoutFix(t)

	e, err := f.es.Create(ctx, "task-1", 2000, "usd", "")
	require.NoError(t, err)
	ev := f.escrowEvent(t, domain.EventEscrowOpened, e.ID)

	task, err := f.m.GetTask(ctx, "task-1")
	require.NoError(t, err)
	task.State = domain.TaskCancelled
	require.NoError(t, f.m.UpdateTask(ctx, task))

	require.NoError(t, f.w.HandleEscrowOpened(ctx, ev))
	assert.Empty(t, f.proc.intents)

	stored, err := f.m.GetEscrow(ctx, e.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.PaymentIntentID)
}

func TestCancelRequestedCancelsIntent(t *testing.T) {
	ctx := context.Background()
	f := newPayoutFix(t)

	e, err := f.es.Create(ctx, "task-1", 2000, "usd", "pi_1")
	require.NoError(t, err)

	raw, err := json.Marshal(escrow.ActionPayload{
		EscrowID: e.ID, TaskID: "task-1", ResolvedBy: "system", Reason: "task CANCELLED",
	})
	require.NoError(t, err)
	ev := domain.OutboxEvent{
		ID:             "ev-cancel",
		EventType:      domain.EventEscrowCancelRequested,
		IdempotencyKey: domain.OutboxKey(domain.EventEscrowCancelRequested, e.ID, e.Version),
		Payload:        raw,
	}

	require.NoError(t, f.w.HandleCancelRequested(ctx, ev))
	assert.Equal(t, []string{"pi_1"}, f.proc.cancels)

	// Once the escrow is funded the cancel request is stale.
	_, err = f.es.Fund(ctx, e.ID, "pi_1", "ch_1")
	require.NoError(t, err)
	require.NoError(t, f.w.HandleCancelRequested(ctx, ev))
	assert.Len(t, f.proc.cancels, 1)
}

func TestCancelRequestedToleratesUncancelable(t *testing.T) {
	ctx := context.Background()
	f := newPayoutFix(t)

	e, err := f.es.Create(ctx, "task-1", 2000, "usd", "pi_1")
	require.NoError(t, err)
	f.proc.cancelErr = domain.E(domain.CodeValidation, "cancel intent rejected by processor: already succeeded")

	raw, err := json.Marshal(escrow.ActionPayload{EscrowID: e.ID, TaskID: "task-1", ResolvedBy: "system"})
	require.NoError(t, err)
	ev := domain.OutboxEvent{EventType: domain.EventEscrowCancelRequested, Payload: raw}

	// The money moved; the funding webhook owns the unwind from here.
	require.NoError(t, f.w.HandleCancelRequested(ctx, ev))
	assert.Empty(t, f.proc.cancels)
}

func TestReleasedTransfersNetToWorker(t *testing.T) {
	ctx := context.Background()
	f := newPayoutFix(t)

	e, err := f.es.Create(ctx, "task-1", 2000, "usd", "pi_1")
	require.NoError(t, err)
	_, err = f.es.Fund(ctx, e.ID, "pi_1", "ch_1")
	require.NoError(t, err)
	f.markCompleted(t, "task-1")
	_, err = f.es.Release(ctx, e.ID, escrow.ReleaseContext{})
	require.NoError(t, err)

	ev := f.escrowEvent(t, domain.EventEscrowReleased, e.ID)
	require.NoError(t, f.w.HandleEscrowReleased(ctx, ev))

	require.Len(t, f.proc.transfers, 1)
	got := f.proc.transfers[0]
	assert.Equal(t, int64(1700), got.AmountCents)
	assert.Equal(t, "acct_worker_1", got.DestinationAccount)
	assert.Equal(t, e.ID, got.EscrowID)
	assert.Equal(t, ev.IdempotencyKey+":transfer", got.IdempotencyKey)

	stored, err := f.m.GetEscrow(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.TransferID)
	assert.Equal(t, "tr_fake_1", *stored.TransferID)

	require.NoError(t, f.w.HandleEscrowReleased(ctx, ev))
	assert.Len(t, f.proc.transfers, 1)
}

func TestReleasedParksWithoutPayoutAccount(t *testing.T) {
	ctx := context.Background()
	f := newPayoutFix(t)

	worker, err := f.m.GetUser(ctx, "worker-1")
	require.NoError(t, err)
	worker.StripeAccountID = nil
	require.NoError(t, f.m.UpdateUser(ctx, worker))

	e, err := f.es.Create(ctx, "task-1", 2000, "usd", "pi_1")
	require.NoError(t, err)
	_, err = f.es.Fund(ctx, e.ID, "pi_1", "ch_1")
	require.NoError(t, err)
	f.markCompleted(t, "task-1")
	_, err = f.es.Release(ctx, e.ID, escrow.ReleaseContext{})
	require.NoError(t, err)

	ev := f.escrowEvent(t, domain.EventEscrowReleased, e.ID)
	err = f.w.HandleEscrowReleased(ctx, ev)
	assert.True(t, domain.IsCode(err, domain.CodeValidation))
	assert.False(t, domain.Retryable(err), "a missing payout account should park, not spin")
	assert.Empty(t, f.proc.transfers)
}

func TestRefundedSendsMoneyBack(t *testing.T) {
	ctx := context.Background()
	f := newPayoutFix(t)

	e, err := f.es.Create(ctx, "task-1", 2000, "usd", "pi_1")
	require.NoError(t, err)
	_, err = f.es.Fund(ctx, e.ID, "pi_1", "ch_1")
	require.NoError(t, err)
	_, err = f.es.Refund(ctx, e.ID, "poster cancelled")
	require.NoError(t, err)

	ev := f.escrowEvent(t, domain.EventEscrowRefunded, e.ID)
	require.NoError(t, f.w.HandleEscrowRefunded(ctx, ev))

	require.Len(t, f.proc.refunds, 1)
	got := f.proc.refunds[0]
	assert.Equal(t, int64(2000), got.AmountCents)
	assert.Equal(t, "pi_1", got.PaymentIntentID)
	assert.Equal(t, "poster cancelled", got.Reason)
	assert.Equal(t, ev.IdempotencyKey+":refund", got.IdempotencyKey)

	stored, err := f.m.GetEscrow(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.RefundID)
	assert.Equal(t, "re_fake_1", *stored.RefundID)

	require.NoError(t, f.w.HandleEscrowRefunded(ctx, ev))
	assert.Len(t, f.proc.refunds, 1)
}

func TestPartialRefundRunsBothLegs(t *testing.T) {
	ctx := context.Background()
	f := newPayoutFix(t)

	e, err := f.es.Create(ctx, "task-1", 2000, "usd", "pi_1")
	require.NoError(t, err)
	_, err = f.es.Fund(ctx, e.ID, "pi_1", "ch_1")
	require.NoError(t, err)
	_, err = f.es.LockForDispute(ctx, e.ID)
	require.NoError(t, err)
	f.markCompleted(t, "task-1")
	_, err = f.es.PartialRefund(ctx, e.ID, 400, 1600)
	require.NoError(t, err)

	ev := f.escrowEvent(t, domain.EventEscrowRefundPartial, e.ID)
	require.NoError(t, f.w.HandleRefundPartial(ctx, ev))

	require.Len(t, f.proc.refunds, 1)
	assert.Equal(t, int64(400), f.proc.refunds[0].AmountCents)
	require.Len(t, f.proc.transfers, 1)
	assert.Equal(t, int64(1360), f.proc.transfers[0].AmountCents)

	stored, err := f.m.GetEscrow(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.RefundID)
	require.NotNil(t, stored.TransferID)

	require.NoError(t, f.w.HandleRefundPartial(ctx, ev))
	assert.Len(t, f.proc.refunds, 1)
	assert.Len(t, f.proc.transfers, 1)
}

func TestPartialRefundResumesMissingLeg(t *testing.T) {
	ctx := context.Background()
	f := newPayoutFix(t)

	e, err := f.es.Create(ctx, "task-1", 2000, "usd", "pi_1")
	require.NoError(t, err)
	_, err = f.es.Fund(ctx, e.ID, "pi_1", "ch_1")
	require.NoError(t, err)
	_, err = f.es.LockForDispute(ctx, e.ID)
	require.NoError(t, err)
	f.markCompleted(t, "task-1")
	_, err = f.es.PartialRefund(ctx, e.ID, 400, 1600)
	require.NoError(t, err)

	ev := f.escrowEvent(t, domain.EventEscrowRefundPartial, e.ID)
	f.proc.transferErr = fmt.Errorf("processor timeout")
	require.Error(t, f.w.HandleRefundPartial(ctx, ev))
	assert.Len(t, f.proc.refunds, 1)
	assert.Empty(t, f.proc.transfers)

	// The refund leg recorded its reference, so the retry only transfers.
	f.proc.transferErr = nil
	require.NoError(t, f.w.HandleRefundPartial(ctx, ev))
	assert.Len(t, f.proc.refunds, 1)
	require.Len(t, f.proc.transfers, 1)
	assert.Equal(t, int64(1360), f.proc.transfers[0].AmountCents)
}
