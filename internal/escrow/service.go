// Package escrow owns held funds for tasks: the PENDING→FUNDED→terminal state
// machine, the platform-fee revenue ledger, and the workers that convert
// dispute resolutions into the actual money movement.
package escrow

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sidegig/backend/internal/domain"
	"github.com/sidegig/backend/internal/outbox"
	"github.com/sidegig/backend/internal/store"
)

type Service struct {
	store   store.TxStore
	metrics *Metrics
}

func NewService(s store.TxStore) *Service {
	return &Service{store: s, metrics: NewMetrics()}
}

// EventPayload rides every escrow.* lifecycle event.
type EventPayload struct {
	EscrowID     string `json:"escrow_id"`
	TaskID       string `json:"task_id"`
	WorkerID     string `json:"worker_id,omitempty"`
	AmountCents  int64  `json:"amount_cents"`
	FeeCents     int64  `json:"fee_cents,omitempty"`
	NetCents     int64  `json:"net_cents,omitempty"`
	RefundCents  *int64 `json:"refund_cents,omitempty"`
	ReleaseCents *int64 `json:"release_cents,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// ReleaseContext carries processor references captured by the effect worker
// that triggered the release.
type ReleaseContext struct {
	TransferID        string
	ExternalEventID   *string
	ProcessorFeeCents int64
}

// Create opens a PENDING escrow for a task. Callers that already hold a
// processor intent pass it in; otherwise escrow.opened asks the payout worker
// to open one. Fund confirmation arrives later through the webhook pipeline.
func (s *Service) Create(ctx context.Context, taskID string, amountCents int64, currency, paymentIntentID string) (*domain.Escrow, error) {
	return s.inTx(ctx, func(tx store.Store) (*domain.Escrow, error) {
		return s.CreateTx(ctx, tx, taskID, amountCents, currency, paymentIntentID)
	})
}

func (s *Service) CreateTx(ctx context.Context, tx store.Store, taskID string, amountCents int64, currency, paymentIntentID string) (*domain.Escrow, error) {
	if amountCents <= 0 {
		return nil, domain.E(domain.CodeInvalidState, "escrow amount must be positive")
	}
	e := &domain.Escrow{
		ID:          uuid.NewString(),
		TaskID:      taskID,
		AmountCents: amountCents,
		Currency:    currency,
		State:       domain.EscrowPending,
	}
	if paymentIntentID != "" {
		e.PaymentIntentID = &paymentIntentID
	}
	if err := tx.CreateEscrow(ctx, e); err != nil {
		return nil, err
	}
	if paymentIntentID == "" {
		if err := s.emit(ctx, tx, domain.EventEscrowOpened, e, 0, 0, ""); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Fund confirms payment: PENDING→FUNDED, records processor references, emits
// escrow.funded.
func (s *Service) Fund(ctx context.Context, escrowID, paymentIntentID, chargeID string) (*domain.Escrow, error) {
	return s.inTx(ctx, func(tx store.Store) (*domain.Escrow, error) {
		return s.FundTx(ctx, tx, escrowID, paymentIntentID, chargeID)
	})
}

func (s *Service) FundTx(ctx context.Context, tx store.Store, escrowID, paymentIntentID, chargeID string) (*domain.Escrow, error) {
	e, err := tx.GetEscrowForUpdate(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if err := guardTransition(e, domain.EscrowFunded); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	e.State = domain.EscrowFunded
	e.FundedAt = &now
	if paymentIntentID != "" {
		e.PaymentIntentID = &paymentIntentID
	}
	if chargeID != "" {
		e.ChargeID = &chargeID
	}
	if err := tx.UpdateEscrow(ctx, e); err != nil {
		return nil, err
	}

	if err := s.emit(ctx, tx, domain.EventEscrowFunded, e, 0, 0, ""); err != nil {
		return nil, err
	}
	s.metrics.RecordTransition(domain.EscrowFunded)
	return e, nil
}

// Release moves FUNDED→RELEASED. The task must already be COMPLETED; the
// store-side check backs this up (no writes survive a violation). The platform
// fee is decomposed into an additive revenue row in the same transaction.
func (s *Service) Release(ctx context.Context, escrowID string, rc ReleaseContext) (*domain.Escrow, error) {
	return s.inTx(ctx, func(tx store.Store) (*domain.Escrow, error) {
		return s.ReleaseTx(ctx, tx, escrowID, rc)
	})
}

func (s *Service) ReleaseTx(ctx context.Context, tx store.Store, escrowID string, rc ReleaseContext) (*domain.Escrow, error) {
	e, err := tx.GetEscrowForUpdate(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if err := guardTransition(e, domain.EscrowReleased); err != nil {
		return nil, err
	}

	task, err := tx.GetTask(ctx, e.TaskID)
	if err != nil {
		return nil, err
	}
	if task.State != domain.TaskCompleted {
		return nil, domain.Ef(domain.CodeInvalidState, "release requires completed task, task is %s", task.State)
	}

	now := time.Now().UTC()
	e.State = domain.EscrowReleased
	e.ClosedAt = &now
	if rc.TransferID != "" {
		e.TransferID = &rc.TransferID
	}
	if err := tx.UpdateEscrow(ctx, e); err != nil {
		return nil, err
	}

	fee, net := domain.SplitFee(e.AmountCents, domain.PlatformFeeBasisPoints)
	if err := tx.InsertRevenueEntry(ctx, &domain.RevenueEntry{
		ID:                uuid.NewString(),
		EventType:         domain.RevenuePlatformFee,
		Currency:          e.Currency,
		GrossCents:        e.AmountCents,
		PlatformFeeCents:  fee,
		NetCents:          net,
		FeeBasisPoints:    domain.PlatformFeeBasisPoints,
		ProcessorFeeCents: rc.ProcessorFeeCents,
		EscrowID:          &e.ID,
		ExternalChargeID:  e.ChargeID,
		ExternalEventID:   rc.ExternalEventID,
	}); err != nil {
		return nil, err
	}

	if err := s.emit(ctx, tx, domain.EventEscrowReleased, e, fee, net, ""); err != nil {
		return nil, err
	}
	s.metrics.RecordTransition(domain.EscrowReleased)
	s.metrics.RecordRevenue(domain.RevenuePlatformFee)
	return e, nil
}

// Refund moves FUNDED or LOCKED_DISPUTE → REFUNDED.
func (s *Service) Refund(ctx context.Context, escrowID, reason string) (*domain.Escrow, error) {
	return s.inTx(ctx, func(tx store.Store) (*domain.Escrow, error) {
		return s.RefundTx(ctx, tx, escrowID, reason)
	})
}

func (s *Service) RefundTx(ctx context.Context, tx store.Store, escrowID, reason string) (*domain.Escrow, error) {
	e, err := tx.GetEscrowForUpdate(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if err := guardTransition(e, domain.EscrowRefunded); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	e.State = domain.EscrowRefunded
	e.ClosedAt = &now
	if err := tx.UpdateEscrow(ctx, e); err != nil {
		return nil, err
	}

	if err := s.emit(ctx, tx, domain.EventEscrowRefunded, e, 0, 0, reason); err != nil {
		return nil, err
	}
	s.metrics.RecordTransition(domain.EscrowRefunded)
	return e, nil
}

// PartialRefund settles a SPLIT resolution: LOCKED_DISPUTE→REFUND_PARTIAL with
// refund+release summing exactly to the escrow amount. The released share
// produces a platform-fee revenue row; the refunded share carries no fee.
func (s *Service) PartialRefund(ctx context.Context, escrowID string, refundCents, releaseCents int64) (*domain.Escrow, error) {
	return s.inTx(ctx, func(tx store.Store) (*domain.Escrow, error) {
		return s.PartialRefundTx(ctx, tx, escrowID, refundCents, releaseCents)
	})
}

func (s *Service) PartialRefundTx(ctx context.Context, tx store.Store, escrowID string, refundCents, releaseCents int64) (*domain.Escrow, error) {
	e, err := tx.GetEscrowForUpdate(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if err := guardTransition(e, domain.EscrowRefundPartial); err != nil {
		return nil, err
	}
	if refundCents < 0 || releaseCents < 0 || refundCents+releaseCents != e.AmountCents {
		return nil, domain.Ef(domain.CodeInvalidState,
			"split %d+%d does not equal escrow amount %d", refundCents, releaseCents, e.AmountCents)
	}

	now := time.Now().UTC()
	e.State = domain.EscrowRefundPartial
	e.RefundCents = &refundCents
	e.ReleaseCents = &releaseCents
	e.ClosedAt = &now
	if err := tx.UpdateEscrow(ctx, e); err != nil {
		return nil, err
	}

	fee, net := domain.SplitFee(releaseCents, domain.PlatformFeeBasisPoints)
	if err := tx.InsertRevenueEntry(ctx, &domain.RevenueEntry{
		ID:               uuid.NewString(),
		EventType:        domain.RevenuePlatformFee,
		Currency:         e.Currency,
		GrossCents:       releaseCents,
		PlatformFeeCents: fee,
		NetCents:         net,
		FeeBasisPoints:   domain.PlatformFeeBasisPoints,
		EscrowID:         &e.ID,
		ExternalChargeID: e.ChargeID,
	}); err != nil {
		return nil, err
	}

	if err := s.emit(ctx, tx, domain.EventEscrowRefundPartial, e, fee, net, ""); err != nil {
		return nil, err
	}
	s.metrics.RecordTransition(domain.EscrowRefundPartial)
	s.metrics.RecordRevenue(domain.RevenuePlatformFee)
	return e, nil
}

// LockForDispute moves FUNDED→LOCKED_DISPUTE in its own transaction.
func (s *Service) LockForDispute(ctx context.Context, escrowID string) (*domain.Escrow, error) {
	return s.inTx(ctx, func(tx store.Store) (*domain.Escrow, error) {
		return s.LockForDisputeTx(ctx, tx, escrowID)
	})
}

// LockForDisputeTx is the tx-scoped variant used by dispute creation, which
// locks the escrow and writes the dispute row atomically.
func (s *Service) LockForDisputeTx(ctx context.Context, tx store.Store, escrowID string) (*domain.Escrow, error) {
	e, err := tx.GetEscrowForUpdate(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if err := guardTransition(e, domain.EscrowLockedDispute); err != nil {
		return nil, err
	}
	e.State = domain.EscrowLockedDispute
	if err := tx.UpdateEscrow(ctx, e); err != nil {
		return nil, err
	}
	s.metrics.RecordTransition(domain.EscrowLockedDispute)
	return e, nil
}

func (s *Service) Get(ctx context.Context, escrowID string) (*domain.Escrow, error) {
	return s.store.GetEscrow(ctx, escrowID)
}

func (s *Service) GetByTask(ctx context.Context, taskID string) (*domain.Escrow, error) {
	return s.store.GetEscrowByTask(ctx, taskID)
}

func (s *Service) inTx(ctx context.Context, fn func(store.Store) (*domain.Escrow, error)) (*domain.Escrow, error) {
	var out *domain.Escrow
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		e, err := fn(tx)
		if err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) emit(ctx context.Context, tx store.Store, eventType string, e *domain.Escrow, fee, net int64, reason string) error {
	p := EventPayload{
		EscrowID:     e.ID,
		TaskID:       e.TaskID,
		AmountCents:  e.AmountCents,
		FeeCents:     fee,
		NetCents:     net,
		RefundCents:  e.RefundCents,
		ReleaseCents: e.ReleaseCents,
		Reason:       reason,
	}
	if task, err := tx.GetTask(ctx, e.TaskID); err == nil && task.WorkerID != nil {
		p.WorkerID = *task.WorkerID
	}
	return outbox.Append(ctx, tx, outbox.Event{
		EventType:     eventType,
		AggregateType: "escrow",
		AggregateID:   e.ID,
		Version:       e.Version,
		Queue:         domain.QueueCriticalPayments,
		Payload:       p,
	})
}

// guardTransition applies the terminal guard first so double-settlement reads
// as ESCROW_TERMINAL, then the edge check.
func guardTransition(e *domain.Escrow, to domain.EscrowState) error {
	if e.State.Terminal() {
		return domain.Ef(domain.CodeEscrowTerminal, "escrow %s is settled (%s)", e.ID, e.State)
	}
	if !e.State.CanTransition(to) {
		return domain.Ef(domain.CodeInvalidTransition, "escrow %s -> %s is not a valid edge", e.State, to)
	}
	return nil
}
