package payments

import (
	"context"
	"encoding/json"
	"log"
	"os"

	"github.com/sidegig/backend/internal/domain"
	"github.com/sidegig/backend/internal/escrow"
	"github.com/sidegig/backend/internal/outbox"
	"github.com/sidegig/backend/internal/store"
)

// Payouts moves real money after the escrow transitions commit. Handlers are
// replay tolerant twice over: the processor reference recorded on the escrow
// row marks a leg as done, and the idempotency key derived from the outbox row
// makes a repeated call return the original result instead of paying twice.
type Payouts struct {
	store   store.TxStore
	proc    Processor
	metrics *Metrics
	logger  *log.Logger
}

func NewPayouts(s store.TxStore, proc Processor) *Payouts {
	return &Payouts{
		store:   s,
		proc:    proc,
		metrics: NewMetrics(),
		logger:  log.New(os.Stdout, "[PAYOUTS] ", log.LstdFlags),
	}
}

// RegisterPayoutHandlers binds the money movers to the escrow lifecycle.
func RegisterPayoutHandlers(r *outbox.Registry, s store.TxStore, proc Processor) *Payouts {
	w := NewPayouts(s, proc)
	r.Register(domain.EventEscrowOpened, w.HandleEscrowOpened)
	r.Register(domain.EventEscrowCancelRequested, w.HandleCancelRequested)
	r.Register(domain.EventEscrowReleased, w.HandleEscrowReleased)
	r.Register(domain.EventEscrowRefunded, w.HandleEscrowRefunded)
	r.Register(domain.EventEscrowRefundPartial, w.HandleRefundPartial)
	return w
}

// HandleEscrowOpened opens the processor intent for a freshly created escrow
// and records its id for webhook correlation.
func (w *Payouts) HandleEscrowOpened(ctx context.Context, ev domain.OutboxEvent) error {
	var p escrow.EventPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil || p.EscrowID == "" {
		return domain.E(domain.CodeValidation, "malformed escrow.opened payload")
	}
	e, err := w.store.GetEscrow(ctx, p.EscrowID)
	if err != nil {
		return err
	}
	if e.State != domain.EscrowPending || e.PaymentIntentID != nil {
		return nil // already funded, unwound, or a replay that opened the intent
	}
	task, err := w.store.GetTask(ctx, e.TaskID)
	if err != nil {
		return err
	}
	if task.State.Terminal() {
		w.logger.Printf("task %s is %s, not opening an intent for escrow %s", task.ID, task.State, e.ID)
		return nil
	}
	ref, err := w.proc.CreateIntent(ctx, IntentParams{
		EscrowID:       e.ID,
		TaskID:         task.ID,
		PosterID:       task.PosterID,
		AmountCents:    e.AmountCents,
		Currency:       e.Currency,
		IdempotencyKey: ev.IdempotencyKey,
	})
	if err != nil {
		return err
	}
	err = w.recordRef(ctx, e.ID, func(cur *domain.Escrow) bool {
		if cur.PaymentIntentID != nil {
			return false
		}
		cur.PaymentIntentID = &ref.ID
		return true
	})
	if err != nil {
		return err
	}
	w.metrics.IntentsOpened.Inc()
	w.logger.Printf("opened intent %s for escrow %s (%d %s)", ref.ID, e.ID, e.AmountCents, e.Currency)
	return nil
}

// HandleCancelRequested closes an intent that was never captured, so a dead
// task cannot collect money through a late confirmation.
func (w *Payouts) HandleCancelRequested(ctx context.Context, ev domain.OutboxEvent) error {
	var p escrow.ActionPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil || p.EscrowID == "" {
		return domain.E(domain.CodeValidation, "malformed escrow.cancel_requested payload")
	}
	e, err := w.store.GetEscrow(ctx, p.EscrowID)
	if err != nil {
		return err
	}
	if e.State != domain.EscrowPending || e.PaymentIntentID == nil {
		return nil
	}
	if err := w.proc.CancelIntent(ctx, *e.PaymentIntentID, ev.IdempotencyKey); err != nil {
		if domain.IsCode(err, domain.CodeValidation) {
			// Not cancelable means the money already moved; the succeeded
			// webhook's late-funding path sends it back.
			w.logger.Printf("intent %s not cancelable: %v", *e.PaymentIntentID, err)
			return nil
		}
		return err
	}
	w.metrics.IntentsCanceled.Inc()
	w.logger.Printf("canceled intent %s for escrow %s (%s)", *e.PaymentIntentID, e.ID, p.Reason)
	return nil
}

// HandleEscrowReleased pays the worker the net share of a full release.
func (w *Payouts) HandleEscrowReleased(ctx context.Context, ev domain.OutboxEvent) error {
	var p escrow.EventPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil || p.EscrowID == "" {
		return domain.E(domain.CodeValidation, "malformed escrow.released payload")
	}
	e, err := w.store.GetEscrow(ctx, p.EscrowID)
	if err != nil {
		return err
	}
	if e.State != domain.EscrowReleased || e.TransferID != nil {
		return nil
	}
	_, net := domain.SplitFee(e.AmountCents, domain.PlatformFeeBasisPoints)
	return w.transferLeg(ctx, ev, e, net)
}

// HandleEscrowRefunded sends the full amount back on the original intent.
func (w *Payouts) HandleEscrowRefunded(ctx context.Context, ev domain.OutboxEvent) error {
	var p escrow.EventPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil || p.EscrowID == "" {
		return domain.E(domain.CodeValidation, "malformed escrow.refunded payload")
	}
	e, err := w.store.GetEscrow(ctx, p.EscrowID)
	if err != nil {
		return err
	}
	if e.State != domain.EscrowRefunded || e.RefundID != nil {
		return nil
	}
	if e.PaymentIntentID == nil {
		w.logger.Printf("escrow %s has no processor intent, nothing to refund", e.ID)
		return nil
	}
	return w.refundLeg(ctx, ev, e, e.AmountCents, p.Reason)
}

// HandleRefundPartial settles a SPLIT with two independent legs. Each leg is
// guarded by its own recorded reference, so a crash between them replays only
// the missing one.
func (w *Payouts) HandleRefundPartial(ctx context.Context, ev domain.OutboxEvent) error {
	var p escrow.EventPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil || p.EscrowID == "" {
		return domain.E(domain.CodeValidation, "malformed escrow.refund_partial payload")
	}
	e, err := w.store.GetEscrow(ctx, p.EscrowID)
	if err != nil {
		return err
	}
	if e.State != domain.EscrowRefundPartial {
		return nil
	}
	if e.RefundCents == nil || e.ReleaseCents == nil {
		return domain.Ef(domain.CodeInvalidState, "escrow %s is REFUND_PARTIAL without split amounts", e.ID)
	}
	if e.RefundID == nil && *e.RefundCents > 0 {
		if e.PaymentIntentID == nil {
			return domain.Ef(domain.CodeInvalidState, "escrow %s has no intent to refund against", e.ID)
		}
		if err := w.refundLeg(ctx, ev, e, *e.RefundCents, p.Reason); err != nil {
			return err
		}
	}
	if e.TransferID == nil && *e.ReleaseCents > 0 {
		_, net := domain.SplitFee(*e.ReleaseCents, domain.PlatformFeeBasisPoints)
		if err := w.transferLeg(ctx, ev, e, net); err != nil {
			return err
		}
	}
	return nil
}

// transferLeg pays the worker their net share and records the transfer id.
func (w *Payouts) transferLeg(ctx context.Context, ev domain.OutboxEvent, e *domain.Escrow, netCents int64) error {
	task, err := w.store.GetTask(ctx, e.TaskID)
	if err != nil {
		return err
	}
	if task.WorkerID == nil {
		return domain.Ef(domain.CodeInvalidState, "escrow %s settled on a task with no worker", e.ID)
	}
	worker, err := w.store.GetUser(ctx, *task.WorkerID)
	if err != nil {
		return err
	}
	if worker.StripeAccountID == nil {
		// Poison on purpose: the parked row is the operator signal that a
		// payout is stuck behind onboarding.
		return domain.Ef(domain.CodeValidation, "worker %s has no payout account", worker.ID)
	}
	trID, err := w.proc.CreateTransfer(ctx, TransferParams{
		EscrowID:           e.ID,
		TaskID:             task.ID,
		DestinationAccount: *worker.StripeAccountID,
		AmountCents:        netCents,
		Currency:           e.Currency,
		IdempotencyKey:     ev.IdempotencyKey + ":transfer",
	})
	if err != nil {
		return err
	}
	err = w.recordRef(ctx, e.ID, func(cur *domain.Escrow) bool {
		if cur.TransferID != nil {
			return false
		}
		cur.TransferID = &trID
		return true
	})
	if err != nil {
		return err
	}
	w.metrics.Transfers.Inc()
	w.logger.Printf("transfer %s: %d %s to worker %s for escrow %s", trID, netCents, e.Currency, worker.ID, e.ID)
	return nil
}

// refundLeg sends money back on the original intent and records the refund id.
func (w *Payouts) refundLeg(ctx context.Context, ev domain.OutboxEvent, e *domain.Escrow, amountCents int64, reason string) error {
	rfID, err := w.proc.CreateRefund(ctx, RefundParams{
		EscrowID:        e.ID,
		PaymentIntentID: *e.PaymentIntentID,
		AmountCents:     amountCents,
		Reason:          reason,
		IdempotencyKey:  ev.IdempotencyKey + ":refund",
	})
	if err != nil {
		return err
	}
	err = w.recordRef(ctx, e.ID, func(cur *domain.Escrow) bool {
		if cur.RefundID != nil {
			return false
		}
		cur.RefundID = &rfID
		return true
	})
	if err != nil {
		return err
	}
	w.metrics.RefundsIssued.Inc()
	w.logger.Printf("refund %s: %d %s back on escrow %s (%s)", rfID, amountCents, e.Currency, e.ID, reason)
	return nil
}

// recordRef writes a processor reference onto the escrow row unless a
// concurrent replay already did.
func (w *Payouts) recordRef(ctx context.Context, escrowID string, set func(*domain.Escrow) bool) error {
	return w.store.WithTx(ctx, func(tx store.Store) error {
		cur, err := tx.GetEscrowForUpdate(ctx, escrowID)
		if err != nil {
			return err
		}
		if !set(cur) {
			return nil
		}
		return tx.UpdateEscrow(ctx, cur)
	})
}
