package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v76"

	"github.com/sidegig/backend/internal/domain"
	"github.com/sidegig/backend/internal/escrow"
	"github.com/sidegig/backend/internal/notify"
	"github.com/sidegig/backend/internal/outbox"
	"github.com/sidegig/backend/internal/store"
)

// Effect kinds; one effect record per (provider_event_id, kind).
const (
	effectEscrowFund      = "escrow_fund"
	effectIntentCapture   = "intent_capture"
	effectFundingNotice   = "funding_failed_notice"
	effectChargebackRow   = "chargeback_row"
	effectPlanSync        = "plan_sync"
	effectSubscriptionRev = "subscription_revenue"
	effectPayoutReconcile = "payout_reconcile"
)

// Effects routes stored provider events to their downstream effect. Every
// branch is idempotent on (provider_event_id, effect_kind), so at-least-once
// outbox delivery collapses to exactly-once application.
type Effects struct {
	store   store.TxStore
	escrow  *escrow.Service
	proc    Processor
	metrics *Metrics
	logger  *log.Logger
}

func NewEffects(s store.TxStore, es *escrow.Service, proc Processor) *Effects {
	return &Effects{
		store:   s,
		escrow:  es,
		proc:    proc,
		metrics: NewMetrics(),
		logger:  log.New(os.Stdout, "[PAYMENTS] ", log.LstdFlags),
	}
}

// RegisterHandlers binds the effect router to the dispatch event.
func RegisterHandlers(r *outbox.Registry, s store.TxStore, es *escrow.Service, proc Processor) *Effects {
	w := NewEffects(s, es, proc)
	r.Register(domain.EventStripeReceived, w.HandleEventReceived)
	return w
}

// HandleEventReceived loads the stored provider event and applies its effect.
// Unroutable event types succeed as no-ops so new provider events never poison
// the queue.
func (w *Effects) HandleEventReceived(ctx context.Context, ev domain.OutboxEvent) error {
	var p ReceivedPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil || p.ProviderEventID == "" {
		return domain.E(domain.CodeValidation, "malformed stripe.event_received payload")
	}
	row, err := w.store.GetStripeEvent(ctx, p.ProviderEventID)
	if err != nil {
		return err
	}
	var se stripe.Event
	if err := json.Unmarshal(row.Payload, &se); err != nil || se.Data == nil {
		return domain.Ef(domain.CodeValidation, "stored event %s does not parse", row.ID)
	}

	switch row.Type {
	case "payment_intent.amount_capturable_updated":
		return w.captureHold(ctx, row.ID, ev.IdempotencyKey, se)
	case "payment_intent.succeeded":
		return w.fundEscrow(ctx, row.ID, se)
	case "payment_intent.payment_failed":
		return w.fundingFailed(ctx, row.ID, se)
	case "charge.refunded":
		return w.chargeback(ctx, row.ID, se)
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		return w.planSync(ctx, row.ID, row.Type, se)
	case "invoice.payment_succeeded":
		return w.subscriptionRevenue(ctx, row.ID, se)
	case "transfer.paid":
		return w.payoutReconcile(ctx, row.ID, se)
	default:
		w.logger.Printf("no effect for %s (%s)", row.Type, row.ID)
		return nil
	}
}

// applyOnce claims the effect record and runs fn in the same transaction, so
// the guard row and the effect commit or roll back together.
func (w *Effects) applyOnce(ctx context.Context, eventID, kind string, fn func(tx store.Store) error) error {
	applied := false
	err := w.store.WithTx(ctx, func(tx store.Store) error {
		ok, err := tx.InsertEffectRecord(ctx, eventID, kind)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		applied = true
		return fn(tx)
	})
	if err != nil {
		return err
	}
	if applied {
		w.metrics.Effects.WithLabelValues(kind).Inc()
	}
	return nil
}

// captureHold converts an uncaptured authorization into real money. The
// processor call runs outside any transaction; its idempotency key makes a
// replay return the first capture, so the effect record is written after.
func (w *Effects) captureHold(ctx context.Context, eventID, outboxKey string, se stripe.Event) error {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(se.Data.Raw, &pi); err != nil {
		return domain.Ef(domain.CodeValidation, "payment intent in %s does not parse: %v", eventID, err)
	}
	e, err := w.store.GetEscrowByPaymentIntent(ctx, pi.ID)
	if err != nil {
		if domain.IsCode(err, domain.CodeNotFound) {
			w.logger.Printf("payment intent %s matches no escrow, skipping capture", pi.ID)
			return nil
		}
		return err
	}
	if e.State != domain.EscrowPending {
		w.logger.Printf("escrow %s is already %s, capture is a no-op", e.ID, e.State)
		return nil
	}
	if w.proc == nil {
		w.logger.Printf("no processor bound, leaving hold on %s uncaptured", pi.ID)
		return nil
	}
	if err := w.proc.CaptureIntent(ctx, pi.ID, outboxKey+":capture"); err != nil {
		if domain.IsCode(err, domain.CodeValidation) {
			// Already captured or canceled out of band; the follow-up webhook
			// carries the truth.
			w.logger.Printf("capture of %s rejected: %v", pi.ID, err)
			return nil
		}
		return err
	}
	return w.applyOnce(ctx, eventID, effectIntentCapture, func(store.Store) error {
		return nil
	})
}

func (w *Effects) fundEscrow(ctx context.Context, eventID string, se stripe.Event) error {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(se.Data.Raw, &pi); err != nil {
		return domain.Ef(domain.CodeValidation, "payment intent in %s does not parse: %v", eventID, err)
	}
	e, err := w.store.GetEscrowByPaymentIntent(ctx, pi.ID)
	if err != nil {
		if domain.IsCode(err, domain.CodeNotFound) {
			w.logger.Printf("payment intent %s matches no escrow, skipping", pi.ID)
			return nil
		}
		return err
	}
	return w.applyOnce(ctx, eventID, effectEscrowFund, func(tx store.Store) error {
		cur, err := tx.GetEscrowForUpdate(ctx, e.ID)
		if err != nil {
			return err
		}
		if cur.State != domain.EscrowPending {
			w.logger.Printf("escrow %s is already %s, fund effect is a no-op", cur.ID, cur.State)
			return nil
		}
		chargeID := ""
		if pi.LatestCharge != nil {
			chargeID = pi.LatestCharge.ID
		}
		funded, err := w.escrow.FundTx(ctx, tx, cur.ID, pi.ID, chargeID)
		if err != nil {
			return err
		}
		task, err := tx.GetTask(ctx, funded.TaskID)
		if err != nil {
			return err
		}
		if !task.State.Terminal() {
			return nil
		}
		// Money landed for a dead task; send it straight back.
		w.logger.Printf("task %s is %s, queueing refund for late-funded escrow %s", task.ID, task.State, funded.ID)
		return outbox.Append(ctx, tx, outbox.Event{
			EventType:     domain.EventEscrowRefundRequested,
			AggregateType: "escrow",
			AggregateID:   funded.ID,
			Version:       funded.Version,
			Queue:         domain.QueueCriticalPayments,
			Payload: escrow.ActionPayload{
				EscrowID:   funded.ID,
				TaskID:     task.ID,
				ResolvedBy: "system",
				Reason:     "funded after task " + string(task.State),
			},
		})
	})
}

func (w *Effects) fundingFailed(ctx context.Context, eventID string, se stripe.Event) error {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(se.Data.Raw, &pi); err != nil {
		return domain.Ef(domain.CodeValidation, "payment intent in %s does not parse: %v", eventID, err)
	}
	e, err := w.store.GetEscrowByPaymentIntent(ctx, pi.ID)
	if err != nil {
		if domain.IsCode(err, domain.CodeNotFound) {
			return nil
		}
		return err
	}
	task, err := w.store.GetTask(ctx, e.TaskID)
	if err != nil {
		return err
	}
	reason := "the payment was declined"
	if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
		reason = pi.LastPaymentError.Msg
	}
	return w.applyOnce(ctx, eventID, effectFundingNotice, func(tx store.Store) error {
		return notify.Enqueue(ctx, tx, notify.Request{
			UserID:   task.PosterID,
			TaskID:   &task.ID,
			Category: domain.CategoryPayment,
			Priority: domain.PriorityHigh,
			Title:    "Task funding failed",
			Body:     fmt.Sprintf("We could not capture payment for %q: %s.", task.Title, reason),
		})
	})
}

// chargeback records a clawback row for refunds the processor issued after
// payout. Refunds our own settlement worker initiated leave the ledger alone;
// the released share was the only row ever written for them.
func (w *Effects) chargeback(ctx context.Context, eventID string, se stripe.Event) error {
	var ch stripe.Charge
	if err := json.Unmarshal(se.Data.Raw, &ch); err != nil {
		return domain.Ef(domain.CodeValidation, "charge in %s does not parse: %v", eventID, err)
	}
	if ch.PaymentIntent == nil || ch.PaymentIntent.ID == "" {
		w.logger.Printf("charge %s carries no payment intent, skipping", ch.ID)
		return nil
	}
	e, err := w.store.GetEscrowByPaymentIntent(ctx, ch.PaymentIntent.ID)
	if err != nil {
		if domain.IsCode(err, domain.CodeNotFound) {
			return nil
		}
		return err
	}
	if e.State != domain.EscrowReleased {
		w.logger.Printf("charge %s refunded on escrow %s (%s), no clawback row", ch.ID, e.ID, e.State)
		return nil
	}
	fee, net := domain.SplitFee(ch.AmountRefunded, domain.PlatformFeeBasisPoints)
	return w.applyOnce(ctx, eventID, effectChargebackRow, func(tx store.Store) error {
		return tx.InsertRevenueEntry(ctx, &domain.RevenueEntry{
			ID:               uuid.NewString(),
			EventType:        domain.RevenueChargeback,
			Currency:         string(ch.Currency),
			GrossCents:       -ch.AmountRefunded,
			PlatformFeeCents: -fee,
			NetCents:         -net,
			FeeBasisPoints:   domain.PlatformFeeBasisPoints,
			EscrowID:         &e.ID,
			ExternalChargeID: &ch.ID,
			ExternalEventID:  &eventID,
		})
	})
}

func (w *Effects) planSync(ctx context.Context, eventID, eventType string, se stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(se.Data.Raw, &sub); err != nil {
		return domain.Ef(domain.CodeValidation, "subscription in %s does not parse: %v", eventID, err)
	}
	userID := sub.Metadata["user_id"]
	if userID == "" {
		w.logger.Printf("subscription %s carries no user_id metadata, skipping", sub.ID)
		return nil
	}
	return w.applyOnce(ctx, eventID, effectPlanSync, func(tx store.Store) error {
		u, err := tx.GetUserForUpdate(ctx, userID)
		if err != nil {
			if domain.IsCode(err, domain.CodeNotFound) {
				w.logger.Printf("subscription %s references unknown user %s", sub.ID, userID)
				return nil
			}
			return err
		}
		plan, expires := planFromSubscription(eventType, &sub, u.Plan)
		if plan == u.Plan && equalExpiry(u.PlanExpiresAt, expires) {
			return nil
		}
		w.logger.Printf("plan sync: user %s %s -> %s", u.ID, u.Plan, plan)
		u.Plan = plan
		u.PlanExpiresAt = expires
		return tx.UpdateUser(ctx, u)
	})
}

func (w *Effects) subscriptionRevenue(ctx context.Context, eventID string, se stripe.Event) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(se.Data.Raw, &inv); err != nil {
		return domain.Ef(domain.CodeValidation, "invoice in %s does not parse: %v", eventID, err)
	}
	if inv.AmountPaid == 0 {
		return nil
	}
	return w.applyOnce(ctx, eventID, effectSubscriptionRev, func(tx store.Store) error {
		// Subscription revenue has no worker side: gross is all fee.
		return tx.InsertRevenueEntry(ctx, &domain.RevenueEntry{
			ID:               uuid.NewString(),
			EventType:        domain.RevenueSubscription,
			Currency:         string(inv.Currency),
			GrossCents:       inv.AmountPaid,
			PlatformFeeCents: inv.AmountPaid,
			NetCents:         0,
			FeeBasisPoints:   10000,
			ExternalEventID:  &eventID,
			Metadata:         map[string]interface{}{"invoice_id": inv.ID},
		})
	})
}

func (w *Effects) payoutReconcile(ctx context.Context, eventID string, se stripe.Event) error {
	var tr stripe.Transfer
	if err := json.Unmarshal(se.Data.Raw, &tr); err != nil {
		return domain.Ef(domain.CodeValidation, "transfer in %s does not parse: %v", eventID, err)
	}
	e, err := w.store.GetEscrowByTransfer(ctx, tr.ID)
	if err != nil {
		if domain.IsCode(err, domain.CodeNotFound) {
			w.logger.Printf("transfer %s matches no escrow, skipping", tr.ID)
			return nil
		}
		return err
	}
	var expected int64
	switch e.State {
	case domain.EscrowReleased:
		_, expected = domain.SplitFee(e.AmountCents, domain.PlatformFeeBasisPoints)
	case domain.EscrowRefundPartial:
		if e.ReleaseCents == nil {
			return domain.Ef(domain.CodeInvalidState, "escrow %s is REFUND_PARTIAL without a release amount", e.ID)
		}
		_, expected = domain.SplitFee(*e.ReleaseCents, domain.PlatformFeeBasisPoints)
	default:
		w.logger.Printf("transfer %s paid against escrow %s in %s, skipping", tr.ID, e.ID, e.State)
		return nil
	}
	return w.applyOnce(ctx, eventID, effectPayoutReconcile, func(tx store.Store) error {
		if tr.Amount != expected {
			w.metrics.PayoutMismatch.Inc()
			w.logger.Printf("transfer %s amount %d does not match escrow %s net %d",
				tr.ID, tr.Amount, e.ID, expected)
		}
		return nil
	})
}

// planFromSubscription maps the subscription's status and price to a plan.
// Payment retries in flight keep the current plan; only definitive states
// move it.
func planFromSubscription(eventType string, sub *stripe.Subscription, current domain.Plan) (domain.Plan, *time.Time) {
	if eventType == "customer.subscription.deleted" {
		return domain.PlanFree, nil
	}
	switch sub.Status {
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusUnpaid,
		stripe.SubscriptionStatusIncompleteExpired:
		return domain.PlanFree, nil
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		plan := planFromPrice(sub, current)
		if sub.CurrentPeriodEnd > 0 {
			t := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
			return plan, &t
		}
		return plan, nil
	default:
		// past_due, incomplete: grace period, nothing moves yet.
		return current, subExpiry(sub, current)
	}
}

func planFromPrice(sub *stripe.Subscription, current domain.Plan) domain.Plan {
	if sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
		return current
	}
	p := sub.Items.Data[0].Price
	key := p.LookupKey
	if key == "" {
		key = p.Nickname
	}
	switch key {
	case "premium":
		return domain.PlanPremium
	case "pro":
		return domain.PlanPro
	}
	return current
}

func subExpiry(sub *stripe.Subscription, current domain.Plan) *time.Time {
	if current == domain.PlanFree || sub.CurrentPeriodEnd <= 0 {
		return nil
	}
	t := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
	return &t
}

func equalExpiry(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
