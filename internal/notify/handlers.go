package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/sidegig/backend/internal/dispute"
	"github.com/sidegig/backend/internal/domain"
	"github.com/sidegig/backend/internal/escrow"
	"github.com/sidegig/backend/internal/outbox"
	"github.com/sidegig/backend/internal/proof"
	"github.com/sidegig/backend/internal/store"
	"github.com/sidegig/backend/internal/supply"
	"github.com/sidegig/backend/internal/trust"
)

// RegisterHandlers binds the fan-out worker plus the lifecycle translators
// that turn domain events into user-facing notifications.
func RegisterHandlers(r *outbox.Registry, s store.TxStore, push PushForwarder, cohort CohortCache) *Service {
	svc := NewService(s, push, cohort)
	r.Register(domain.EventNotificationSend, svc.HandleSend)
	r.Register(domain.EventAdminBroadcast, svc.HandleBroadcast)
	r.Register(domain.EventDisputeCreated, svc.HandleDisputeCreated)
	r.Register(domain.EventDisputeResolved, svc.HandleDisputeResolved)
	r.Register(domain.EventProofReviewed, svc.HandleProofReviewed)
	r.Register(domain.EventEscrowReleased, svc.HandleEscrowReleased)
	r.Register(domain.EventWaitlistInvited, svc.HandleWaitlistInvited)
	r.Register(domain.EventTrustTierChanged, svc.HandleTierChanged)
	return svc
}

// HandleDisputeCreated tells the party who did not open the dispute.
func (s *Service) HandleDisputeCreated(ctx context.Context, ev domain.OutboxEvent) error {
	var p dispute.EventPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil || p.DisputeID == "" {
		return domain.E(domain.CodeValidation, "malformed dispute.created payload")
	}
	counterparty := p.PosterID
	if p.InitiatorID == p.PosterID {
		counterparty = p.WorkerID
	}
	_, err := s.Deliver(ctx, Request{
		UserID:   counterparty,
		TaskID:   &p.TaskID,
		Category: domain.CategoryDispute,
		Priority: domain.PriorityHigh,
		Title:    "A dispute was opened on your task",
		Body:     "The other party opened a dispute. You have 48 hours to add evidence before an admin reviews it.",
		Data:     map[string]string{"dispute_id": p.DisputeID},
	})
	return err
}

// HandleDisputeResolved tells both parties the outcome.
func (s *Service) HandleDisputeResolved(ctx context.Context, ev domain.OutboxEvent) error {
	var p dispute.EventPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil || p.DisputeID == "" {
		return domain.E(domain.CodeValidation, "malformed dispute.resolved payload")
	}
	outcome := "resolved"
	if p.Outcome != nil {
		outcome = *p.Outcome
	}
	for _, userID := range []string{p.PosterID, p.WorkerID} {
		if _, err := s.Deliver(ctx, Request{
			UserID:   userID,
			TaskID:   &p.TaskID,
			Category: domain.CategoryDispute,
			Priority: domain.PriorityHigh,
			Title:    "Your dispute was resolved",
			Body:     fmt.Sprintf("An admin resolved the dispute: %s.", outcome),
			Data:     map[string]string{"dispute_id": p.DisputeID, "outcome": outcome},
		}); err != nil {
			return err
		}
	}
	return nil
}

// HandleProofReviewed tells the worker whether their proof passed.
func (s *Service) HandleProofReviewed(ctx context.Context, ev domain.OutboxEvent) error {
	var p proof.ReviewedPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil || p.ProofID == "" {
		return domain.E(domain.CodeValidation, "malformed proof.reviewed payload")
	}
	title := "Your proof was accepted"
	body := "The poster accepted your proof. Payment is on its way."
	if p.Decision != string(domain.ProofAccepted) {
		title = "Your proof was rejected"
		body = "The poster rejected your proof."
		if p.Reason != "" {
			body = fmt.Sprintf("The poster rejected your proof: %s", p.Reason)
		}
	}
	_, err := s.Deliver(ctx, Request{
		UserID:   p.WorkerID,
		TaskID:   &p.TaskID,
		Category: domain.CategoryTaskUpdate,
		Priority: domain.PriorityHigh,
		Title:    title,
		Body:     body,
		Data:     map[string]string{"proof_id": p.ProofID, "decision": p.Decision},
	})
	return err
}

// HandleEscrowReleased sends the worker their payout notice.
func (s *Service) HandleEscrowReleased(ctx context.Context, ev domain.OutboxEvent) error {
	var p escrow.EventPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil || p.EscrowID == "" {
		return domain.E(domain.CodeValidation, "malformed escrow.released payload")
	}
	if p.WorkerID == "" {
		return nil
	}
	_, err := s.Deliver(ctx, Request{
		UserID:   p.WorkerID,
		TaskID:   &p.TaskID,
		Category: domain.CategoryPayment,
		Priority: domain.PriorityHigh,
		Title:    "You got paid",
		Body:     "Your earnings for this task were released to your account.",
		Data: map[string]string{
			"escrow_id": p.EscrowID,
			"net_cents": strconv.FormatInt(p.NetCents, 10),
		},
	})
	return err
}

// HandleWaitlistInvited tells a waitlisted hustler a slot opened up.
func (s *Service) HandleWaitlistInvited(ctx context.Context, ev domain.OutboxEvent) error {
	var p supply.InvitePayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil || p.EntryID == "" {
		return domain.E(domain.CodeValidation, "malformed waitlist_invited payload")
	}
	_, err := s.Deliver(ctx, Request{
		UserID:   p.UserID,
		Category: domain.CategoryWaitlist,
		Priority: domain.PriorityHigh,
		Title:    "A slot opened up",
		Body:     "You're off the waitlist. Accept your invite within 48 hours to claim the slot.",
		Data: map[string]string{
			"entry_id":     p.EntryID,
			"expertise_id": p.ExpertiseID,
			"zone_id":      p.ZoneID,
		},
	})
	return err
}

// HandleTierChanged tells the user their trust tier moved.
func (s *Service) HandleTierChanged(ctx context.Context, ev domain.OutboxEvent) error {
	var p trust.TierChangedPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil || p.EntryID == "" {
		return domain.E(domain.CodeValidation, "malformed tier_changed payload")
	}
	title := fmt.Sprintf("You reached trust tier %d", p.NewTier)
	body := "Higher tiers unlock bigger tasks and faster payouts."
	if p.NewTier < p.OldTier {
		title = fmt.Sprintf("Your trust tier dropped to %d", p.NewTier)
		body = "A dispute resolution lowered your tier. Complete tasks to climb back."
	}
	_, err := s.Deliver(ctx, Request{
		UserID:   p.UserID,
		Category: domain.CategoryTaskUpdate,
		Priority: domain.PriorityMedium,
		Title:    title,
		Body:     body,
		Data:     map[string]string{"old_tier": strconv.Itoa(p.OldTier), "new_tier": strconv.Itoa(p.NewTier)},
	})
	return err
}
