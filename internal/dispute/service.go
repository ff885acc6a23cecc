// Package dispute runs the dispute state machine. Creation locks the escrow
// in the same transaction; resolution never touches the escrow directly, it
// emits one action request for the settlement worker plus one trust event per
// party.
package dispute

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/sidegig/backend/internal/domain"
	"github.com/sidegig/backend/internal/escrow"
	"github.com/sidegig/backend/internal/outbox"
	"github.com/sidegig/backend/internal/store"
)

// evidenceWindow is how long parties get to answer an evidence request before
// the dispute drops back to OPEN.
const evidenceWindow = 72 * time.Hour

type Service struct {
	store   store.TxStore
	escrow  *escrow.Service
	metrics *Metrics
	logger  *log.Logger
}

func NewService(s store.TxStore, es *escrow.Service) *Service {
	return &Service{
		store:   s,
		escrow:  es,
		metrics: NewMetrics(),
		logger:  log.New(os.Stdout, "[DISPUTE] ", log.LstdFlags),
	}
}

// EventPayload rides dispute.created, dispute.resolved and dispute.escalated.
type EventPayload struct {
	DisputeID   string  `json:"dispute_id"`
	TaskID      string  `json:"task_id"`
	PosterID    string  `json:"poster_id"`
	WorkerID    string  `json:"worker_id"`
	InitiatorID string  `json:"initiator_id,omitempty"`
	Outcome     *string `json:"outcome,omitempty"`
	Reason      string  `json:"reason,omitempty"`
}

// TrustEventPayload rides the per-role trust.dispute_resolved events.
type TrustEventPayload struct {
	DisputeID string                `json:"dispute_id"`
	TaskID    string                `json:"task_id"`
	UserID    string                `json:"user_id"`
	Role      string                `json:"role"`
	Outcome   domain.DisputeOutcome `json:"outcome"`
}

type CreateIn struct {
	TaskID      string
	InitiatorID string
	Reason      string
}

// Create opens a dispute. Against a COMPLETED task it must land inside the
// 48-hour window after completion; mid-flight (ACCEPTED or PROOF_SUBMITTED)
// the task itself moves to DISPUTED. Either way the escrow lock and the
// dispute row commit together.
func (s *Service) Create(ctx context.Context, in CreateIn) (*domain.Dispute, error) {
	if in.Reason == "" {
		return nil, domain.E(domain.CodeValidation, "a dispute needs a reason")
	}
	var out *domain.Dispute
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		t, err := tx.GetTaskForUpdate(ctx, in.TaskID)
		if err != nil {
			return err
		}
		if t.WorkerID == nil {
			return domain.E(domain.CodeInvalidState, "nothing to dispute before a worker accepts")
		}
		role, err := initiatorRole(t, in.InitiatorID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		switch t.State {
		case domain.TaskCompleted:
			if t.CompletedAt == nil || now.Sub(*t.CompletedAt) > domain.DisputeWindow {
				return domain.E(domain.CodeInvalidState, "dispute window closed")
			}
		case domain.TaskAccepted, domain.TaskProofSubmitted:
			t.State = domain.TaskDisputed
			if err := tx.UpdateTask(ctx, t); err != nil {
				return err
			}
		case domain.TaskDisputed:
			return domain.E(domain.CodeConflict, "a dispute is already open for this task")
		default:
			return domain.Ef(domain.CodeInvalidState, "task %s cannot be disputed", t.State)
		}

		e, err := tx.GetEscrowByTask(ctx, t.ID)
		if err != nil {
			return err
		}
		switch e.State {
		case domain.EscrowFunded:
		case domain.EscrowLockedDispute:
			return domain.E(domain.CodeConflict, "a dispute is already open for this task")
		case domain.EscrowPending:
			return domain.E(domain.CodeInvalidState, "escrow is not funded")
		default:
			return domain.Ef(domain.CodeEscrowTerminal, "escrow is settled (%s)", e.State)
		}
		if _, err := s.escrow.LockForDisputeTx(ctx, tx, e.ID); err != nil {
			return err
		}

		d := &domain.Dispute{
			ID:          uuid.NewString(),
			TaskID:      t.ID,
			EscrowID:    e.ID,
			InitiatorID: in.InitiatorID,
			PosterID:    t.PosterID,
			WorkerID:    *t.WorkerID,
			State:       domain.DisputeOpen,
			Reason:      in.Reason,
			Version:     1,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.CreateDispute(ctx, d); err != nil {
			return err
		}

		if err := outbox.Append(ctx, tx, outbox.Event{
			EventType:     domain.EventDisputeCreated,
			AggregateType: "dispute",
			AggregateID:   d.ID,
			Version:       1,
			Queue:         domain.QueueUserNotifications,
			Payload: EventPayload{
				DisputeID:   d.ID,
				TaskID:      t.ID,
				PosterID:    d.PosterID,
				WorkerID:    d.WorkerID,
				InitiatorID: in.InitiatorID,
				Reason:      in.Reason,
			},
		}); err != nil {
			return err
		}
		s.logger.Printf("dispute %s opened by %s (%s) on task %s", d.ID, in.InitiatorID, role, t.ID)
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Created.Inc()
	return out, nil
}

// RequestEvidence asks both parties for material; admins only.
func (s *Service) RequestEvidence(ctx context.Context, disputeID, adminID string) (*domain.Dispute, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	var out *domain.Dispute
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		d, err := tx.GetDisputeForUpdate(ctx, disputeID)
		if err != nil {
			return err
		}
		if !d.State.CanTransition(domain.DisputeEvidenceRequested) {
			return domain.Ef(domain.CodeInvalidTransition, "dispute %s -> EVIDENCE_REQUESTED is not a valid edge", d.State)
		}
		deadline := time.Now().UTC().Add(evidenceWindow)
		d.State = domain.DisputeEvidenceRequested
		d.EvidenceDeadline = &deadline
		if err := tx.UpdateDispute(ctx, d); err != nil {
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type ResolveIn struct {
	DisputeID    string
	AdminID      string
	Outcome      domain.DisputeOutcome
	RefundCents  int64 // SPLIT only
	ReleaseCents int64 // SPLIT only
	Note         string
}

// Resolve records the admin's decision and emits exactly one escrow action
// request plus two deterministic trust events. The actual money movement
// happens in the settlement worker, at least once, idempotently.
func (s *Service) Resolve(ctx context.Context, in ResolveIn) (*domain.Dispute, error) {
	if err := s.requireAdmin(ctx, in.AdminID); err != nil {
		return nil, err
	}
	var out *domain.Dispute
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		d, err := tx.GetDisputeForUpdate(ctx, in.DisputeID)
		if err != nil {
			return err
		}
		if d.State.Terminal() {
			return domain.E(domain.CodeInvalidState, "dispute is already resolved")
		}
		e, err := tx.GetEscrow(ctx, d.EscrowID)
		if err != nil {
			return err
		}
		if e.State != domain.EscrowLockedDispute {
			return domain.Ef(domain.CodeInvalidState, "escrow is %s, expected LOCKED_DISPUTE", e.State)
		}

		actionType := ""
		payload := escrow.ActionPayload{
			DisputeID:  d.ID,
			EscrowID:   e.ID,
			TaskID:     d.TaskID,
			ResolvedBy: in.AdminID,
			Reason:     in.Note,
		}
		switch in.Outcome {
		case domain.OutcomeRelease:
			actionType = domain.EventEscrowReleaseRequested
		case domain.OutcomeRefund:
			actionType = domain.EventEscrowRefundRequested
		case domain.OutcomeSplit:
			if in.RefundCents < 0 || in.ReleaseCents < 0 || in.RefundCents+in.ReleaseCents != e.AmountCents {
				return domain.Ef(domain.CodeValidation,
					"split %d+%d does not equal escrow amount %d", in.RefundCents, in.ReleaseCents, e.AmountCents)
			}
			actionType = domain.EventEscrowPartialRefundRequested
			payload.RefundCents = in.RefundCents
			payload.ReleaseCents = in.ReleaseCents
			d.RefundCents = &in.RefundCents
			d.ReleaseCents = &in.ReleaseCents
		default:
			return domain.Ef(domain.CodeValidation, "unknown outcome %q", in.Outcome)
		}

		now := time.Now().UTC()
		outcome := in.Outcome
		d.State = domain.DisputeResolved
		d.Outcome = &outcome
		d.ResolvedBy = &in.AdminID
		d.ResolvedAt = &now
		if err := tx.UpdateDispute(ctx, d); err != nil {
			return err
		}

		if err := outbox.Append(ctx, tx, outbox.Event{
			EventType:     actionType,
			AggregateType: "escrow",
			AggregateID:   e.ID,
			Version:       e.Version,
			Queue:         domain.QueueCriticalPayments,
			Payload:       payload,
		}); err != nil {
			return err
		}

		trustEvents := []struct {
			eventType string
			userID    string
			role      string
		}{
			{domain.EventTrustDisputeResolvedWorker, d.WorkerID, "worker"},
			{domain.EventTrustDisputeResolvedPoster, d.PosterID, "poster"},
		}
		for _, te := range trustEvents {
			if err := outbox.Append(ctx, tx, outbox.Event{
				EventType:     te.eventType,
				AggregateType: "dispute",
				AggregateID:   d.ID,
				Version:       1,
				Queue:         domain.QueueCriticalTrust,
				Payload: TrustEventPayload{
					DisputeID: d.ID,
					TaskID:    d.TaskID,
					UserID:    te.userID,
					Role:      te.role,
					Outcome:   in.Outcome,
				},
			}); err != nil {
				return err
			}
		}

		resolved := string(in.Outcome)
		if err := outbox.Append(ctx, tx, outbox.Event{
			EventType:     domain.EventDisputeResolved,
			AggregateType: "dispute",
			AggregateID:   d.ID,
			Version:       d.Version,
			Queue:         domain.QueueUserNotifications,
			Payload: EventPayload{
				DisputeID: d.ID,
				TaskID:    d.TaskID,
				PosterID:  d.PosterID,
				WorkerID:  d.WorkerID,
				Outcome:   &resolved,
				Reason:    in.Note,
			},
		}); err != nil {
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordResolved(in.Outcome)
	s.logger.Printf("dispute %s resolved %s by %s", in.DisputeID, in.Outcome, in.AdminID)
	return out, nil
}

// Escalate hands the dispute to senior review. A party or an admin can pull
// this lever; the edge check rejects re-escalation.
func (s *Service) Escalate(ctx context.Context, disputeID, byID, note string) (*domain.Dispute, error) {
	var out *domain.Dispute
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		d, err := tx.GetDisputeForUpdate(ctx, disputeID)
		if err != nil {
			return err
		}
		if byID != d.PosterID && byID != d.WorkerID {
			admin, err := tx.HasRole(ctx, byID, domain.RoleAdmin, domain.RoleModerator)
			if err != nil {
				return err
			}
			if !admin {
				return domain.E(domain.CodeForbidden, "only a party or an admin can escalate")
			}
		}
		if !d.State.CanTransition(domain.DisputeEscalated) {
			return domain.Ef(domain.CodeInvalidTransition, "dispute %s -> ESCALATED is not a valid edge", d.State)
		}
		d.State = domain.DisputeEscalated
		if err := tx.UpdateDispute(ctx, d); err != nil {
			return err
		}
		out = d
		return outbox.Append(ctx, tx, outbox.Event{
			EventType:     domain.EventDisputeEscalated,
			AggregateType: "dispute",
			AggregateID:   d.ID,
			Version:       d.Version,
			Queue:         domain.QueueUserNotifications,
			Payload: EventPayload{
				DisputeID: d.ID,
				TaskID:    d.TaskID,
				PosterID:  d.PosterID,
				WorkerID:  d.WorkerID,
				Reason:    note,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Escalated.Inc()
	return out, nil
}

func (s *Service) Get(ctx context.Context, disputeID string) (*domain.Dispute, error) {
	return s.store.GetDispute(ctx, disputeID)
}

// ReturnExpiredEvidence drops EVIDENCE_REQUESTED disputes whose deadline
// passed back to OPEN so resolution is not blocked on silence.
func (s *Service) ReturnExpiredEvidence(ctx context.Context, now time.Time, limit int) (int, error) {
	due, err := s.store.ListEvidenceRequestedBefore(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	returned := 0
	for _, cand := range due {
		err := s.store.WithTx(ctx, func(tx store.Store) error {
			d, err := tx.GetDisputeForUpdate(ctx, cand.ID)
			if err != nil {
				return err
			}
			if d.State != domain.DisputeEvidenceRequested || d.EvidenceDeadline == nil || !d.EvidenceDeadline.Before(now) {
				return nil
			}
			d.State = domain.DisputeOpen
			d.EvidenceDeadline = nil
			return tx.UpdateDispute(ctx, d)
		})
		if err != nil {
			s.logger.Printf("evidence sweep: dispute %s: %v", cand.ID, err)
			continue
		}
		returned++
	}
	return returned, nil
}

func (s *Service) requireAdmin(ctx context.Context, userID string) error {
	ok, err := s.store.HasRole(ctx, userID, domain.RoleAdmin, domain.RoleModerator)
	if err != nil {
		return err
	}
	if !ok {
		return domain.E(domain.CodeForbidden, "admin authority required")
	}
	return nil
}

func initiatorRole(t *domain.Task, initiatorID string) (string, error) {
	switch initiatorID {
	case t.PosterID:
		return "poster", nil
	case *t.WorkerID:
		return "worker", nil
	}
	return "", domain.E(domain.CodeForbidden, "only the poster or the worker can open a dispute")
}
