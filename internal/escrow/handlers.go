package escrow

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/sidegig/backend/internal/domain"
	"github.com/sidegig/backend/internal/outbox"
	"github.com/sidegig/backend/internal/store"
)

// ActionPayload is what dispute resolution writes into the escrow action
// request events. The settlement worker turns it into the actual transition.
type ActionPayload struct {
	DisputeID    string `json:"dispute_id"`
	EscrowID     string `json:"escrow_id"`
	TaskID       string `json:"task_id"`
	RefundCents  int64  `json:"refund_cents,omitempty"`
	ReleaseCents int64  `json:"release_cents,omitempty"`
	ResolvedBy   string `json:"resolved_by"`
	Reason       string `json:"reason,omitempty"`
}

// Settlement consumes escrow action request events. Each handler runs one
// transaction covering the task-side repair and the escrow transition, and
// treats an escrow already settled with the requested outcome as a replay.
type Settlement struct {
	store   store.TxStore
	svc     *Service
	logger  *log.Logger
	metrics *Metrics
}

func NewSettlement(s store.TxStore, svc *Service) *Settlement {
	return &Settlement{
		store:   s,
		svc:     svc,
		logger:  log.New(os.Stdout, "[ESCROW] ", log.LstdFlags),
		metrics: NewMetrics(),
	}
}

// RegisterHandlers wires the settlement worker into the outbox registry.
func RegisterHandlers(r *outbox.Registry, s store.TxStore, svc *Service) {
	w := NewSettlement(s, svc)
	r.Register(domain.EventEscrowReleaseRequested, w.HandleReleaseRequested)
	r.Register(domain.EventEscrowRefundRequested, w.HandleRefundRequested)
	r.Register(domain.EventEscrowPartialRefundRequested, w.HandlePartialRefundRequested)
}

func (w *Settlement) HandleReleaseRequested(ctx context.Context, ev domain.OutboxEvent) error {
	p, err := decodeAction(ev)
	if err != nil {
		return err
	}
	err = w.store.WithTx(ctx, func(tx store.Store) error {
		done, err := w.alreadySettled(ctx, tx, p.EscrowID, domain.EscrowReleased)
		if err != nil || done {
			return err
		}
		if err := w.ensureTaskCompleted(ctx, tx, p.TaskID, p.ResolvedBy); err != nil {
			return err
		}
		_, err = w.svc.ReleaseTx(ctx, tx, p.EscrowID, ReleaseContext{})
		return err
	})
	if err != nil {
		return err
	}
	w.metrics.RecordResolution(domain.OutcomeRelease)
	w.logger.Printf("dispute %s settled: released escrow %s", p.DisputeID, p.EscrowID)
	return nil
}

func (w *Settlement) HandleRefundRequested(ctx context.Context, ev domain.OutboxEvent) error {
	p, err := decodeAction(ev)
	if err != nil {
		return err
	}
	err = w.store.WithTx(ctx, func(tx store.Store) error {
		done, err := w.alreadySettled(ctx, tx, p.EscrowID, domain.EscrowRefunded)
		if err != nil || done {
			return err
		}
		if _, err := w.svc.RefundTx(ctx, tx, p.EscrowID, p.Reason); err != nil {
			return err
		}
		return w.cancelIfDisputed(ctx, tx, p.TaskID)
	})
	if err != nil {
		return err
	}
	w.metrics.RecordResolution(domain.OutcomeRefund)
	w.logger.Printf("dispute %s settled: refunded escrow %s", p.DisputeID, p.EscrowID)
	return nil
}

func (w *Settlement) HandlePartialRefundRequested(ctx context.Context, ev domain.OutboxEvent) error {
	p, err := decodeAction(ev)
	if err != nil {
		return err
	}
	err = w.store.WithTx(ctx, func(tx store.Store) error {
		done, err := w.alreadySettled(ctx, tx, p.EscrowID, domain.EscrowRefundPartial)
		if err != nil || done {
			return err
		}
		if err := w.ensureTaskCompleted(ctx, tx, p.TaskID, p.ResolvedBy); err != nil {
			return err
		}
		_, err = w.svc.PartialRefundTx(ctx, tx, p.EscrowID, p.RefundCents, p.ReleaseCents)
		return err
	})
	if err != nil {
		return err
	}
	w.metrics.RecordResolution(domain.OutcomeSplit)
	w.logger.Printf("dispute %s settled: split escrow %s %d/%d",
		p.DisputeID, p.EscrowID, p.RefundCents, p.ReleaseCents)
	return nil
}

// alreadySettled distinguishes a replayed delivery from a conflicting one: the
// requested terminal state is success, any other terminal state is a poison
// event that needs human eyes.
func (w *Settlement) alreadySettled(ctx context.Context, tx store.Store, escrowID string, want domain.EscrowState) (bool, error) {
	e, err := tx.GetEscrowForUpdate(ctx, escrowID)
	if err != nil {
		return false, err
	}
	if e.State == want {
		return true, nil
	}
	if e.State.Terminal() {
		return false, domain.Ef(domain.CodeInvalidState,
			"escrow %s already settled as %s, cannot apply %s", escrowID, e.State, want)
	}
	return false, nil
}

// ensureTaskCompleted repairs the task side before money moves to the worker.
// A mid-flight dispute leaves the task DISPUTED with no accepted proof, so the
// worker attests one on behalf of the resolving admin; a post-completion
// dispute leaves the task COMPLETED and there is nothing to do.
func (w *Settlement) ensureTaskCompleted(ctx context.Context, tx store.Store, taskID, attestedBy string) error {
	t, err := tx.GetTaskForUpdate(ctx, taskID)
	if err != nil {
		return err
	}
	switch t.State {
	case domain.TaskCompleted:
		return nil
	case domain.TaskDisputed:
	default:
		return domain.Ef(domain.CodeInvalidState, "cannot settle payout while task is %s", t.State)
	}

	now := time.Now().UTC()
	if err := w.attestProof(ctx, tx, t, attestedBy, now); err != nil {
		return err
	}

	t.State = domain.TaskCompleted
	t.CompletedAt = &now
	return tx.UpdateTask(ctx, t)
}

// attestProof guarantees an ACCEPTED proof exists for the task: accept the
// submitted one in place, or write an admin-attested row when none is usable.
func (w *Settlement) attestProof(ctx context.Context, tx store.Store, t *domain.Task, attestedBy string, now time.Time) error {
	p, err := tx.GetProofByTask(ctx, t.ID)
	switch {
	case err != nil && !domain.IsCode(err, domain.CodeNotFound):
		return err
	case err == nil && p.State == domain.ProofAccepted:
		return nil
	case err == nil && p.State == domain.ProofSubmitted:
		p.State = domain.ProofAccepted
		p.ReviewerID = &attestedBy
		p.ReviewedAt = &now
		return tx.UpdateProof(ctx, p)
	}

	submitter := attestedBy
	if t.WorkerID != nil {
		submitter = *t.WorkerID
	}
	return tx.CreateProof(ctx, &domain.Proof{
		ID:          uuid.NewString(),
		TaskID:      t.ID,
		SubmitterID: submitter,
		State:       domain.ProofAccepted,
		ReviewerID:  &attestedBy,
		SubmittedAt: &now,
		ReviewedAt:  &now,
		CreatedAt:   now,
	})
}

func (w *Settlement) cancelIfDisputed(ctx context.Context, tx store.Store, taskID string) error {
	t, err := tx.GetTaskForUpdate(ctx, taskID)
	if err != nil {
		return err
	}
	if t.State != domain.TaskDisputed {
		return nil
	}
	t.State = domain.TaskCancelled
	return tx.UpdateTask(ctx, t)
}

func decodeAction(ev domain.OutboxEvent) (ActionPayload, error) {
	var p ActionPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return p, domain.E(domain.CodeValidation, "malformed escrow action payload: "+err.Error())
	}
	if p.EscrowID == "" || p.TaskID == "" {
		return p, domain.E(domain.CodeValidation, "escrow action payload missing ids")
	}
	return p, nil
}
