// Package proof handles evidence of completion: photo submission, poster
// review with external verification, and the expiry sweep for reviews nobody
// performed.
package proof

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
	"github.com/sidegig/backend/internal/vision"
)

// reviewWindow is how long a poster has to review a submitted proof before
// the sweep expires it and hands the task back for rework.
const reviewWindow = 72 * time.Hour

type Service struct {
	store   store.TxStore
	vision  vision.Client
	metrics *Metrics
	logger  *log.Logger
}

func NewService(s store.TxStore, v vision.Client) *Service {
	return &Service{
		store:   s,
		vision:  v,
		metrics: NewMetrics(),
		logger:  log.New(os.Stdout, "[PROOF] ", log.LstdFlags),
	}
}

// PhotoIn is one uploaded shot; the blob layer has already stored the object.
type PhotoIn struct {
	StorageKey string
	Checksum   string
	CapturedAt time.Time
}

type SubmitIn struct {
	TaskID       string
	SubmitterID  string
	Photos       []PhotoIn
	HasBiometric bool
	HasGPS       bool
}

// SubmittedPayload rides proof.submitted for the notifier.
type SubmittedPayload struct {
	ProofID  string `json:"proof_id"`
	TaskID   string `json:"task_id"`
	PosterID string `json:"poster_id"`
	WorkerID string `json:"worker_id"`
	Title    string `json:"title"`
}

// ReviewedPayload rides proof.reviewed for the notifier.
type ReviewedPayload struct {
	ProofID  string `json:"proof_id"`
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

// Submit records the worker's evidence and moves the task to PROOF_SUBMITTED.
// Photos keep their given order; Seq starts at 1.
func (s *Service) Submit(ctx context.Context, in SubmitIn) (*domain.Proof, error) {
	if len(in.Photos) == 0 {
		return nil, domain.E(domain.CodeValidation, "at least one photo is required")
	}
	for _, ph := range in.Photos {
		if ph.StorageKey == "" || ph.Checksum == "" {
			return nil, domain.E(domain.CodeValidation, "photo storage key and checksum are required")
		}
	}

	var out *domain.Proof
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		t, err := tx.GetTaskForUpdate(ctx, in.TaskID)
		if err != nil {
			return err
		}
		if t.State != domain.TaskAccepted {
			return domain.Ef(domain.CodeInvalidState, "proof requires an accepted task, task is %s", t.State)
		}
		if t.WorkerID == nil || *t.WorkerID != in.SubmitterID {
			return domain.E(domain.CodeForbidden, "only the assigned worker can submit proof")
		}

		now := time.Now().UTC()
		p := &domain.Proof{
			ID:           uuid.NewString(),
			TaskID:       t.ID,
			SubmitterID:  in.SubmitterID,
			State:        domain.ProofSubmitted,
			HasBiometric: in.HasBiometric,
			HasGPS:       in.HasGPS,
			SubmittedAt:  &now,
			CreatedAt:    now,
		}
		if err := tx.CreateProof(ctx, p); err != nil {
			return err
		}
		photos := make([]domain.ProofPhoto, len(in.Photos))
		for i, ph := range in.Photos {
			capturedAt := ph.CapturedAt
			if capturedAt.IsZero() {
				capturedAt = now
			}
			photos[i] = domain.ProofPhoto{
				ID:         uuid.NewString(),
				ProofID:    p.ID,
				StorageKey: ph.StorageKey,
				Checksum:   ph.Checksum,
				CapturedAt: capturedAt,
				Seq:        i + 1,
			}
		}
		if err := tx.AddProofPhotos(ctx, photos); err != nil {
			return err
		}

		t.State = domain.TaskProofSubmitted
		if err := tx.UpdateTask(ctx, t); err != nil {
			return err
		}

		if err := outbox.Append(ctx, tx, outbox.Event{
			EventType:     domain.EventProofSubmitted,
			AggregateType: "proof",
			AggregateID:   p.ID,
			Version:       1,
			Queue:         domain.QueueUserNotifications,
			Payload: SubmittedPayload{
				ProofID:  p.ID,
				TaskID:   t.ID,
				PosterID: t.PosterID,
				WorkerID: in.SubmitterID,
				Title:    t.Title,
			},
		}); err != nil {
			return err
		}
		p.Photos = photos
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Submitted.Inc()
	return out, nil
}

type ReviewIn struct {
	ProofID    string
	ReviewerID string
	Accept     bool
	Reason     string
}

// Review applies the poster's decision. Accepting a proof that carries
// biometric or GPS artifacts first consults the external verifiers; a hard
// reject from either keeps the proof SUBMITTED and fails with a typed code,
// while a vendor outage degrades to the manual-review flag instead of
// blocking. Acceptance completes the task and requests the escrow release.
func (s *Service) Review(ctx context.Context, in ReviewIn) (*domain.Proof, error) {
	p, err := s.store.GetProof(ctx, in.ProofID)
	if err != nil {
		return nil, err
	}
	t, err := s.store.GetTask(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	if in.ReviewerID != t.PosterID {
		return nil, domain.E(domain.CodeForbidden, "only the poster reviews proofs")
	}
	if p.State != domain.ProofSubmitted {
		return nil, domain.Ef(domain.CodeInvalidState, "proof is %s", p.State)
	}

	// The vendor call happens outside the transaction; it can take seconds.
	manualReview := false
	if in.Accept && (p.HasBiometric || p.HasGPS) {
		verdict, err := s.consultVision(ctx, p, t)
		if err != nil {
			return nil, err
		}
		manualReview = verdict
	}

	var out *domain.Proof
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		p, err := tx.GetProofForUpdate(ctx, in.ProofID)
		if err != nil {
			return err
		}
		if p.State != domain.ProofSubmitted {
			return domain.Ef(domain.CodeConflict, "proof was reviewed concurrently, now %s", p.State)
		}
		t, err := tx.GetTaskForUpdate(ctx, p.TaskID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		p.ReviewerID = &in.ReviewerID
		p.ReviewedAt = &now
		decision := "rejected"
		if in.Accept {
			decision = "accepted"
			p.State = domain.ProofAccepted
			p.ManualReview = manualReview
			if err := tx.UpdateProof(ctx, p); err != nil {
				return err
			}
			t.State = domain.TaskCompleted
			t.CompletedAt = &now
			if err := tx.UpdateTask(ctx, t); err != nil {
				return err
			}
			if err := s.requestRelease(ctx, tx, t, in.ReviewerID); err != nil {
				return err
			}
		} else {
			p.State = domain.ProofRejected
			if in.Reason != "" {
				p.RejectionReason = &in.Reason
			}
			if err := tx.UpdateProof(ctx, p); err != nil {
				return err
			}
			// Back for rework; the worker can resubmit.
			t.State = domain.TaskAccepted
			if err := tx.UpdateTask(ctx, t); err != nil {
				return err
			}
		}

		if err := outbox.Append(ctx, tx, outbox.Event{
			EventType:     domain.EventProofReviewed,
			AggregateType: "proof",
			AggregateID:   p.ID,
			Version:       2,
			Queue:         domain.QueueUserNotifications,
			Payload: ReviewedPayload{
				ProofID:  p.ID,
				TaskID:   t.ID,
				WorkerID: p.SubmitterID,
				Decision: decision,
				Reason:   in.Reason,
			},
		}); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordReview(out.State)
	if out.ManualReview {
		s.metrics.ManualReview.Inc()
	}
	return out, nil
}

// consultVision returns whether the proof needs the manual-review flag. A
// reject verdict fails the review outright; an unavailable vendor degrades to
// manual review rather than blocking the poster.
func (s *Service) consultVision(ctx context.Context, p *domain.Proof, t *domain.Task) (bool, error) {
	if s.vision == nil {
		return false, nil
	}
	photos, err := s.store.ListProofPhotos(ctx, p.ID)
	if err != nil {
		return false, err
	}
	keys := make([]string, len(photos))
	for i, ph := range photos {
		keys[i] = ph.StorageKey
	}
	res, err := s.vision.Review(ctx, vision.Request{
		ProofID:      p.ID,
		TaskID:       t.ID,
		PhotoKeys:    keys,
		HasBiometric: p.HasBiometric,
		HasGPS:       p.HasGPS,
	})
	if err != nil {
		if domain.IsCode(err, domain.CodeAIUnavailable) {
			s.logger.Printf("vision unavailable for proof %s, flagging manual review: %v", p.ID, err)
			s.metrics.VisionDegraded.Inc()
			return true, nil
		}
		return false, err
	}
	if res.Reject() {
		s.metrics.VisionRejected.Inc()
		return false, domain.Ef(domain.CodeVerificationFailed,
			"verification rejected the submission (liveness=%s, logistics=%s)", res.Liveness, res.Logistics)
	}
	return res.NeedsManualReview(), nil
}

// requestRelease asks the settlement worker to pay out held funds. A PENDING
// escrow means the poster never funded; completion stands, money moves out of
// band.
func (s *Service) requestRelease(ctx context.Context, tx store.Store, t *domain.Task, reviewerID string) error {
	e, err := tx.GetEscrowByTask(ctx, t.ID)
	if domain.IsCode(err, domain.CodeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if e.State != domain.EscrowFunded {
		return nil
	}
	return outbox.Append(ctx, tx, outbox.Event{
		EventType:     domain.EventEscrowReleaseRequested,
		AggregateType: "escrow",
		AggregateID:   e.ID,
		Version:       e.Version,
		Queue:         domain.QueueCriticalPayments,
		Payload: escrow.ActionPayload{
			EscrowID:   e.ID,
			TaskID:     t.ID,
			ResolvedBy: reviewerID,
			Reason:     "proof accepted",
		},
	})
}

func (s *Service) Get(ctx context.Context, proofID string) (*domain.Proof, error) {
	p, err := s.store.GetProof(ctx, proofID)
	if err != nil {
		return nil, err
	}
	photos, err := s.store.ListProofPhotos(ctx, proofID)
	if err != nil {
		return nil, err
	}
	p.Photos = photos
	return p, nil
}

// ExpireStale sweeps SUBMITTED proofs past the review window: the proof goes
// EXPIRED and the task returns to ACCEPTED so the worker can resubmit.
func (s *Service) ExpireStale(ctx context.Context, now time.Time, limit int) (int, error) {
	cutoff := now.Add(-reviewWindow)
	stale, err := s.store.ListSubmittedProofsBefore(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, cand := range stale {
		err := s.store.WithTx(ctx, func(tx store.Store) error {
			p, err := tx.GetProofForUpdate(ctx, cand.ID)
			if err != nil {
				return err
			}
			if p.State != domain.ProofSubmitted || p.SubmittedAt == nil || !p.SubmittedAt.Before(cutoff) {
				return nil
			}
			p.State = domain.ProofExpired
			if err := tx.UpdateProof(ctx, p); err != nil {
				return err
			}
			t, err := tx.GetTaskForUpdate(ctx, p.TaskID)
			if err != nil {
				return err
			}
			if t.State == domain.TaskProofSubmitted {
				t.State = domain.TaskAccepted
				if err := tx.UpdateTask(ctx, t); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			s.logger.Printf("proof expiry sweep: proof %s: %v", cand.ID, err)
			continue
		}
		expired++
	}
	if expired > 0 {
		s.metrics.Expired.Add(float64(expired))
	}
	return expired, nil
}
