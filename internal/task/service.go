// Package task drives the task lifecycle and the orthogonal progress chain.
// Lifecycle edges live in domain; this service adds the actor checks, the
// escrow side effects, and the maintenance sweeps.
package task

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/sidegig/backend/internal/domain"
	"github.com/sidegig/backend/internal/escrow"
	"github.com/sidegig/backend/internal/notify"
	"github.com/sidegig/backend/internal/outbox"
	"github.com/sidegig/backend/internal/store"
)

// matchingWindow is how long an instant task sits in MATCHING before the
// fallback sweep returns it to OPEN.
const matchingWindow = 90 * time.Second

// ProgressPublisher receives progress changes for live streaming. The hub
// implements it; a nil publisher disables streaming.
type ProgressPublisher interface {
	PublishProgress(ctx context.Context, taskID string, p domain.ProgressState)
}

type Service struct {
	store    store.TxStore
	progress ProgressPublisher
	metrics  *Metrics
	logger   *log.Logger
}

func NewService(s store.TxStore, progress ProgressPublisher) *Service {
	return &Service{
		store:    s,
		progress: progress,
		metrics:  NewMetrics(),
		logger:   log.New(os.Stdout, "[TASK] ", log.LstdFlags),
	}
}

// ExpiredPayload rides task.expired so the notifier can reach the poster
// without a lookup.
type ExpiredPayload struct {
	TaskID   string `json:"task_id"`
	PosterID string `json:"poster_id"`
	Title    string `json:"title"`
}

// CreateIn is the poster's task submission.
type CreateIn struct {
	PosterID   string
	Title      string
	PriceCents int64
	Currency   string
	Category   string
	CityID     string
	ZoneID     string
	Mode       domain.TaskMode
	Instant    bool
	RiskLevel  string
	Deadline   *time.Time
}

func (in CreateIn) validate() error {
	switch {
	case in.PosterID == "":
		return domain.E(domain.CodeValidation, "poster id is required")
	case in.Title == "":
		return domain.E(domain.CodeValidation, "title is required")
	case in.PriceCents <= 0:
		return domain.E(domain.CodeValidation, "price must be positive")
	case in.Category == "" || in.ZoneID == "" || in.CityID == "":
		return domain.E(domain.CodeValidation, "category, city and zone are required")
	}
	return nil
}

// Create posts a task. Instant tasks start in MATCHING so the offer engine can
// push them; everything else starts OPEN.
func (s *Service) Create(ctx context.Context, in CreateIn) (*domain.Task, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	poster, err := s.store.GetUser(ctx, in.PosterID)
	if err != nil {
		return nil, err
	}
	if poster.Status != domain.AccountActive {
		return nil, domain.Ef(domain.CodeForbidden, "account is %s", poster.Status)
	}

	now := time.Now().UTC()
	t := &domain.Task{
		ID:         uuid.NewString(),
		PosterID:   in.PosterID,
		Title:      in.Title,
		PriceCents: in.PriceCents,
		Currency:   in.Currency,
		Category:   in.Category,
		CityID:     in.CityID,
		ZoneID:     in.ZoneID,
		Mode:       in.Mode,
		Instant:    in.Instant,
		RiskLevel:  in.RiskLevel,
		State:      domain.TaskOpen,
		Progress:   domain.ProgressPosted,
		Version:    1,
		Deadline:   in.Deadline,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if t.Currency == "" {
		t.Currency = "usd"
	}
	if t.Mode == "" {
		t.Mode = domain.TaskModeStandard
	}
	if in.Instant {
		t.State = domain.TaskMatching
		t.MatchingAt = &now
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	s.metrics.RecordTransition(t.State)
	return t, nil
}

// Accept claims an OPEN or MATCHING task for a worker. Exactly one accept
// wins; everyone else sees CONFLICT.
func (s *Service) Accept(ctx context.Context, taskID, workerID string) (*domain.Task, error) {
	var out *domain.Task
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		t, err := tx.GetTaskForUpdate(ctx, taskID)
		if err != nil {
			return err
		}
		switch t.State {
		case domain.TaskOpen, domain.TaskMatching:
		case domain.TaskAccepted, domain.TaskProofSubmitted, domain.TaskDisputed:
			return domain.Ef(domain.CodeConflict, "task %s is already accepted", taskID)
		default:
			return domain.Ef(domain.CodeInvalidState, "task %s is %s", taskID, t.State)
		}
		if workerID == t.PosterID {
			return domain.E(domain.CodeValidation, "poster cannot accept own task")
		}
		worker, err := tx.GetUser(ctx, workerID)
		if err != nil {
			return err
		}
		if worker.Status != domain.AccountActive {
			return domain.Ef(domain.CodeForbidden, "account is %s", worker.Status)
		}

		now := time.Now().UTC()
		t.WorkerID = &workerID
		t.State = domain.TaskAccepted
		t.AcceptedAt = &now
		t.MatchingAt = nil
		if t.Progress == domain.ProgressPosted {
			t.Progress = domain.ProgressAccepted
		}
		if err := tx.UpdateTask(ctx, t); err != nil {
			return err
		}

		if err := notify.Enqueue(ctx, tx, notify.Request{
			UserID:   t.PosterID,
			TaskID:   &t.ID,
			Category: domain.CategoryTaskUpdate,
			Priority: domain.PriorityHigh,
			Title:    "Your task was accepted",
			Body:     fmt.Sprintf("%q is on someone's list now.", t.Title),
			Data:     map[string]string{"task_id": t.ID},
		}); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordTransition(domain.TaskAccepted)
	return out, nil
}

// Transition moves the lifecycle along one valid edge. CANCELLED and EXPIRED
// targets also unwind any escrow attached to the task.
func (s *Service) Transition(ctx context.Context, taskID string, to domain.TaskState) (*domain.Task, error) {
	var out *domain.Task
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		t, err := tx.GetTaskForUpdate(ctx, taskID)
		if err != nil {
			return err
		}
		if t.State.Terminal() {
			return domain.Ef(domain.CodeInvalidState, "task %s is %s", taskID, t.State)
		}
		if !t.State.CanTransition(to) {
			return domain.Ef(domain.CodeInvalidTransition, "task %s -> %s is not a valid edge", t.State, to)
		}
		now := time.Now().UTC()
		t.State = to
		if to == domain.TaskCompleted {
			t.CompletedAt = &now
		}
		if err := tx.UpdateTask(ctx, t); err != nil {
			return err
		}
		if to == domain.TaskCancelled || to == domain.TaskExpired {
			if err := s.unwindEscrow(ctx, tx, t, "task "+string(to)); err != nil {
				return err
			}
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordTransition(to)
	return out, nil
}

// AdvanceProgress moves the progress chain exactly one step forward.
func (s *Service) AdvanceProgress(ctx context.Context, taskID string, to domain.ProgressState) (*domain.Task, error) {
	var out *domain.Task
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		t, err := tx.GetTaskForUpdate(ctx, taskID)
		if err != nil {
			return err
		}
		if !domain.CanAdvanceProgress(t.Progress, to) {
			return domain.Ef(domain.CodeInvalidTransition, "progress %s -> %s is not adjacent", t.Progress, to)
		}
		t.Progress = to
		if err := tx.UpdateTask(ctx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.progress != nil {
		s.progress.PublishProgress(ctx, taskID, to)
	}
	s.metrics.RecordProgress(to)
	return out, nil
}

func (s *Service) Get(ctx context.Context, taskID string) (*domain.Task, error) {
	return s.store.GetTask(ctx, taskID)
}

func (s *Service) ListForUser(ctx context.Context, userID string) ([]domain.Task, error) {
	return s.store.ListTasksForUser(ctx, userID)
}

// ExpireOverdue sweeps OPEN tasks past their deadline into EXPIRED, requesting
// a refund for any held funds. Each task moves in its own transaction so one
// conflict cannot wedge the sweep.
func (s *Service) ExpireOverdue(ctx context.Context, now time.Time, limit int) (int, error) {
	due, err := s.store.ListOpenTasksPastDeadline(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, cand := range due {
		err := s.store.WithTx(ctx, func(tx store.Store) error {
			t, err := tx.GetTaskForUpdate(ctx, cand.ID)
			if err != nil {
				return err
			}
			if t.State != domain.TaskOpen || t.Deadline == nil || !t.Deadline.Before(now) {
				return nil // raced with an accept or cancel
			}
			t.State = domain.TaskExpired
			if err := tx.UpdateTask(ctx, t); err != nil {
				return err
			}
			if err := outbox.Append(ctx, tx, outbox.Event{
				EventType:     domain.EventTaskExpired,
				AggregateType: "task",
				AggregateID:   t.ID,
				Version:       t.Version,
				Queue:         domain.QueueUserNotifications,
				Payload: ExpiredPayload{
					TaskID:   t.ID,
					PosterID: t.PosterID,
					Title:    t.Title,
				},
			}); err != nil {
				return err
			}
			return s.unwindEscrow(ctx, tx, t, "task expired")
		})
		if err != nil {
			s.logger.Printf("expire sweep: task %s: %v", cand.ID, err)
			continue
		}
		expired++
	}
	if expired > 0 {
		s.metrics.Expired.Add(float64(expired))
	}
	return expired, nil
}

// ReturnStaleMatching is the instant-mode fallback: offers that found no
// taker within the matching window go back to OPEN for normal browsing.
func (s *Service) ReturnStaleMatching(ctx context.Context, now time.Time, limit int) (int, error) {
	cutoff := now.Add(-matchingWindow)
	stale, err := s.store.ListMatchingTasksBefore(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	returned := 0
	for _, cand := range stale {
		err := s.store.WithTx(ctx, func(tx store.Store) error {
			t, err := tx.GetTaskForUpdate(ctx, cand.ID)
			if err != nil {
				return err
			}
			if t.State != domain.TaskMatching || t.MatchingAt == nil || !t.MatchingAt.Before(cutoff) {
				return nil
			}
			t.State = domain.TaskOpen
			t.MatchingAt = nil
			return tx.UpdateTask(ctx, t)
		})
		if err != nil {
			s.logger.Printf("matching fallback: task %s: %v", cand.ID, err)
			continue
		}
		returned++
	}
	if returned > 0 {
		s.metrics.MatchingFallback.Add(float64(returned))
	}
	return returned, nil
}

// unwindEscrow gives held money back when a task dies. FUNDED escrows get a
// refund request; PENDING ones were never captured, so the only cleanup is
// cancelling the processor intent before a late confirmation lands.
func (s *Service) unwindEscrow(ctx context.Context, tx store.Store, t *domain.Task, reason string) error {
	e, err := tx.GetEscrowByTask(ctx, t.ID)
	if domain.IsCode(err, domain.CodeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	eventType := ""
	switch {
	case e.State == domain.EscrowFunded:
		eventType = domain.EventEscrowRefundRequested
	case e.State == domain.EscrowPending && e.PaymentIntentID != nil:
		eventType = domain.EventEscrowCancelRequested
	default:
		return nil
	}
	return outbox.Append(ctx, tx, outbox.Event{
		EventType:     eventType,
		AggregateType: "escrow",
		AggregateID:   e.ID,
		Version:       e.Version,
		Queue:         domain.QueueCriticalPayments,
		Payload: escrow.ActionPayload{
			EscrowID:   e.ID,
			TaskID:     t.ID,
			ResolvedBy: "system",
			Reason:     reason,
		},
	})
}
