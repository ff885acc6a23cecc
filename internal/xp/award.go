// Package xp owns the XP ledger. One award per settled escrow: base XP scales
// with the worker's net earnings, a daily streak multiplies it (capped at 2x),
// and a per-day decay halves everything after the third award so grinding the
// same day yields diminishing returns. The ledger is append-only; the user's
// denormalized totals move in the same transaction as the ledger row.
package xp

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/sidegig/backend/internal/domain"
	"github.com/sidegig/backend/internal/escrow"
	"github.com/sidegig/backend/internal/outbox"
	"github.com/sidegig/backend/internal/store"
)

const (
	// FlatBaseXP is granted for any settled task; earningsDivisorCents adds
	// one XP per whole currency unit of net earnings on top.
	FlatBaseXP           = 100
	earningsDivisorCents = 100

	// StreakStepPct is the per-consecutive-day bump; eleven straight days
	// saturate the multiplier at MaxStreakMultiplier.
	StreakStepPct       = 10
	MaxStreakMultiplier = 2.0

	// FullRateAwardsPerDay is how many awards per UTC day run at full decay
	// factor before the rate drops to halfDecay.
	FullRateAwardsPerDay = 3
	halfDecay            = 0.5
)

// Service appends XP ledger rows and keeps User.XPTotal/CurrentStreak in sync.
type Service struct {
	store   store.TxStore
	metrics *Metrics
	logger  *log.Logger
}

func NewService(s store.TxStore) *Service {
	return &Service{
		store:   s,
		metrics: NewMetrics(),
		logger:  log.New(os.Stdout, "[XP] ", log.LstdFlags),
	}
}

// RegisterHandlers subscribes the award path to the two released-like escrow
// events. Full refunds and plain escrow funding never award XP.
func RegisterHandlers(r *outbox.Registry, s store.TxStore) *Service {
	svc := NewService(s)
	r.Register(domain.EventEscrowReleased, svc.HandleEscrowSettled)
	r.Register(domain.EventEscrowRefundPartial, svc.HandleEscrowSettled)
	return svc
}

// AwardPayload rides xp.awarded events; the trust package consumes it for the
// tier promotion check.
type AwardPayload struct {
	EntryID     string `json:"entry_id"`
	UserID      string `json:"user_id"`
	TaskID      string `json:"task_id"`
	EscrowID    string `json:"escrow_id"`
	EffectiveXP int64  `json:"effective_xp"`
	XPAfter     int64  `json:"xp_after"`
}

// HandleEscrowSettled awards XP to the worker named on a released-like escrow
// event. Redelivered events hit the one-row-per-escrow ledger constraint and
// succeed as no-ops.
func (s *Service) HandleEscrowSettled(ctx context.Context, ev domain.OutboxEvent) error {
	var p escrow.EventPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil || p.EscrowID == "" {
		return domain.Ef(domain.CodeValidation, "malformed %s payload", ev.EventType)
	}
	if p.WorkerID == "" {
		// Settlement without a worker (poster-cancelled splits) earns nothing.
		s.logger.Printf("skip %s for escrow %s: no worker on task %s", ev.EventType, p.EscrowID, p.TaskID)
		return nil
	}
	entry, err := s.Award(ctx, p.WorkerID, p.TaskID, p.EscrowID, p.NetCents)
	if err != nil {
		if domain.IsCode(err, domain.CodeHXXPDuplicate) {
			s.logger.Printf("xp for escrow %s already awarded, dropping redelivery", p.EscrowID)
			return nil
		}
		return err
	}
	s.logger.Printf("✅ awarded %d xp to %s (base %d × streak %.1f × decay %.1f) for escrow %s",
		entry.EffectiveXP, entry.UserID, entry.BaseXP, entry.StreakMultiplier, entry.DecayFactor, entry.EscrowID)
	return nil
}

// Award writes the XP ledger row for one settled escrow and bumps the user's
// totals, all in one transaction. netCents is the worker's share after fees.
// The store's ledger constraints reject awards against non-released escrows
// and second awards for the same escrow.
func (s *Service) Award(ctx context.Context, userID, taskID, escrowID string, netCents int64) (*domain.XPEntry, error) {
	var entry *domain.XPEntry
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		u, err := tx.GetUserForUpdate(ctx, userID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		dayStart := now.Truncate(24 * time.Hour)
		todayCount, err := tx.CountXPEntriesToday(ctx, userID, dayStart)
		if err != nil {
			return err
		}
		decay := 1.0
		if todayCount >= FullRateAwardsPerDay {
			decay = halfDecay
		}

		streak, err := s.nextStreak(ctx, tx, u, dayStart)
		if err != nil {
			return err
		}
		mult := streakMultiplier(streak)

		base := int64(FlatBaseXP) + netCents/earningsDivisorCents
		effective := int64(math.Round(float64(base) * mult * decay))

		entry = &domain.XPEntry{
			ID:               uuid.NewString(),
			UserID:           userID,
			TaskID:           taskID,
			EscrowID:         escrowID,
			BaseXP:           base,
			StreakMultiplier: mult,
			DecayFactor:      decay,
			EffectiveXP:      effective,
			XPBefore:         u.XPTotal,
			XPAfter:          u.XPTotal + effective,
			CreatedAt:        now,
		}
		if err := tx.InsertXPEntry(ctx, entry); err != nil {
			return err
		}

		u.XPTotal = entry.XPAfter
		u.CurrentStreak = streak
		if err := tx.UpdateUser(ctx, u); err != nil {
			return err
		}

		return outbox.Append(ctx, tx, outbox.Event{
			EventType:     domain.EventXPAwarded,
			AggregateType: "xp_entry",
			AggregateID:   entry.ID,
			Version:       1,
			Queue:         domain.QueueCriticalTrust,
			Payload: AwardPayload{
				EntryID:     entry.ID,
				UserID:      userID,
				TaskID:      taskID,
				EscrowID:    escrowID,
				EffectiveXP: effective,
				XPAfter:     entry.XPAfter,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordAward(entry)
	return entry, nil
}

// nextStreak derives the consecutive-day streak from the previous ledger row:
// another award today keeps the streak, one yesterday extends it, anything
// older (or a first award) resets to 1.
func (s *Service) nextStreak(ctx context.Context, tx store.Store, u *domain.User, dayStart time.Time) (int, error) {
	entries, err := tx.ListXPEntries(ctx, u.ID)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 1, nil
	}
	last := entries[len(entries)-1].CreatedAt
	switch {
	case !last.Before(dayStart):
		if u.CurrentStreak < 1 {
			return 1, nil
		}
		return u.CurrentStreak, nil
	case !last.Before(dayStart.Add(-24 * time.Hour)):
		return u.CurrentStreak + 1, nil
	default:
		return 1, nil
	}
}

func streakMultiplier(streak int) float64 {
	if streak < 1 {
		streak = 1
	}
	mult := 1.0 + float64(streak-1)*float64(StreakStepPct)/100.0
	return math.Min(mult, MaxStreakMultiplier)
}
