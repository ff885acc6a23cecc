// Package trust owns the trust ledger and tier transitions. Every tier move
// is one append-only ledger row; promotions come from the XP pipeline and are
// strictly upward, demotions only from explicit dispute or violation entries.
// Rows mirror into a Spanner archive for long-horizon audit reads.
package trust

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/sidegig/backend/internal/dispute"
	"github.com/sidegig/backend/internal/domain"
	"github.com/sidegig/backend/internal/outbox"
	"github.com/sidegig/backend/internal/store"
	"github.com/sidegig/backend/internal/xp"
)

// Archiver mirrors committed trust entries into cold storage. Archival is
// write-behind: a failed mirror write never rolls back the ledger.
type Archiver interface {
	ArchiveEntry(ctx context.Context, e *domain.TrustEntry) error
}

// Service appends trust ledger rows and keeps User.TrustTier in sync.
type Service struct {
	store   store.TxStore
	archive Archiver
	metrics *Metrics
	logger  *log.Logger
}

func NewService(s store.TxStore, archive Archiver) *Service {
	return &Service{
		store:   s,
		archive: archive,
		metrics: NewMetrics(),
		logger:  log.New(os.Stdout, "[TRUST] ", log.LstdFlags),
	}
}

// RegisterHandlers binds the trust consumers on the critical_trust queue:
// XP awards drive promotion checks, dispute resolutions write per-party rows.
func RegisterHandlers(r *outbox.Registry, s store.TxStore, archive Archiver) *Service {
	svc := NewService(s, archive)
	r.Register(domain.EventXPAwarded, svc.HandleXPAwarded)
	r.Register(domain.EventTrustDisputeResolvedWorker, svc.HandleDisputeResolved)
	r.Register(domain.EventTrustDisputeResolvedPoster, svc.HandleDisputeResolved)
	return svc
}

// AppendIn describes one trust ledger row to write.
type AppendIn struct {
	UserID         string
	NewTier        int
	ReasonCode     string
	SourceEventID  string
	IdempotencyKey string
}

// TierChangedPayload rides trust.tier_changed events toward notification
// fan-out.
type TierChangedPayload struct {
	EntryID    string `json:"entry_id"`
	UserID     string `json:"user_id"`
	OldTier    int    `json:"old_tier"`
	NewTier    int    `json:"new_tier"`
	ReasonCode string `json:"reason_code"`
}

// Append writes one ledger row and moves the user's tier when the row changes
// it. Rows dedupe on the idempotency key: a replayed source event returns
// inserted=false and writes nothing. Promotion rows must move the tier up;
// only dispute and violation rows may move it down.
func (s *Service) Append(ctx context.Context, in AppendIn) (*domain.TrustEntry, bool, error) {
	if in.NewTier < 1 || in.NewTier > 4 {
		return nil, false, domain.Ef(domain.CodeValidation, "tier %d out of range", in.NewTier)
	}
	if in.IdempotencyKey == "" {
		return nil, false, domain.E(domain.CodeValidation, "trust entry needs an idempotency key")
	}

	var (
		entry    *domain.TrustEntry
		inserted bool
	)
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		u, err := tx.GetUserForUpdate(ctx, in.UserID)
		if err != nil {
			return err
		}
		if in.NewTier < u.TrustTier && in.ReasonCode == domain.TrustReasonTierPromotion {
			return domain.Ef(domain.CodeInvalidState,
				"promotion cannot lower tier %d to %d", u.TrustTier, in.NewTier)
		}

		entry = &domain.TrustEntry{
			ID:             uuid.NewString(),
			UserID:         in.UserID,
			OldTier:        u.TrustTier,
			NewTier:        in.NewTier,
			ReasonCode:     in.ReasonCode,
			SourceEventID:  in.SourceEventID,
			IdempotencyKey: in.IdempotencyKey,
			CreatedAt:      time.Now().UTC(),
		}
		inserted, err = tx.InsertTrustEntry(ctx, entry)
		if err != nil || !inserted {
			return err
		}

		if entry.NewTier == entry.OldTier {
			return nil
		}
		u.TrustTier = entry.NewTier
		if err := tx.UpdateUser(ctx, u); err != nil {
			return err
		}
		return outbox.Append(ctx, tx, outbox.Event{
			EventType:     domain.EventTrustTierChanged,
			AggregateType: "trust_entry",
			AggregateID:   entry.ID,
			Version:       1,
			Queue:         domain.QueueUserNotifications,
			Payload: TierChangedPayload{
				EntryID:    entry.ID,
				UserID:     entry.UserID,
				OldTier:    entry.OldTier,
				NewTier:    entry.NewTier,
				ReasonCode: entry.ReasonCode,
			},
		})
	})
	if err != nil {
		return nil, false, err
	}
	if !inserted {
		return nil, false, nil
	}

	s.metrics.RecordEntry(entry)
	if entry.NewTier != entry.OldTier {
		s.logger.Printf("tier %d→%d for %s (%s)", entry.OldTier, entry.NewTier, entry.UserID, entry.ReasonCode)
	}
	if s.archive != nil {
		if aerr := s.archive.ArchiveEntry(ctx, entry); aerr != nil {
			s.logger.Printf("⚠️ archive mirror failed for entry %s: %v", entry.ID, aerr)
			s.metrics.ArchiveFailures.Inc()
		}
	}
	return entry, true, nil
}

// PromoteIfEligible checks the promotion table against the user's completed
// tasks and XP total, highest tier first. Tiers never move down here; a user
// already at or above the earned tier is left alone.
func (s *Service) PromoteIfEligible(ctx context.Context, userID, sourceEventID string) (*domain.TrustEntry, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	completed, err := s.store.CountCompletedTasks(ctx, userID)
	if err != nil {
		return nil, err
	}

	target := u.TrustTier
	for _, th := range domain.TierThresholds {
		if completed >= th.CompletedTasks && u.XPTotal >= th.EffectiveXP {
			if th.Tier > target {
				target = th.Tier
			}
			break
		}
	}
	if target <= u.TrustTier {
		return nil, nil
	}

	entry, inserted, err := s.Append(ctx, AppendIn{
		UserID:        userID,
		NewTier:       target,
		ReasonCode:    domain.TrustReasonTierPromotion,
		SourceEventID: sourceEventID,
		// Keyed by target tier: replays and parallel awards collapse to one
		// promotion row per tier.
		IdempotencyKey: domain.OutboxKey("trust.promotion", userID, target),
	})
	if err != nil || !inserted {
		return nil, err
	}
	s.logger.Printf("✅ promoted %s to tier %d (%d tasks, %d xp)", userID, target, completed, u.XPTotal)
	return entry, nil
}

// HandleXPAwarded runs the promotion check after every XP append.
func (s *Service) HandleXPAwarded(ctx context.Context, ev domain.OutboxEvent) error {
	var p xp.AwardPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil || p.UserID == "" {
		return domain.E(domain.CodeValidation, "malformed xp.awarded payload")
	}
	_, err := s.PromoteIfEligible(ctx, p.UserID, ev.ID)
	return err
}

// HandleDisputeResolved writes the per-party resolution row. A worker who
// loses outright (REFUND) drops one tier; every other party gets an
// audit-only row at their current tier.
func (s *Service) HandleDisputeResolved(ctx context.Context, ev domain.OutboxEvent) error {
	var p dispute.TrustEventPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil || p.UserID == "" {
		return domain.Ef(domain.CodeValidation, "malformed %s payload", ev.EventType)
	}

	u, err := s.store.GetUser(ctx, p.UserID)
	if err != nil {
		return err
	}
	newTier := u.TrustTier
	if p.Role == "worker" && p.Outcome == domain.OutcomeRefund && newTier > 1 {
		newTier--
	}

	_, _, err = s.Append(ctx, AppendIn{
		UserID:         p.UserID,
		NewTier:        newTier,
		ReasonCode:     domain.TrustReasonDisputeResolved,
		SourceEventID:  p.DisputeID,
		IdempotencyKey: ev.IdempotencyKey,
	})
	return err
}
