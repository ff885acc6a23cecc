// Package supply bounds hustler supply per (expertise, zone). Admission runs
// a dual gate inside a serializable transaction: a hard weight cap and a
// completed-task liquidity ratio. Rejected candidates queue FIFO on a
// waitlist; a periodic recompute decays idle weight, refreshes demand
// counters, auto-expands starved zones and drains the waitlist.
package supply

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/sidegig/backend/internal/domain"
	"github.com/sidegig/backend/internal/outbox"
	"github.com/sidegig/backend/internal/store"
)

type Service struct {
	store   store.TxStore
	metrics *Metrics
	logger  *log.Logger
}

func NewService(s store.TxStore) *Service {
	return &Service{
		store:   s,
		metrics: NewMetrics(),
		logger:  log.New(os.Stdout, "[SUPPLY] ", log.LstdFlags),
	}
}

// AddStatus is the successful outcome of an admission attempt. Hard
// rejections (LOCKED, DUPLICATE, COOLDOWN, HX801) surface as errors instead.
type AddStatus string

const (
	StatusAdmitted   AddStatus = "ADMITTED"
	StatusWaitlisted AddStatus = "WAITLISTED"
)

type AddIn struct {
	UserID      string
	ExpertiseID string
	ZoneID      string
	Slot        domain.SlotKind
}

// AddResult carries either the admitted slot or the waitlist entry, never
// both. Reason explains a waitlisting: capacity vs. throughput.
type AddResult struct {
	Status    AddStatus             `json:"status"`
	Expertise *domain.UserExpertise `json:"expertise,omitempty"`
	Waitlist  *domain.WaitlistEntry `json:"waitlist,omitempty"`
	Reason    string                `json:"reason,omitempty"`
}

// InvitePayload rides supply.waitlist_invited events.
type InvitePayload struct {
	EntryID     string    `json:"entry_id"`
	UserID      string    `json:"user_id"`
	ExpertiseID string    `json:"expertise_id"`
	ZoneID      string    `json:"zone_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// AddExpertise runs the admission gate. The whole check-and-admit runs under
// a serializable transaction keyed on a FOR UPDATE read of the capacity row,
// so two concurrent adds for the same (expertise, zone) serialize and the
// second sees the first's weight.
func (s *Service) AddExpertise(ctx context.Context, in AddIn) (*AddResult, error) {
	if in.Slot != domain.SlotPrimary && in.Slot != domain.SlotSecondary {
		return nil, domain.Ef(domain.CodeValidation, "unknown slot %q", in.Slot)
	}
	if in.UserID == "" || in.ExpertiseID == "" || in.ZoneID == "" {
		return nil, domain.E(domain.CodeValidation, "user, expertise and zone are required")
	}

	var out *AddResult
	err := s.store.WithSerializableTx(ctx, func(tx store.Store) error {
		exp, err := tx.GetExpertise(ctx, in.ExpertiseID)
		if err != nil {
			return err
		}
		if !exp.Active {
			return domain.Ef(domain.CodeValidation, "expertise %s is not open for admission", exp.Name)
		}
		now := time.Now().UTC()

		active, err := tx.ListUserExpertises(ctx, in.UserID, true)
		if err != nil {
			return err
		}
		// 30-day change lock: any held slot still inside its lock freezes the
		// whole portfolio.
		for _, ue := range active {
			if ue.LockedUntil.After(now) {
				return domain.Ef(domain.CodeSupplyLocked,
					"expertise changes locked until %s", ue.LockedUntil.Format(time.RFC3339))
			}
		}
		if len(active) >= domain.MaxActiveExpertise {
			return domain.E(domain.CodeHXExpertiseLimit, "at most two active expertises per user")
		}
		for _, ue := range active {
			if ue.ExpertiseID == in.ExpertiseID {
				return domain.E(domain.CodeSupplyDuplicate, "already admitted to this expertise")
			}
			if ue.Slot == in.Slot {
				return domain.Ef(domain.CodeValidation, "%s slot already held", in.Slot)
			}
		}
		// Re-join cooldown against the most recent inactive row; a stale one
		// is cleared so the unique (user, expertise) slot frees up.
		prior, err := tx.GetLatestInactiveUserExpertise(ctx, in.UserID, in.ExpertiseID)
		if err != nil && !domain.IsCode(err, domain.CodeNotFound) {
			return err
		}
		if prior != nil {
			ref := prior.CreatedAt
			if prior.RemovedAt != nil {
				ref = *prior.RemovedAt
			}
			if now.Sub(ref) < domain.DecayCooldownDays*24*time.Hour {
				return domain.Ef(domain.CodeSupplyCooldown,
					"left this expertise on %s; re-join opens %d days after leaving",
					ref.Format("2006-01-02"), domain.DecayCooldownDays)
			}
			if err := tx.DeleteUserExpertise(ctx, prior.ID); err != nil {
				return err
			}
		}

		zc, err := tx.GetCapacityForUpdate(ctx, in.ExpertiseID, in.ZoneID)
		if err != nil {
			return err
		}
		weight := in.Slot.Weight()
		effectiveMax := zc.EffectiveMax(now)

		reason := ""
		if zc.CurrentWeight+weight > effectiveMax {
			reason = fmt.Sprintf("capacity: weight %.1f would push %.2f past cap %.2f",
				weight, zc.CurrentWeight, effectiveMax)
		} else if zc.ActiveHustlers > 0 && zc.LiquidityRatio < zc.MinTaskToSupplyRatio {
			reason = fmt.Sprintf("throughput: liquidity %.2f below minimum %.2f",
				zc.LiquidityRatio, zc.MinTaskToSupplyRatio)
		}
		if reason != "" {
			pos, err := tx.NextWaitlistPosition(ctx, in.ExpertiseID, in.ZoneID)
			if err != nil {
				return err
			}
			w := &domain.WaitlistEntry{
				ID:          uuid.NewString(),
				ExpertiseID: in.ExpertiseID,
				ZoneID:      in.ZoneID,
				UserID:      in.UserID,
				Slot:        in.Slot,
				Position:    pos,
				Status:      domain.WaitlistWaiting,
				Reason:      reason,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := tx.InsertWaitlistEntry(ctx, w); err != nil {
				return err
			}
			out = &AddResult{Status: StatusWaitlisted, Waitlist: w, Reason: reason}
			return nil
		}

		ue := &domain.UserExpertise{
			ID:              uuid.NewString(),
			UserID:          in.UserID,
			ExpertiseID:     in.ExpertiseID,
			ZoneID:          in.ZoneID,
			Slot:            in.Slot,
			SlotWeight:      weight,
			EffectiveWeight: weight,
			Active:          true,
			LockedUntil:     now.Add(domain.ExpertiseLockDays * 24 * time.Hour),
			CreatedAt:       now,
		}
		if err := tx.InsertUserExpertise(ctx, ue); err != nil {
			return err
		}
		zc.CurrentWeight += weight
		zc.ActiveHustlers++
		zc.UpdatedAt = now
		if err := tx.UpdateCapacity(ctx, zc); err != nil {
			return err
		}
		out = &AddResult{Status: StatusAdmitted, Expertise: ue}
		return nil
	})
	if err != nil {
		s.metrics.RecordGate(domain.CodeOf(err))
		s.logChange(ctx, in.ExpertiseID, in.ZoneID, in.UserID, "add", domain.CodeOf(err), err.Error())
		return nil, err
	}
	s.metrics.RecordGate(string(out.Status))
	s.logChange(ctx, in.ExpertiseID, in.ZoneID, in.UserID, "add", string(out.Status), out.Reason)
	if out.Status == StatusWaitlisted {
		s.logger.Printf("⏳ waitlisted user=%s expertise=%s zone=%s pos=%d (%s)",
			in.UserID, in.ExpertiseID, in.ZoneID, out.Waitlist.Position, out.Reason)
	} else {
		s.logger.Printf("✅ admitted user=%s expertise=%s zone=%s slot=%s",
			in.UserID, in.ExpertiseID, in.ZoneID, in.Slot)
	}
	return out, nil
}

// RemoveExpertise soft-deletes a held slot and gives the capacity back. The
// decrement uses the row's effective (decayed) weight, not its nominal one,
// so a zone never loses more weight than the row actually occupies.
func (s *Service) RemoveExpertise(ctx context.Context, userID, expertiseID string) error {
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		ue, err := tx.GetActiveUserExpertise(ctx, userID, expertiseID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if ue.LockedUntil.After(now) {
			return domain.Ef(domain.CodeSupplyLocked,
				"slot locked until %s", ue.LockedUntil.Format(time.RFC3339))
		}
		ue.Active = false
		ue.RemovedAt = &now
		if err := tx.UpdateUserExpertise(ctx, ue); err != nil {
			return err
		}
		zc, err := tx.GetCapacityForUpdate(ctx, ue.ExpertiseID, ue.ZoneID)
		if err != nil {
			return err
		}
		zc.CurrentWeight -= ue.EffectiveWeight
		if zc.CurrentWeight < 0 {
			zc.CurrentWeight = 0
		}
		if zc.ActiveHustlers > 0 {
			zc.ActiveHustlers--
		}
		zc.UpdatedAt = now
		return tx.UpdateCapacity(ctx, zc)
	})
	outcome := "removed"
	if err != nil {
		outcome = domain.CodeOf(err)
	}
	s.logChange(ctx, expertiseID, "", userID, "remove", outcome, "")
	return err
}

// PromoteToPrimary swaps the secondary slot up and the current primary (if
// any) down in one transaction, reapplying a fresh 30-day lock to both rows.
// Decay factors survive the swap: a half-decayed 0.3 becomes a half-decayed
// 0.7.
func (s *Service) PromoteToPrimary(ctx context.Context, userID, expertiseID string) error {
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		active, err := tx.ListUserExpertises(ctx, userID, true)
		if err != nil {
			return err
		}
		var target, current *domain.UserExpertise
		for i := range active {
			switch {
			case active[i].ExpertiseID == expertiseID:
				target = &active[i]
			case active[i].Slot == domain.SlotPrimary:
				current = &active[i]
			}
		}
		if target == nil {
			return domain.E(domain.CodeNotFound, "no active slot for that expertise")
		}
		if target.Slot == domain.SlotPrimary {
			return domain.E(domain.CodeValidation, "slot is already primary")
		}
		now := time.Now().UTC()
		if target.LockedUntil.After(now) {
			return domain.Ef(domain.CodeSupplyLocked, "slot locked until %s", target.LockedUntil.Format(time.RFC3339))
		}
		if current != nil && current.LockedUntil.After(now) {
			return domain.Ef(domain.CodeSupplyLocked, "primary locked until %s", current.LockedUntil.Format(time.RFC3339))
		}
		lock := now.Add(domain.ExpertiseLockDays * 24 * time.Hour)
		if err := s.reslot(ctx, tx, target, domain.SlotPrimary, lock, now); err != nil {
			return err
		}
		if current != nil {
			if err := s.reslot(ctx, tx, current, domain.SlotSecondary, lock, now); err != nil {
				return err
			}
		}
		return nil
	})
	outcome := "promoted"
	if err != nil {
		outcome = domain.CodeOf(err)
	}
	s.logChange(ctx, expertiseID, "", userID, "promote", outcome, "")
	return err
}

// reslot moves one row to a new slot kind and charges the weight delta to the
// row's own capacity zone (primary and secondary may live in different zones).
func (s *Service) reslot(ctx context.Context, tx store.Store, ue *domain.UserExpertise, slot domain.SlotKind, lock, now time.Time) error {
	factor := 0.0
	if ue.SlotWeight > 0 {
		factor = ue.EffectiveWeight / ue.SlotWeight
	}
	newWeight := slot.Weight()
	newEffective := newWeight * factor
	delta := newEffective - ue.EffectiveWeight

	ue.Slot = slot
	ue.SlotWeight = newWeight
	ue.EffectiveWeight = newEffective
	ue.LockedUntil = lock
	if err := tx.UpdateUserExpertise(ctx, ue); err != nil {
		return err
	}
	zc, err := tx.GetCapacityForUpdate(ctx, ue.ExpertiseID, ue.ZoneID)
	if err != nil {
		return err
	}
	zc.CurrentWeight += delta
	if zc.CurrentWeight < 0 {
		zc.CurrentWeight = 0
	}
	zc.UpdatedAt = now
	return tx.UpdateCapacity(ctx, zc)
}

// ProcessWaitlist drains one (expertise, zone) queue in FIFO order while
// weight remains under the cap and the liquidity gate holds. Entries whose
// user meanwhile hit max-two are cancelled in place; the rest get a 48-hour
// invite plus a waitlist notification. Strict FIFO: when the head entry's
// weight no longer fits, processing stops rather than letting a lighter
// entry jump the queue.
func (s *Service) ProcessWaitlist(ctx context.Context, expertiseID, zoneID string) (invited int, err error) {
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		zc, err := tx.GetCapacityForUpdate(ctx, expertiseID, zoneID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		free := zc.EffectiveMax(now) - zc.CurrentWeight
		ratioOK := zc.ActiveHustlers == 0 || zc.LiquidityRatio >= zc.MinTaskToSupplyRatio
		if free <= 0 || !ratioOK {
			return nil
		}
		waiting, err := tx.ListWaitlist(ctx, expertiseID, zoneID, domain.WaitlistWaiting)
		if err != nil {
			return err
		}
		for i := range waiting {
			w := &waiting[i]
			weight := w.Slot.Weight()
			if weight > free {
				break
			}
			active, err := tx.ListUserExpertises(ctx, w.UserID, true)
			if err != nil {
				return err
			}
			if len(active) >= domain.MaxActiveExpertise {
				w.Status = domain.WaitlistCancelled
				w.Reason = "cancelled: user already holds two active expertises"
				w.UpdatedAt = now
				if err := tx.UpdateWaitlistEntry(ctx, w); err != nil {
					return err
				}
				continue
			}
			expires := now.Add(domain.WaitlistInviteHours * time.Hour)
			w.Status = domain.WaitlistInvited
			w.InviteExpiresAt = &expires
			w.UpdatedAt = now
			if err := tx.UpdateWaitlistEntry(ctx, w); err != nil {
				return err
			}
			if err := outbox.Append(ctx, tx, outbox.Event{
				EventType:     domain.EventWaitlistInvited,
				AggregateType: "waitlist_entry",
				AggregateID:   w.ID,
				Version:       1,
				Queue:         domain.QueueUserNotifications,
				Payload: InvitePayload{
					EntryID:     w.ID,
					UserID:      w.UserID,
					ExpertiseID: w.ExpertiseID,
					ZoneID:      w.ZoneID,
					ExpiresAt:   expires,
				},
			}); err != nil {
				return err
			}
			free -= weight
			invited++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if invited > 0 {
		s.metrics.Invites.Add(float64(invited))
		s.logger.Printf("📨 invited %d from waitlist expertise=%s zone=%s", invited, expertiseID, zoneID)
	}
	return invited, nil
}

// AcceptInvite converts an unexpired invite into an admission attempt. The
// gate still runs; a zone that filled up in the meantime re-waitlists the
// user at the tail.
func (s *Service) AcceptInvite(ctx context.Context, entryID, userID string) (*AddResult, error) {
	var entry *domain.WaitlistEntry
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		w, err := tx.GetWaitlistEntry(ctx, entryID)
		if err != nil {
			return err
		}
		if w.UserID != userID {
			return domain.E(domain.CodeForbidden, "invite belongs to another user")
		}
		if w.Status != domain.WaitlistInvited {
			return domain.Ef(domain.CodeInvalidState, "entry is %s, not invited", w.Status)
		}
		now := time.Now().UTC()
		if w.InviteExpiresAt != nil && w.InviteExpiresAt.Before(now) {
			return domain.E(domain.CodeInvalidState, "invite expired")
		}
		w.Status = domain.WaitlistAdmitted
		w.UpdatedAt = now
		if err := tx.UpdateWaitlistEntry(ctx, w); err != nil {
			return err
		}
		entry = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.AddExpertise(ctx, AddIn{
		UserID:      entry.UserID,
		ExpertiseID: entry.ExpertiseID,
		ZoneID:      entry.ZoneID,
		Slot:        entry.Slot,
	})
}

// ExpireInvites bulk-marks invites whose 48-hour window lapsed.
func (s *Service) ExpireInvites(ctx context.Context) (int, error) {
	n, err := s.store.ExpireWaitlistInvites(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Printf("expired %d stale waitlist invites", n)
	}
	return n, nil
}

// logChange writes one gate-audit row outside the admission transaction.
// Best-effort: a failed audit write never fails the gate.
func (s *Service) logChange(ctx context.Context, expertiseID, zoneID, userID, action, outcome, reason string) {
	err := s.store.InsertSupplyChange(ctx, &domain.SupplyChange{
		ID:          uuid.NewString(),
		ExpertiseID: expertiseID,
		ZoneID:      zoneID,
		UserID:      userID,
		Action:      action,
		Outcome:     outcome,
		Reason:      reason,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		s.logger.Printf("⚠️ change-log write failed (action=%s): %v", action, err)
	}
}
