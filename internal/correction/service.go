// Package correction applies bounded, reversible, auto-expiring non-financial
// adjustments and judges whether they actually moved anything. A hard wall
// keeps the engine away from money and trust; hourly budgets bound blast
// radius per scope; the causal analyzer flips safe-mode when too many applied
// corrections turn out to be noise.
package correction

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sidegig/backend/internal/domain"
	"github.com/sidegig/backend/internal/outbox"
	"github.com/sidegig/backend/internal/store"
)

// walledEntities are target entities the engine must never adjust, no matter
// what the budget says. Checked before anything else.
var walledEntities = map[string]bool{
	"escrow":      true,
	"payout":      true,
	"payment":     true,
	"dispute":     true,
	"trust":       true,
	"revenue":     true,
	"xp":          true,
	"kill_switch": true,
	"safe_mode":   true,
}

var knownTypes = map[domain.CorrectionType]bool{
	domain.CorrectionTaskRouting: true,
	domain.CorrectionFriction:    true,
	domain.CorrectionSupplyHint:  true,
	domain.CorrectionVisibility:  true,
}

type Service struct {
	store   store.TxStore
	metrics *Metrics
	logger  *log.Logger
}

func NewService(s store.TxStore) *Service {
	return &Service{
		store:   s,
		metrics: NewMetrics(),
		logger:  log.New(os.Stdout, "[CORRECTION] ", log.LstdFlags),
	}
}

type ApplyIn struct {
	Type         domain.CorrectionType
	TargetEntity string
	TargetID     string
	Adjustment   map[string]interface{}
	PriorValue   map[string]interface{}
	ReasonCode   string
	Scope        domain.CorrectionScope
	CityID       string
	ZoneID       string
	Category     string
	TTL          time.Duration
}

// ApplyResult distinguishes a real apply from a safe-mode no-op; callers in
// safe mode get Skipped=true and no correction row.
type ApplyResult struct {
	Skipped    bool               `json:"skipped"`
	Reason     string             `json:"reason,omitempty"`
	Correction *domain.Correction `json:"correction,omitempty"`
}

// EventPayload rides correction.applied, correction.reversed and
// correction.expired. PriorValue travels on reversal events so downstream
// consumers can restore what the correction displaced.
type EventPayload struct {
	CorrectionID string                 `json:"correction_id"`
	Type         domain.CorrectionType  `json:"type"`
	TargetEntity string                 `json:"target_entity"`
	TargetID     string                 `json:"target_id"`
	Adjustment   map[string]interface{} `json:"adjustment,omitempty"`
	PriorValue   map[string]interface{} `json:"prior_value,omitempty"`
	ReasonCode   string                 `json:"reason_code,omitempty"`
	ExpiresAt    time.Time              `json:"expires_at"`
}

type budgetDim struct {
	scope domain.CorrectionScope
	id    string
}

// dims returns every budget dimension this correction counts against: global
// always, plus each narrower scope that is actually set.
func dims(in ApplyIn) []budgetDim {
	out := []budgetDim{{scope: domain.ScopeGlobal}}
	if in.CityID != "" {
		out = append(out, budgetDim{scope: domain.ScopeCity, id: in.CityID})
	}
	if in.ZoneID != "" {
		out = append(out, budgetDim{scope: domain.ScopeZone, id: in.ZoneID})
	}
	if in.Category != "" {
		out = append(out, budgetDim{scope: domain.ScopeCategory, id: in.Category})
	}
	return out
}

// Apply runs the wall check, the safe-mode check, and the budget consult, and
// only then writes the correction plus its audit event. The pre-check against
// budgets is read-only; consumption happens atomically inside the same
// transaction as the insert, and a lost race rolls everything back.
func (s *Service) Apply(ctx context.Context, in ApplyIn) (*ApplyResult, error) {
	if !knownTypes[in.Type] {
		return nil, domain.Ef(domain.CodeValidation, "unknown correction type %q", in.Type)
	}
	if in.TargetEntity == "" || in.TargetID == "" {
		return nil, domain.E(domain.CodeValidation, "correction needs a target")
	}
	entity := strings.ToLower(strings.TrimSuffix(in.TargetEntity, "s"))
	if walledEntities[entity] {
		s.metrics.RecordApply("wall_rejected")
		return nil, domain.Ef(domain.CodeForbidden, "corrections must never touch %s", entity)
	}

	safe, err := s.store.GetSafeMode(ctx)
	if err != nil {
		return nil, err
	}
	if safe {
		s.metrics.RecordApply("skipped_safe_mode")
		s.logger.Printf("🛑 safe mode on, skipping %s correction for %s/%s", in.Type, in.TargetEntity, in.TargetID)
		return &ApplyResult{Skipped: true, Reason: "safe mode active"}, nil
	}

	// An exhausted budget is a throttle, not a failure: callers get a no-op
	// success carrying the typed marker, mirroring the safe-mode shape.
	now := time.Now().UTC()
	window := now.Truncate(time.Hour)
	for _, d := range dims(in) {
		used, err := s.store.GetBudgetUsage(ctx, d.scope, d.id, window)
		if err != nil {
			return nil, err
		}
		if used >= domain.CorrectionBudgets[d.scope] {
			s.metrics.RecordApply("budget_exhausted")
			return &ApplyResult{Skipped: true, Reason: budgetReason(d.scope, used)}, nil
		}
	}

	ttl := in.TTL
	if ttl <= 0 || ttl > domain.CorrectionMaxTTL {
		ttl = domain.CorrectionMaxTTL
	}
	c := &domain.Correction{
		ID:           uuid.NewString(),
		Type:         in.Type,
		TargetEntity: in.TargetEntity,
		TargetID:     in.TargetID,
		Adjustment:   in.Adjustment,
		PriorValue:   in.PriorValue,
		ReasonCode:   in.ReasonCode,
		Scope:        in.Scope,
		CityID:       in.CityID,
		ZoneID:       in.ZoneID,
		Category:     in.Category,
		ExpiresAt:    now.Add(ttl),
		AppliedAt:    now,
		CreatedAt:    now,
	}
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		for _, d := range dims(in) {
			post, err := tx.ConsumeBudget(ctx, d.scope, d.id, window)
			if err != nil {
				return err
			}
			if post > domain.CorrectionBudgets[d.scope] {
				return domain.Ef(domain.CodeBudgetExhausted,
					"%s budget exhausted for this hour (%d/%d)", d.scope, post, domain.CorrectionBudgets[d.scope])
			}
		}
		if err := tx.InsertCorrection(ctx, c); err != nil {
			return err
		}
		return outbox.Append(ctx, tx, outbox.Event{
			EventType:     domain.EventCorrectionApplied,
			AggregateType: "correction",
			AggregateID:   c.ID,
			Version:       1,
			Queue:         domain.QueueMaintenance,
			Payload:       payloadFor(c),
		})
	})
	if err != nil {
		// The in-tx recheck rolls the whole apply back when a concurrent
		// writer drained the window first; surface the same no-op marker as
		// the read-only check.
		if domain.IsCode(err, domain.CodeBudgetExhausted) {
			s.metrics.RecordApply("budget_exhausted")
			reason := "budget exhausted"
			var de *domain.Error
			if errors.As(err, &de) {
				reason = de.Message
			}
			return &ApplyResult{Skipped: true, Reason: reason}, nil
		}
		return nil, err
	}
	s.metrics.RecordApply("applied")
	s.logger.Printf("applied %s correction %s to %s/%s (expires %s)",
		c.Type, c.ID, c.TargetEntity, c.TargetID, c.ExpiresAt.Format(time.RFC3339))
	return &ApplyResult{Correction: c}, nil
}

// Reverse restores the prior adjustment and emits the audit event. Reversing
// twice is an error; expiry uses the same path and wins the same way.
func (s *Service) Reverse(ctx context.Context, id string) (*domain.Correction, error) {
	var out *domain.Correction
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		c, err := tx.GetCorrection(ctx, id)
		if err != nil {
			return err
		}
		if c.Reversed {
			return domain.E(domain.CodeInvalidState, "correction already reversed")
		}
		now := time.Now().UTC()
		c.Reversed = true
		c.ReversedAt = &now
		if err := tx.UpdateCorrection(ctx, c); err != nil {
			return err
		}
		out = c
		return outbox.Append(ctx, tx, outbox.Event{
			EventType:     domain.EventCorrectionReversed,
			AggregateType: "correction",
			AggregateID:   c.ID,
			Version:       2,
			Queue:         domain.QueueMaintenance,
			Payload:       payloadFor(c),
		})
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Reversals.Inc()
	s.logger.Printf("reversed correction %s, prior value restored", id)
	return out, nil
}

// ExpireDue sweeps corrections past their expires_at and auto-reverses each
// one. Any single failure skips that row and keeps sweeping.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	due, err := s.store.ListCorrectionsExpiring(ctx, time.Now().UTC(), 200)
	if err != nil {
		return 0, err
	}
	expired := 0
	for i := range due {
		id := due[i].ID
		err := s.store.WithTx(ctx, func(tx store.Store) error {
			c, err := tx.GetCorrection(ctx, id)
			if err != nil {
				return err
			}
			if c.Reversed {
				return nil
			}
			now := time.Now().UTC()
			c.Reversed = true
			c.ReversedAt = &now
			if err := tx.UpdateCorrection(ctx, c); err != nil {
				return err
			}
			return outbox.Append(ctx, tx, outbox.Event{
				EventType:     domain.EventCorrectionExpired,
				AggregateType: "correction",
				AggregateID:   c.ID,
				Version:       2,
				Queue:         domain.QueueMaintenance,
				Payload:       payloadFor(c),
			})
		})
		if err != nil {
			s.logger.Printf("⚠️ expiry failed for correction %s: %v", id, err)
			continue
		}
		expired++
	}
	if expired > 0 {
		s.metrics.Expirations.Add(float64(expired))
		s.logger.Printf("expired %d corrections", expired)
	}
	return expired, nil
}

// SetSafeMode flips the kill switch by operator policy; the analyzer uses the
// same store call when the verdict stream goes bad.
func (s *Service) SetSafeMode(ctx context.Context, on bool, reason string) error {
	if err := s.store.SetSafeMode(ctx, on, reason); err != nil {
		return err
	}
	s.metrics.SafeMode.Set(boolGauge(on))
	s.logger.Printf("safe mode → %t (%s)", on, reason)
	return nil
}

func payloadFor(c *domain.Correction) EventPayload {
	return EventPayload{
		CorrectionID: c.ID,
		Type:         c.Type,
		TargetEntity: c.TargetEntity,
		TargetID:     c.TargetID,
		Adjustment:   c.Adjustment,
		PriorValue:   c.PriorValue,
		ReasonCode:   c.ReasonCode,
		ExpiresAt:    c.ExpiresAt,
	}
}

func budgetReason(scope domain.CorrectionScope, used int) string {
	return fmt.Sprintf("%s budget exhausted for this hour (%d/%d)",
		scope, used, domain.CorrectionBudgets[scope])
}

func boolGauge(on bool) float64 {
	if on {
		return 1
	}
	return 0
}
