package supply

import (
	"context"
	"log"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/sidegig/backend/internal/domain"
	"github.com/sidegig/backend/internal/store"
)

// RecomputeZone refreshes one capacity row: per-slot activity decay, weight
// and hustler counters rebuilt from the surviving rows, 7-day demand figures,
// both ratios, and the auto-expansion grant. Idempotent; safe to run as often
// as wanted.
func (s *Service) RecomputeZone(ctx context.Context, expertiseID, zoneID string) error {
	return s.store.WithTx(ctx, func(tx store.Store) error {
		exp, err := tx.GetExpertise(ctx, expertiseID)
		if err != nil {
			return err
		}
		zc, err := tx.GetCapacityForUpdate(ctx, expertiseID, zoneID)
		if err != nil {
			return err
		}
		rows, err := tx.ListActiveExpertiseRows(ctx, expertiseID, zoneID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()

		totalWeight := 0.0
		activeHustlers := 0
		for i := range rows {
			ue := &rows[i]
			effective := ue.SlotWeight * decayFactor(ue, now)
			if effective != ue.EffectiveWeight {
				ue.EffectiveWeight = effective
				if err := tx.UpdateUserExpertise(ctx, ue); err != nil {
					return err
				}
			}
			totalWeight += effective
			// A fully decayed row keeps its slot but no longer counts as
			// supply; otherwise a zone of ghosts would block the empty-zone
			// bypass on the ratio gate.
			if effective > 0 {
				activeHustlers++
			}
		}

		open, completed, err := tx.CountZoneTasks(ctx, zoneID, exp.Category, now.AddDate(0, 0, -7))
		if err != nil {
			return err
		}
		zc.CurrentWeight = totalWeight
		zc.ActiveHustlers = activeHustlers
		zc.OpenTasks7d = open
		zc.CompletedTasks7d = completed
		if totalWeight > 0 {
			zc.LiquidityRatio = float64(completed) / totalWeight
			zc.OpenRatio = float64(open) / totalWeight
		} else {
			zc.LiquidityRatio = 0
			zc.OpenRatio = 0
		}

		// Auto-expansion: a starved zone (slow accepts on a real sample)
		// earns a temporary +10% cap. An expired grant is cleared here.
		delays, err := tx.ListAcceptDelays(ctx, zoneID, exp.Category, now.AddDate(0, 0, -domain.AutoExpandWindowDays))
		if err != nil {
			return err
		}
		if len(delays) >= domain.AutoExpandMinSample && p95(delays) > domain.AutoExpandP95Hours*time.Hour {
			expires := now.AddDate(0, 0, domain.AutoExpandDays)
			zc.AutoExpandPct = domain.AutoExpandPct
			zc.AutoExpandExpiresAt = &expires
			s.metrics.AutoExpansions.Inc()
			s.logger.Printf("📈 auto-expand expertise=%s zone=%s p95=%s n=%d",
				expertiseID, zoneID, p95(delays).Round(time.Minute), len(delays))
		} else if zc.AutoExpandExpiresAt != nil && !zc.AutoExpandExpiresAt.After(now) {
			zc.AutoExpandPct = 0
			zc.AutoExpandExpiresAt = nil
		}

		zc.UpdatedAt = now
		if err := tx.UpdateCapacity(ctx, zc); err != nil {
			return err
		}
		s.metrics.ObserveZone(expertiseID, zoneID, zc)
		return nil
	})
}

// RecomputeAll walks every capacity row, recomputes it, then drains its
// waitlist. One broken zone does not stop the rest.
func (s *Service) RecomputeAll(ctx context.Context) error {
	caps, err := s.store.ListCapacities(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, zc := range caps {
		if err := s.RecomputeZone(ctx, zc.ExpertiseID, zc.ZoneID); err != nil {
			s.logger.Printf("⚠️ recompute failed expertise=%s zone=%s: %v", zc.ExpertiseID, zc.ZoneID, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if _, err := s.ProcessWaitlist(ctx, zc.ExpertiseID, zc.ZoneID); err != nil {
			s.logger.Printf("⚠️ waitlist drain failed expertise=%s zone=%s: %v", zc.ExpertiseID, zc.ZoneID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// decayFactor maps inactivity to a weight multiplier. Rows with an accepted
// task decay against that instant and zero out after 30 idle days; rows that
// never accepted one decay against their creation but only ever halve, so a
// slow-starting hustler keeps a reduced slot instead of vanishing.
func decayFactor(ue *domain.UserExpertise, now time.Time) float64 {
	if ue.LastTaskAcceptedAt != nil {
		idle := now.Sub(*ue.LastTaskAcceptedAt)
		switch {
		case idle >= domain.DecayZeroAfterDays*24*time.Hour:
			return 0
		case idle >= domain.DecayHalfAfterDays*24*time.Hour:
			return 0.5
		default:
			return 1
		}
	}
	if now.Sub(ue.CreatedAt) >= domain.DecayHalfAfterDays*24*time.Hour {
		return 0.5
	}
	return 1
}

// p95 is the nearest-rank 95th percentile.
func p95(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(ds))
	copy(sorted, ds)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	rank := int(math.Ceil(0.95*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	return sorted[rank]
}

// Recomputer drives RecomputeAll plus invite expiry on a fixed interval.
type Recomputer struct {
	svc      *Service
	interval time.Duration
	logger   *log.Logger
	stopCh   chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

func NewRecomputer(svc *Service, interval time.Duration) *Recomputer {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Recomputer{
		svc:      svc,
		interval: interval,
		logger:   log.New(os.Stdout, "[SUPPLY] ", log.LstdFlags),
		stopCh:   make(chan struct{}),
	}
}

func (r *Recomputer) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Printf("recompute scheduler started (every %s)", r.interval)
}

func (r *Recomputer) Stop() {
	r.once.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Recomputer) loop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := r.svc.ExpireInvites(ctx); err != nil {
				r.logger.Printf("⚠️ invite expiry failed: %v", err)
			}
			if err := r.svc.RecomputeAll(ctx); err != nil {
				r.logger.Printf("⚠️ recompute pass finished with errors: %v", err)
			}
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}
