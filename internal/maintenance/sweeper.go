// Package maintenance drives the time-based lifecycle sweeps: overdue task
// expiry, stale matching returns, proof review timeouts, dispute evidence
// timeouts, and correction auto-reversal. The supply recomputer owns its own
// schedule and is not swept from here.
package maintenance

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/sidegig/backend/internal/domain"
	"github.com/sidegig/backend/internal/outbox"
	"github.com/sidegig/backend/internal/store"
)

// Sweeper enqueues one maintenance.sweep row per interval window. The row's
// idempotency key is derived from the window number, so when several API
// instances tick in the same window only the first append lands and the
// sweep runs once across the fleet.
type Sweeper struct {
	store    store.TxStore
	interval time.Duration
	logger   *log.Logger
	stopCh   chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

func NewSweeper(s store.TxStore, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		store:    s,
		interval: interval,
		logger:   log.New(os.Stdout, "[SWEEP] ", log.LstdFlags),
		stopCh:   make(chan struct{}),
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Printf("maintenance sweeper started (every %s)", s.interval)
}

func (s *Sweeper) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	// Catch up on anything that came due while no instance was running.
	s.enqueue(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.enqueue(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// enqueue appends the sweep row for the current window. A duplicate key
// means another instance got there first, which is the point.
func (s *Sweeper) enqueue(ctx context.Context) {
	window := int(time.Now().Unix() / int64(s.interval.Seconds()))
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		return outbox.Append(ctx, tx, outbox.Event{
			EventType:     domain.EventMaintenanceSweep,
			AggregateType: "sweeper",
			AggregateID:   "sweeper",
			Version:       window,
			Queue:         domain.QueueMaintenance,
			Payload:       map[string]int{"window": window},
		})
	})
	if err != nil {
		if domain.CodeOf(err) == domain.CodeHXOutboxKeyDuplicate {
			return
		}
		s.logger.Printf("enqueue sweep: %v", err)
	}
}
