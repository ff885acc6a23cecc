package outbox

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/sidegig/backend/internal/domain"
	"github.com/sidegig/backend/internal/store"
)

const (
	handlerTimeout  = 30 * time.Second
	staleAfter      = 5 * time.Minute
	staleSweepEvery = time.Minute
)

// Mirror receives every successfully processed row. The analytics stream
// hangs off this hook so handlers stay unaware of it.
type Mirror interface {
	MirrorEvent(ev domain.OutboxEvent)
}

// Dispatcher polls pending outbox rows and routes them to per-queue worker
// pools. Delivery is at least once: a crash after enqueue but before the
// handler commits leaves the row stale, and the sweep re-pends it.
type Dispatcher struct {
	store       store.TxStore
	registry    *Registry
	metrics     *Metrics
	logger      *log.Logger
	mirror      Mirror
	poll        time.Duration
	batch       int
	maxAttempts int

	queues map[domain.Queue]chan domain.OutboxEvent
	wg     sync.WaitGroup
	stopCh chan struct{}
	once   sync.Once
}

func NewDispatcher(s store.TxStore, registry *Registry, poll time.Duration, batch, maxAttempts int) *Dispatcher {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	if batch <= 0 {
		batch = 100
	}
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	d := &Dispatcher{
		store:       s,
		registry:    registry,
		metrics:     NewMetrics(),
		logger:      log.New(log.Writer(), "[OUTBOX] ", log.LstdFlags),
		poll:        poll,
		batch:       batch,
		maxAttempts: maxAttempts,
		queues:      make(map[domain.Queue]chan domain.OutboxEvent),
		stopCh:      make(chan struct{}),
	}
	for _, q := range domain.Queues {
		d.queues[q] = make(chan domain.OutboxEvent, 2*batch)
	}
	return d
}

// SetMirror attaches the analytics mirror. Call before Start.
func (d *Dispatcher) SetMirror(m Mirror) {
	d.mirror = m
}

// Start launches the poll loop and the queue worker pools.
func (d *Dispatcher) Start(ctx context.Context) {
	for _, q := range domain.Queues {
		n := Concurrency[q]
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			d.wg.Add(1)
			go d.worker(ctx, q)
		}
	}

	d.wg.Add(1)
	go d.pollLoop(ctx)
}

// Shutdown stops polling, drains the queue channels, and waits for in-flight
// handlers to finish.
func (d *Dispatcher) Shutdown() {
	d.once.Do(func() {
		close(d.stopCh)
	})
	d.wg.Wait()
}

func (d *Dispatcher) pollLoop(ctx context.Context) {
	defer d.wg.Done()
	defer func() {
		for _, ch := range d.queues {
			close(ch)
		}
	}()

	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()
	sweep := time.NewTicker(staleSweepEvery)
	defer sweep.Stop()

	// Recover rows a previous process left enqueued.
	d.requeueStale(ctx)

	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-sweep.C:
			d.requeueStale(ctx)
		case <-ticker.C:
			if err := d.pollOnce(ctx); err != nil {
				d.logger.Printf("poll failed: %v", err)
			}
		}
	}
}

// pollOnce claims one batch inside a transaction (SKIP LOCKED on Postgres)
// and fans the rows out to their queue channels.
func (d *Dispatcher) pollOnce(ctx context.Context) error {
	var claimed []domain.OutboxEvent
	err := d.store.WithTx(ctx, func(s store.Store) error {
		batch, err := s.SelectPendingOutbox(ctx, d.batch)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		ids := make([]string, len(batch))
		for i, ev := range batch {
			ids[i] = ev.ID
		}
		if err := s.MarkOutboxEnqueued(ctx, ids); err != nil {
			return err
		}
		claimed = batch
		return nil
	})
	if err != nil {
		return err
	}

	for _, ev := range claimed {
		ch, ok := d.queues[ev.Queue]
		if !ok {
			// Unknown queue is a writer bug; park the row.
			d.fail(ctx, ev, "unknown queue "+string(ev.Queue), true)
			continue
		}
		select {
		case ch <- ev:
			d.metrics.Dispatched.WithLabelValues(string(ev.Queue)).Inc()
		case <-d.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

func (d *Dispatcher) requeueStale(ctx context.Context) {
	n, err := d.store.RequeueStaleEnqueued(ctx, time.Now().Add(-staleAfter))
	if err != nil {
		d.logger.Printf("requeue stale failed: %v", err)
		return
	}
	if n > 0 {
		d.metrics.Requeued.Add(float64(n))
		d.logger.Printf("requeued %d stale outbox rows", n)
	}
}

func (d *Dispatcher) worker(ctx context.Context, q domain.Queue) {
	defer d.wg.Done()
	for ev := range d.queues[q] {
		d.handle(ctx, ev)
	}
}

func (d *Dispatcher) handle(ctx context.Context, ev domain.OutboxEvent) {
	handlers := d.registry.Handlers(ev.EventType)
	if len(handlers) == 0 {
		d.fail(ctx, ev, "no handler for "+ev.EventType, true)
		return
	}

	hctx, cancel := context.WithTimeout(ctx, handlerTimeout)
	start := time.Now()
	var err error
	for _, h := range handlers {
		if err = h(hctx, ev); err != nil {
			break
		}
	}
	cancel()
	d.metrics.HandlerDuration.WithLabelValues(string(ev.Queue)).Observe(time.Since(start).Seconds())

	if err == nil {
		if err := d.store.MarkOutboxProcessed(ctx, ev.ID); err != nil {
			d.logger.Printf("mark processed %s: %v", ev.ID, err)
		}
		d.metrics.Processed.WithLabelValues(string(ev.Queue), ev.EventType).Inc()
		if d.mirror != nil {
			d.mirror.MirrorEvent(ev)
		}
		return
	}

	// Poison rows park immediately; retryable failures re-pend behind an
	// exponential retry horizon the store computes from the attempt count.
	terminal := !domain.Retryable(err) || ev.Attempts+1 >= d.maxAttempts
	d.fail(ctx, ev, err.Error(), terminal)
}

func (d *Dispatcher) fail(ctx context.Context, ev domain.OutboxEvent, msg string, terminal bool) {
	disposition := "retry"
	if terminal {
		disposition = "poison"
		d.logger.Printf("event %s (%s) parked after %d attempts: %s", ev.ID, ev.EventType, ev.Attempts+1, msg)
	}
	d.metrics.Failed.WithLabelValues(string(ev.Queue), disposition).Inc()
	if err := d.store.RecordOutboxFailure(ctx, ev.ID, msg, terminal); err != nil {
		d.logger.Printf("record failure %s: %v", ev.ID, err)
	}
}
