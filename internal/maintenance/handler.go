package maintenance

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/sidegig/backend/internal/correction"
	"github.com/sidegig/backend/internal/dispute"
	"github.com/sidegig/backend/internal/domain"
	"github.com/sidegig/backend/internal/outbox"
	"github.com/sidegig/backend/internal/proof"
	"github.com/sidegig/backend/internal/task"
)

const sweepBatch = 200

// Handler runs the sweeps when a maintenance.sweep row dispatches. Every
// sweep is idempotent, so a retried row just finds less to do.
type Handler struct {
	tasks       *task.Service
	proofs      *proof.Service
	disputes    *dispute.Service
	corrections *correction.Service
	metrics     *Metrics
	logger      *log.Logger
}

func NewHandler(tasks *task.Service, proofs *proof.Service, disputes *dispute.Service, corrections *correction.Service) *Handler {
	return &Handler{
		tasks:       tasks,
		proofs:      proofs,
		disputes:    disputes,
		corrections: corrections,
		metrics:     NewMetrics(),
		logger:      log.New(os.Stdout, "[SWEEP] ", log.LstdFlags),
	}
}

// RegisterHandler binds the sweep to the dispatcher.
func RegisterHandler(r *outbox.Registry, h *Handler) {
	r.Register(domain.EventMaintenanceSweep, h.HandleSweep)
}

// HandleSweep runs every sweep even when one fails; the first error comes
// back so the dispatcher retries the row, and the sweeps that already ran
// no-op on the retry.
func (h *Handler) HandleSweep(ctx context.Context, ev domain.OutboxEvent) error {
	now := time.Now().UTC()
	jobs := []struct {
		kind string
		run  func() (int, error)
	}{
		{"tasks_expired", func() (int, error) { return h.tasks.ExpireOverdue(ctx, now, sweepBatch) }},
		{"matching_returned", func() (int, error) { return h.tasks.ReturnStaleMatching(ctx, now, sweepBatch) }},
		{"proofs_expired", func() (int, error) { return h.proofs.ExpireStale(ctx, now, sweepBatch) }},
		{"evidence_returned", func() (int, error) { return h.disputes.ReturnExpiredEvidence(ctx, now, sweepBatch) }},
		{"corrections_reversed", func() (int, error) { return h.corrections.ExpireDue(ctx) }},
	}

	var firstErr error
	var parts []string
	for _, j := range jobs {
		n, err := j.run()
		if err != nil {
			h.logger.Printf("⚠️ %s sweep failed: %v", j.kind, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		h.metrics.Swept.WithLabelValues(j.kind).Add(float64(n))
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", j.kind, n))
		}
	}
	h.metrics.Runs.Inc()
	if len(parts) > 0 {
		h.logger.Printf("sweep %s: %s", ev.ID, strings.Join(parts, " "))
	}
	return firstErr
}
