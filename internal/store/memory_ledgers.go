package store

import (
	"context"
	"sort"
	"time"

	"github.com/sidegig/backend/internal/domain"
)

// ---- proofs ----

func (m *Memory) CreateProof(ctx context.Context, p *domain.Proof) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	cp.Photos = nil
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.d.proofs[cp.ID] = cp
	return nil
}

func (m *Memory) GetProof(ctx context.Context, id string) (*domain.Proof, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.d.proofs[id]
	if !ok {
		return nil, domain.E(domain.CodeNotFound, "proof not found")
	}
	cp := p
	return &cp, nil
}

func (m *Memory) GetProofForUpdate(ctx context.Context, id string) (*domain.Proof, error) {
	return m.GetProof(ctx, id)
}

func (m *Memory) GetProofByTask(ctx context.Context, taskID string) (*domain.Proof, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *domain.Proof
	for _, p := range m.d.proofs {
		if p.TaskID != taskID {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			cp := p
			latest = &cp
		}
	}
	if latest == nil {
		return nil, domain.E(domain.CodeNotFound, "proof not found")
	}
	return latest, nil
}

func (m *Memory) UpdateProof(ctx context.Context, p *domain.Proof) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.d.proofs[p.ID]; !ok {
		return domain.E(domain.CodeNotFound, "proof not found")
	}
	cp := *p
	cp.Photos = nil
	m.d.proofs[cp.ID] = cp
	return nil
}

func (m *Memory) AddProofPhotos(ctx context.Context, photos []domain.ProofPhoto) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ph := range photos {
		m.d.photos[ph.ProofID] = append(m.d.photos[ph.ProofID], ph)
	}
	return nil
}

func (m *Memory) ListProofPhotos(ctx context.Context, proofID string) ([]domain.ProofPhoto, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]domain.ProofPhoto(nil), m.d.photos[proofID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *Memory) ListSubmittedProofsBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Proof, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Proof
	for _, p := range m.d.proofs {
		if p.State == domain.ProofSubmitted && p.SubmittedAt != nil && p.SubmittedAt.Before(cutoff) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(*out[j].SubmittedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- disputes ----

func (m *Memory) CreateDispute(ctx context.Context, d *domain.Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	cp.Version = 1
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = cp.CreatedAt
	m.d.disputes[cp.ID] = cp
	d.Version = 1
	return nil
}

func (m *Memory) GetDispute(ctx context.Context, id string) (*domain.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.d.disputes[id]
	if !ok {
		return nil, domain.E(domain.CodeNotFound, "dispute not found")
	}
	cp := d
	return &cp, nil
}

func (m *Memory) GetDisputeForUpdate(ctx context.Context, id string) (*domain.Dispute, error) {
	return m.GetDispute(ctx, id)
}

func (m *Memory) UpdateDispute(ctx context.Context, d *domain.Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.d.disputes[d.ID]
	if !ok {
		return domain.E(domain.CodeNotFound, "dispute not found")
	}
	if cur.Version != d.Version {
		return domain.Ef(domain.CodeConflict, "dispute %s version %d is stale", d.ID, d.Version)
	}
	cp := *d
	cp.Version = cur.Version + 1
	cp.CreatedAt = cur.CreatedAt
	cp.UpdatedAt = time.Now().UTC()
	m.d.disputes[cp.ID] = cp
	d.Version = cp.Version
	return nil
}

func (m *Memory) ListEvidenceRequestedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Dispute
	for _, d := range m.d.disputes {
		if d.State == domain.DisputeEvidenceRequested && d.EvidenceDeadline != nil && d.EvidenceDeadline.Before(cutoff) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EvidenceDeadline.Before(*out[j].EvidenceDeadline) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- ledgers ----

func (m *Memory) InsertXPEntry(ctx context.Context, e *domain.XPEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// The escrow must already be in a released-like state.
	esc, ok := m.d.escrows[e.EscrowID]
	if !ok || !esc.State.ReleasedLike() {
		return domain.E(domain.CodeHXXPRequiresReleased, "xp requires released escrow")
	}
	// At most one XP row per escrow.
	for _, existing := range m.d.xp {
		if existing.EscrowID == e.EscrowID {
			return domain.E(domain.CodeHXXPDuplicate, "duplicate xp entry for escrow")
		}
	}
	cp := *e
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.d.xp = append(m.d.xp, cp)
	return nil
}

func (m *Memory) ListXPEntries(ctx context.Context, userID string) ([]domain.XPEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.XPEntry
	for _, e := range m.d.xp {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CountXPEntriesToday(ctx context.Context, userID string, dayStart time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.d.xp {
		if e.UserID == userID && !e.CreatedAt.Before(dayStart) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) InsertTrustEntry(ctx context.Context, e *domain.TrustEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.d.trustKeys[e.IdempotencyKey] {
		return false, nil
	}
	cp := *e
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.d.trust = append(m.d.trust, cp)
	m.d.trustKeys[cp.IdempotencyKey] = true
	return true, nil
}

func (m *Memory) ListTrustEntries(ctx context.Context, userID string) ([]domain.TrustEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TrustEntry
	for _, e := range m.d.trust {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CountCompletedTasks(ctx context.Context, workerID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.d.tasks {
		if t.WorkerID != nil && *t.WorkerID == workerID && t.State == domain.TaskCompleted {
			n++
		}
	}
	return n, nil
}

func (m *Memory) InsertRevenueEntry(ctx context.Context, e *domain.RevenueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.d.revenue = append(m.d.revenue, cp)
	return nil
}

func (m *Memory) ListRevenueEntries(ctx context.Context, eventType domain.RevenueEventType) ([]domain.RevenueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.RevenueEntry
	for _, e := range m.d.revenue {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ---- outbox ----

func (m *Memory) InsertOutboxEvent(ctx context.Context, ev *domain.OutboxEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// One row per idempotency key, ever.
	if m.d.outboxKeys[ev.IdempotencyKey] {
		return domain.Ef(domain.CodeHXOutboxKeyDuplicate, "outbox key %s already used", ev.IdempotencyKey)
	}
	cp := *ev
	cp.Status = domain.OutboxPending
	cp.Attempts = 0
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.d.outbox[cp.ID] = cp
	m.d.outboxKeys[cp.IdempotencyKey] = true
	return nil
}

func (m *Memory) SelectPendingOutbox(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var out []domain.OutboxEvent
	for _, ev := range m.d.outbox {
		if ev.Status != domain.OutboxPending {
			continue
		}
		// Rows inside their retry horizon stay invisible to the poller.
		if ev.NextRetryAt != nil && ev.NextRetryAt.After(now) {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkOutboxEnqueued(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, id := range ids {
		ev, ok := m.d.outbox[id]
		if !ok {
			continue
		}
		ev.Status = domain.OutboxEnqueued
		ev.EnqueuedAt = &now
		m.d.outbox[id] = ev
	}
	return nil
}

func (m *Memory) MarkOutboxProcessed(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.d.outbox[id]
	if !ok {
		return domain.E(domain.CodeNotFound, "outbox event not found")
	}
	now := time.Now().UTC()
	ev.Status = domain.OutboxProcessed
	ev.ProcessedAt = &now
	m.d.outbox[id] = ev
	return nil
}

func (m *Memory) RecordOutboxFailure(ctx context.Context, id string, lastErr string, terminal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.d.outbox[id]
	if !ok {
		return domain.E(domain.CodeNotFound, "outbox event not found")
	}
	retryAt := time.Now().UTC().Add(domain.OutboxRetryDelay(ev.Attempts))
	ev.Attempts++
	ev.LastError = &lastErr
	if terminal {
		ev.Status = domain.OutboxFailed
		ev.NextRetryAt = nil
	} else {
		ev.Status = domain.OutboxPending
		ev.EnqueuedAt = nil
		ev.NextRetryAt = &retryAt
	}
	m.d.outbox[id] = ev
	return nil
}

func (m *Memory) RequeueStaleEnqueued(ctx context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, ev := range m.d.outbox {
		if ev.Status == domain.OutboxEnqueued && ev.EnqueuedAt != nil && ev.EnqueuedAt.Before(olderThan) {
			ev.Status = domain.OutboxPending
			ev.EnqueuedAt = nil
			m.d.outbox[id] = ev
			n++
		}
	}
	return n, nil
}

func (m *Memory) RequeueOutboxByKey(ctx context.Context, idempotencyKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ev := range m.d.outbox {
		if ev.IdempotencyKey == idempotencyKey {
			ev.Status = domain.OutboxPending
			ev.Attempts = 0
			ev.LastError = nil
			ev.NextRetryAt = nil
			ev.EnqueuedAt = nil
			ev.ProcessedAt = nil
			m.d.outbox[id] = ev
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) GetOutboxEvent(ctx context.Context, id string) (*domain.OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.d.outbox[id]
	if !ok {
		return nil, domain.E(domain.CodeNotFound, "outbox event not found")
	}
	cp := ev
	return &cp, nil
}

func (m *Memory) ListOutboxByAggregate(ctx context.Context, aggregateID string) ([]domain.OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OutboxEvent
	for _, ev := range m.d.outbox {
		if ev.AggregateID == aggregateID {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ---- payments ----

func (m *Memory) InsertStripeEvent(ctx context.Context, ev *domain.StripeEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.d.stripeEvents[ev.ID]; seen {
		return false, nil
	}
	cp := *ev
	if cp.ReceivedAt.IsZero() {
		cp.ReceivedAt = time.Now().UTC()
	}
	m.d.stripeEvents[cp.ID] = cp
	return true, nil
}

func (m *Memory) GetStripeEvent(ctx context.Context, id string) (*domain.StripeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.d.stripeEvents[id]
	if !ok {
		return nil, domain.E(domain.CodeNotFound, "stripe event not found")
	}
	cp := ev
	return &cp, nil
}

func (m *Memory) InsertEffectRecord(ctx context.Context, providerEventID, effectKind string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := providerEventID + "|" + effectKind
	if m.d.effects[key] {
		return false, nil
	}
	m.d.effects[key] = true
	return true, nil
}
