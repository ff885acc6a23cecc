package store

import (
	"context"
	"sort"
	"time"

	"github.com/sidegig/backend/internal/domain"
)

func capKey(expertiseID, zoneID string) string { return expertiseID + "|" + zoneID }

// ---- supply ----

func (m *Memory) GetExpertise(ctx context.Context, id string) (*domain.Expertise, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.d.expertises[id]
	if !ok {
		return nil, domain.E(domain.CodeNotFound, "expertise not found")
	}
	cp := e
	return &cp, nil
}

// PutExpertise seeds registry rows; tests and migrations use it.
func (m *Memory) PutExpertise(ctx context.Context, e *domain.Expertise) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.d.expertises[e.ID] = *e
	return nil
}

func (m *Memory) ListUserExpertises(ctx context.Context, userID string, activeOnly bool) ([]domain.UserExpertise, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.UserExpertise
	for _, ue := range m.d.userExpertise {
		if ue.UserID != userID {
			continue
		}
		if activeOnly && !ue.Active {
			continue
		}
		out = append(out, ue)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) GetActiveUserExpertise(ctx context.Context, userID, expertiseID string) (*domain.UserExpertise, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ue := range m.d.userExpertise {
		if ue.UserID == userID && ue.ExpertiseID == expertiseID && ue.Active {
			cp := ue
			return &cp, nil
		}
	}
	return nil, domain.E(domain.CodeNotFound, "user expertise not found")
}

func (m *Memory) GetLatestInactiveUserExpertise(ctx context.Context, userID, expertiseID string) (*domain.UserExpertise, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *domain.UserExpertise
	for _, ue := range m.d.userExpertise {
		if ue.UserID != userID || ue.ExpertiseID != expertiseID || ue.Active || ue.RemovedAt == nil {
			continue
		}
		if latest == nil || ue.RemovedAt.After(*latest.RemovedAt) {
			cp := ue
			latest = &cp
		}
	}
	if latest == nil {
		return nil, domain.E(domain.CodeNotFound, "user expertise not found")
	}
	return latest, nil
}

func (m *Memory) InsertUserExpertise(ctx context.Context, ue *domain.UserExpertise) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := 0
	for _, existing := range m.d.userExpertise {
		if existing.UserID != ue.UserID || !existing.Active {
			continue
		}
		if existing.ExpertiseID == ue.ExpertiseID {
			return domain.E(domain.CodeConflict, "expertise already held")
		}
		active++
	}
	// At most two active expertises per user.
	if active >= domain.MaxActiveExpertise {
		return domain.E(domain.CodeHXExpertiseLimit, "active expertise limit reached")
	}
	cp := *ue
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.d.userExpertise[cp.ID] = cp
	return nil
}

func (m *Memory) UpdateUserExpertise(ctx context.Context, ue *domain.UserExpertise) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.d.userExpertise[ue.ID]; !ok {
		return domain.E(domain.CodeNotFound, "user expertise not found")
	}
	m.d.userExpertise[ue.ID] = *ue
	return nil
}

func (m *Memory) DeleteUserExpertise(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.d.userExpertise, id)
	return nil
}

func (m *Memory) ListActiveExpertiseRows(ctx context.Context, expertiseID, zoneID string) ([]domain.UserExpertise, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.UserExpertise
	for _, ue := range m.d.userExpertise {
		if ue.Active && ue.ExpertiseID == expertiseID && ue.ZoneID == zoneID {
			out = append(out, ue)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListActiveExpertiseRowsAll(ctx context.Context) ([]domain.UserExpertise, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.UserExpertise
	for _, ue := range m.d.userExpertise {
		if ue.Active {
			out = append(out, ue)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) GetCapacity(ctx context.Context, expertiseID, zoneID string) (*domain.ZoneCapacity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.d.capacities[capKey(expertiseID, zoneID)]
	if !ok {
		return nil, domain.E(domain.CodeNotFound, "zone capacity not found")
	}
	cp := c
	return &cp, nil
}

func (m *Memory) GetCapacityForUpdate(ctx context.Context, expertiseID, zoneID string) (*domain.ZoneCapacity, error) {
	return m.GetCapacity(ctx, expertiseID, zoneID)
}

func (m *Memory) UpdateCapacity(ctx context.Context, c *domain.ZoneCapacity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	cp.UpdatedAt = time.Now().UTC()
	m.d.capacities[capKey(c.ExpertiseID, c.ZoneID)] = cp
	return nil
}

func (m *Memory) ListCapacities(ctx context.Context) ([]domain.ZoneCapacity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ZoneCapacity
	for _, c := range m.d.capacities {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) InsertWaitlistEntry(ctx context.Context, w *domain.WaitlistEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = cp.CreatedAt
	m.d.waitlist[cp.ID] = cp
	return nil
}

func (m *Memory) GetWaitlistEntry(ctx context.Context, id string) (*domain.WaitlistEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.d.waitlist[id]
	if !ok {
		return nil, domain.E(domain.CodeNotFound, "waitlist entry not found")
	}
	cp := w
	return &cp, nil
}

func (m *Memory) ListWaitlist(ctx context.Context, expertiseID, zoneID string, status domain.WaitlistStatus) ([]domain.WaitlistEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.WaitlistEntry
	for _, w := range m.d.waitlist {
		if w.ExpertiseID == expertiseID && w.ZoneID == zoneID && w.Status == status {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (m *Memory) UpdateWaitlistEntry(ctx context.Context, w *domain.WaitlistEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.d.waitlist[w.ID]; !ok {
		return domain.E(domain.CodeNotFound, "waitlist entry not found")
	}
	cp := *w
	cp.UpdatedAt = time.Now().UTC()
	m.d.waitlist[cp.ID] = cp
	return nil
}

func (m *Memory) NextWaitlistPosition(ctx context.Context, expertiseID, zoneID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := 0
	for _, w := range m.d.waitlist {
		if w.ExpertiseID == expertiseID && w.ZoneID == zoneID && w.Position > max {
			max = w.Position
		}
	}
	return max + 1, nil
}

func (m *Memory) ExpireWaitlistInvites(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, w := range m.d.waitlist {
		if w.Status == domain.WaitlistInvited && w.InviteExpiresAt != nil && w.InviteExpiresAt.Before(now) {
			w.Status = domain.WaitlistExpired
			w.UpdatedAt = now
			m.d.waitlist[id] = w
			n++
		}
	}
	return n, nil
}

func (m *Memory) InsertSupplyChange(ctx context.Context, ch *domain.SupplyChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ch
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.d.supplyChanges = append(m.d.supplyChanges, cp)
	return nil
}

// ---- corrections ----

func budgetKey(scope domain.CorrectionScope, scopeID string, windowStart time.Time) string {
	return string(scope) + "|" + scopeID + "|" + windowStart.UTC().Format(time.RFC3339)
}

func metricsKey(zoneID, category string, windowStart time.Time) string {
	return zoneID + "|" + category + "|" + windowStart.UTC().Format(time.RFC3339)
}

func (m *Memory) InsertCorrection(ctx context.Context, c *domain.Correction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	cp.Reversed = false
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.d.corrections[cp.ID] = cp
	return nil
}

func (m *Memory) GetCorrection(ctx context.Context, id string) (*domain.Correction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.d.corrections[id]
	if !ok {
		return nil, domain.E(domain.CodeNotFound, "correction not found")
	}
	cp := c
	return &cp, nil
}

// UpdateCorrection only moves bookkeeping fields; the corrective payload
// itself is immutable once applied, same as the Postgres trigger enforces.
func (m *Memory) UpdateCorrection(ctx context.Context, c *domain.Correction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.d.corrections[c.ID]
	if !ok {
		return domain.E(domain.CodeNotFound, "correction not found")
	}
	cur.Reversed = c.Reversed
	cur.ReversedAt = c.ReversedAt
	cur.Verdict = c.Verdict
	cur.VerdictAt = c.VerdictAt
	m.d.corrections[c.ID] = cur
	return nil
}

func (m *Memory) ListCorrectionsExpiring(ctx context.Context, now time.Time, limit int) ([]domain.Correction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Correction
	for _, c := range m.d.corrections {
		if !c.Reversed && c.ExpiresAt.Before(now) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListCorrectionsApplied(ctx context.Context, typ domain.CorrectionType, from, to time.Time) ([]domain.Correction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Correction
	for _, c := range m.d.corrections {
		if c.Type == typ && !c.AppliedAt.Before(from) && c.AppliedAt.Before(to) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppliedAt.Before(out[j].AppliedAt) })
	return out, nil
}

func (m *Memory) ListCorrectionsAwaitingVerdict(ctx context.Context, appliedBefore time.Time, limit int) ([]domain.Correction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Correction
	for _, c := range m.d.corrections {
		if c.Verdict == nil && c.AppliedAt.Before(appliedBefore) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppliedAt.Before(out[j].AppliedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListRecentVerdicts(ctx context.Context, since time.Time) ([]domain.CausalVerdict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type stamped struct {
		at time.Time
		v  domain.CausalVerdict
	}
	var rows []stamped
	for _, c := range m.d.corrections {
		if c.Verdict != nil && c.VerdictAt != nil && !c.VerdictAt.Before(since) {
			rows = append(rows, stamped{at: *c.VerdictAt, v: *c.Verdict})
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].at.Before(rows[j].at) })
	out := make([]domain.CausalVerdict, len(rows))
	for i, r := range rows {
		out[i] = r.v
	}
	return out, nil
}

func (m *Memory) GetBudgetUsage(ctx context.Context, scope domain.CorrectionScope, scopeID string, windowStart time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.budgets[budgetKey(scope, scopeID, windowStart)], nil
}

func (m *Memory) ConsumeBudget(ctx context.Context, scope domain.CorrectionScope, scopeID string, windowStart time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := budgetKey(scope, scopeID, windowStart)
	m.d.budgets[k]++
	return m.d.budgets[k], nil
}

func (m *Memory) GetZoneMetrics(ctx context.Context, zoneID, category string, windowStart, windowEnd time.Time) (*domain.ZoneMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	zm, ok := m.d.zoneMetrics[metricsKey(zoneID, category, windowStart)]
	if !ok || !zm.WindowEnd.Equal(windowEnd) {
		return nil, domain.E(domain.CodeNotFound, "zone metrics not found")
	}
	cp := zm
	return &cp, nil
}

func (m *Memory) ListZoneMetricsWindow(ctx context.Context, category string, windowStart, windowEnd time.Time) ([]domain.ZoneMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ZoneMetrics
	for _, zm := range m.d.zoneMetrics {
		if zm.Category == category && zm.WindowStart.Equal(windowStart) && zm.WindowEnd.Equal(windowEnd) {
			out = append(out, zm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ZoneID < out[j].ZoneID })
	return out, nil
}

func (m *Memory) InsertZoneMetrics(ctx context.Context, zm *domain.ZoneMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.d.zoneMetrics[metricsKey(zm.ZoneID, zm.Category, zm.WindowStart)] = *zm
	return nil
}

func (m *Memory) GetSafeMode(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.safeMode, nil
}

func (m *Memory) SetSafeMode(ctx context.Context, on bool, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.d.safeMode = on
	return nil
}

// ---- notify ----

func (m *Memory) InsertNotification(ctx context.Context, n *domain.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	cp.Channels = append([]domain.Channel(nil), n.Channels...)
	if len(n.Data) > 0 {
		cp.Data = make(map[string]string, len(n.Data))
		for k, v := range n.Data {
			cp.Data[k] = v
		}
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.d.notifications = append(m.d.notifications, cp)
	return nil
}

func (m *Memory) ListNotifications(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Notification
	for i := len(m.d.notifications) - 1; i >= 0; i-- {
		if m.d.notifications[i].UserID == userID {
			out = append(out, m.d.notifications[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) InsertEmailOutbox(ctx context.Context, e *domain.EmailOutboxRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = cp.CreatedAt
	m.d.emails = append(m.d.emails, cp)
	return nil
}

func (m *Memory) ListEmailOutbox(ctx context.Context, userID string) ([]domain.EmailOutboxRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.EmailOutboxRow
	for _, e := range m.d.emails {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}
