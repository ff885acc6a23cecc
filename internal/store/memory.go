package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sidegig/backend/internal/domain"
)

// Memory implements TxStore entirely in process. It enforces the same
// invariants as the Postgres triggers and returns the same typed codes, so
// scenario tests and local dev hit identical failure surfaces. Rollback works
// by snapshot and restore; transactional callers are expected not to race
// failing transactions against each other.
type Memory struct {
	mu   sync.Mutex
	txMu sync.Mutex // serializes WithSerializableTx bodies
	d    *memData
}

type memData struct {
	users         map[string]domain.User
	roles         map[string]map[domain.Role]bool
	tasks         map[string]domain.Task
	escrows       map[string]domain.Escrow
	proofs        map[string]domain.Proof
	photos        map[string][]domain.ProofPhoto
	disputes      map[string]domain.Dispute
	xp            []domain.XPEntry
	trust         []domain.TrustEntry
	trustKeys     map[string]bool
	revenue       []domain.RevenueEntry
	outbox        map[string]domain.OutboxEvent
	outboxKeys    map[string]bool
	stripeEvents  map[string]domain.StripeEvent
	effects       map[string]bool
	expertises    map[string]domain.Expertise
	userExpertise map[string]domain.UserExpertise
	capacities    map[string]domain.ZoneCapacity
	waitlist      map[string]domain.WaitlistEntry
	supplyChanges []domain.SupplyChange
	corrections   map[string]domain.Correction
	budgets       map[string]int
	zoneMetrics   map[string]domain.ZoneMetrics
	safeMode      bool
	notifications []domain.Notification
	emails        []domain.EmailOutboxRow
}

func NewMemory() *Memory {
	return &Memory{d: newMemData()}
}

func newMemData() *memData {
	return &memData{
		users:         make(map[string]domain.User),
		roles:         make(map[string]map[domain.Role]bool),
		tasks:         make(map[string]domain.Task),
		escrows:       make(map[string]domain.Escrow),
		proofs:        make(map[string]domain.Proof),
		photos:        make(map[string][]domain.ProofPhoto),
		disputes:      make(map[string]domain.Dispute),
		trustKeys:     make(map[string]bool),
		outbox:        make(map[string]domain.OutboxEvent),
		outboxKeys:    make(map[string]bool),
		stripeEvents:  make(map[string]domain.StripeEvent),
		effects:       make(map[string]bool),
		expertises:    make(map[string]domain.Expertise),
		userExpertise: make(map[string]domain.UserExpertise),
		capacities:    make(map[string]domain.ZoneCapacity),
		waitlist:      make(map[string]domain.WaitlistEntry),
		corrections:   make(map[string]domain.Correction),
		budgets:       make(map[string]int),
		zoneMetrics:   make(map[string]domain.ZoneMetrics),
	}
}

func (d *memData) clone() *memData {
	c := &memData{
		users:         cloneMap(d.users),
		roles:         make(map[string]map[domain.Role]bool, len(d.roles)),
		tasks:         cloneMap(d.tasks),
		escrows:       cloneMap(d.escrows),
		proofs:        cloneMap(d.proofs),
		photos:        make(map[string][]domain.ProofPhoto, len(d.photos)),
		disputes:      cloneMap(d.disputes),
		xp:            append([]domain.XPEntry(nil), d.xp...),
		trust:         append([]domain.TrustEntry(nil), d.trust...),
		trustKeys:     cloneMap(d.trustKeys),
		revenue:       append([]domain.RevenueEntry(nil), d.revenue...),
		outbox:        cloneMap(d.outbox),
		outboxKeys:    cloneMap(d.outboxKeys),
		stripeEvents:  cloneMap(d.stripeEvents),
		effects:       cloneMap(d.effects),
		expertises:    cloneMap(d.expertises),
		userExpertise: cloneMap(d.userExpertise),
		capacities:    cloneMap(d.capacities),
		waitlist:      cloneMap(d.waitlist),
		supplyChanges: append([]domain.SupplyChange(nil), d.supplyChanges...),
		corrections:   cloneMap(d.corrections),
		budgets:       cloneMap(d.budgets),
		zoneMetrics:   cloneMap(d.zoneMetrics),
		safeMode:      d.safeMode,
		notifications: append([]domain.Notification(nil), d.notifications...),
		emails:        append([]domain.EmailOutboxRow(nil), d.emails...),
	}
	for k, v := range d.roles {
		c.roles[k] = cloneMap(v)
	}
	for k, v := range d.photos {
		c.photos[k] = append([]domain.ProofPhoto(nil), v...)
	}
	return c
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// WithTx snapshots the store, runs fn against it, and restores the snapshot
// if fn fails. Individual method calls stay serialized on the inner mutex.
func (m *Memory) WithTx(ctx context.Context, fn func(Store) error) error {
	m.mu.Lock()
	snap := m.d.clone()
	m.mu.Unlock()

	if err := fn(m); err != nil {
		m.mu.Lock()
		m.d = snap
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Memory) WithSerializableTx(ctx context.Context, fn func(Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return m.WithTx(ctx, fn)
}

// ---- users ----

func (m *Memory) CreateUser(ctx context.Context, u *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = cp.CreatedAt
	m.d.users[cp.ID] = cp
	return nil
}

func (m *Memory) GetUser(ctx context.Context, id string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.d.users[id]
	if !ok {
		return nil, domain.E(domain.CodeNotFound, "user not found")
	}
	cp := u
	return &cp, nil
}

func (m *Memory) GetUserForUpdate(ctx context.Context, id string) (*domain.User, error) {
	return m.GetUser(ctx, id)
}

func (m *Memory) UpdateUser(ctx context.Context, u *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.d.users[u.ID]; !ok {
		return domain.E(domain.CodeNotFound, "user not found")
	}
	cp := *u
	cp.UpdatedAt = time.Now().UTC()
	m.d.users[cp.ID] = cp
	return nil
}

func (m *Memory) ListUserIDsByRole(ctx context.Context, roles []domain.Role) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[domain.Role]bool, len(roles))
	for _, r := range roles {
		want[r] = true
	}
	var ids []string
	for userID, held := range m.d.roles {
		for r := range held {
			if want[r] {
				ids = append(ids, userID)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) GrantRole(ctx context.Context, userID string, role domain.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.d.roles[userID] == nil {
		m.d.roles[userID] = make(map[domain.Role]bool)
	}
	m.d.roles[userID][role] = true
	return nil
}

func (m *Memory) HasRole(ctx context.Context, userID string, roles ...domain.Role) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	held := m.d.roles[userID]
	for _, r := range roles {
		if held[r] {
			return true, nil
		}
	}
	return false, nil
}

// ---- tasks ----

func (m *Memory) CreateTask(ctx context.Context, t *domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	cp.Version = 1
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = cp.CreatedAt
	m.d.tasks[cp.ID] = cp
	t.Version = 1
	return nil
}

func (m *Memory) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.d.tasks[id]
	if !ok {
		return nil, domain.E(domain.CodeNotFound, "task not found")
	}
	cp := t
	return &cp, nil
}

func (m *Memory) GetTaskForUpdate(ctx context.Context, id string) (*domain.Task, error) {
	return m.GetTask(ctx, id)
}

func (m *Memory) UpdateTask(ctx context.Context, t *domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.d.tasks[t.ID]
	if !ok {
		return domain.E(domain.CodeNotFound, "task not found")
	}
	if cur.Version != t.Version {
		return domain.Ef(domain.CodeConflict, "task %s version %d is stale", t.ID, t.Version)
	}
	// Progress only ever moves to its immediate successor.
	if t.Progress != cur.Progress && !domain.CanAdvanceProgress(cur.Progress, t.Progress) {
		return domain.Ef(domain.CodeHXProgressAdjacency, "progress %s -> %s is not adjacent", cur.Progress, t.Progress)
	}
	// Entering COMPLETED requires an accepted proof on file.
	if t.State == domain.TaskCompleted && cur.State != domain.TaskCompleted {
		if !m.hasAcceptedProofLocked(t.ID) {
			return domain.E(domain.CodeHXCompleteNeedsProof, "task completion requires accepted proof")
		}
	}
	cp := *t
	cp.Version = cur.Version + 1
	cp.CreatedAt = cur.CreatedAt
	cp.UpdatedAt = time.Now().UTC()
	m.d.tasks[cp.ID] = cp
	t.Version = cp.Version
	return nil
}

func (m *Memory) hasAcceptedProofLocked(taskID string) bool {
	for _, p := range m.d.proofs {
		if p.TaskID == taskID && p.State == domain.ProofAccepted {
			return true
		}
	}
	return false
}

func (m *Memory) ListTasksForUser(ctx context.Context, userID string) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Task
	for _, t := range m.d.tasks {
		if t.PosterID == userID || (t.WorkerID != nil && *t.WorkerID == userID) {
			out = append(out, t)
		}
	}
	sortTasks(out)
	return out, nil
}

func (m *Memory) ListOpenTasksPastDeadline(ctx context.Context, now time.Time, limit int) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Task
	for _, t := range m.d.tasks {
		if t.State == domain.TaskOpen && t.Deadline != nil && t.Deadline.Before(now) {
			out = append(out, t)
		}
	}
	sortTasks(out)
	return limitTasks(out, limit), nil
}

func (m *Memory) ListMatchingTasksBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Task
	for _, t := range m.d.tasks {
		if t.State == domain.TaskMatching && t.MatchingAt != nil && t.MatchingAt.Before(cutoff) {
			out = append(out, t)
		}
	}
	sortTasks(out)
	return limitTasks(out, limit), nil
}

func (m *Memory) CountZoneTasks(ctx context.Context, zoneID, category string, since time.Time) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var open, completed int
	for _, t := range m.d.tasks {
		if t.ZoneID != zoneID || t.Category != category {
			continue
		}
		switch {
		case (t.State == domain.TaskOpen || t.State == domain.TaskMatching) && !t.CreatedAt.Before(since):
			open++
		case t.State == domain.TaskCompleted && t.CompletedAt != nil && !t.CompletedAt.Before(since):
			completed++
		}
	}
	return open, completed, nil
}

func (m *Memory) ListAcceptDelays(ctx context.Context, zoneID, category string, since time.Time) ([]time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []time.Duration
	for _, t := range m.d.tasks {
		if t.ZoneID == zoneID && t.Category == category && t.AcceptedAt != nil && !t.AcceptedAt.Before(since) {
			out = append(out, t.AcceptedAt.Sub(t.CreatedAt))
		}
	}
	return out, nil
}

func (m *Memory) ZoneTaskStats(ctx context.Context, zoneID, category string, from, to time.Time) (*domain.ZoneTaskStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inWindow := func(t *time.Time) bool {
		return t != nil && !t.Before(from) && t.Before(to)
	}
	var st domain.ZoneTaskStats
	for _, t := range m.d.tasks {
		if t.ZoneID != zoneID || t.Category != category {
			continue
		}
		if !t.CreatedAt.Before(from) && t.CreatedAt.Before(to) {
			st.Posted++
		}
		if inWindow(t.AcceptedAt) {
			st.Accepted++
		}
		if inWindow(t.CompletedAt) {
			st.Completed++
		}
	}
	for _, d := range m.d.disputes {
		t, ok := m.d.tasks[d.TaskID]
		if !ok || t.ZoneID != zoneID || t.Category != category {
			continue
		}
		if !d.CreatedAt.Before(from) && d.CreatedAt.Before(to) {
			st.Disputed++
		}
	}
	return &st, nil
}

func sortTasks(ts []domain.Task) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].ID < ts[j].ID
		}
		return ts[i].CreatedAt.Before(ts[j].CreatedAt)
	})
}

func limitTasks(ts []domain.Task, limit int) []domain.Task {
	if limit > 0 && len(ts) > limit {
		return ts[:limit]
	}
	return ts
}

// ---- escrows ----

func (m *Memory) CreateEscrow(ctx context.Context, e *domain.Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	cp.Version = 1
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = cp.CreatedAt
	m.d.escrows[cp.ID] = cp
	e.Version = 1
	return nil
}

func (m *Memory) GetEscrow(ctx context.Context, id string) (*domain.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.d.escrows[id]
	if !ok {
		return nil, domain.E(domain.CodeNotFound, "escrow not found")
	}
	cp := e
	return &cp, nil
}

func (m *Memory) GetEscrowForUpdate(ctx context.Context, id string) (*domain.Escrow, error) {
	return m.GetEscrow(ctx, id)
}

func (m *Memory) GetEscrowByTask(ctx context.Context, taskID string) (*domain.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.d.escrows {
		if e.TaskID == taskID {
			cp := e
			return &cp, nil
		}
	}
	return nil, domain.E(domain.CodeNotFound, "escrow not found")
}

func (m *Memory) GetEscrowByPaymentIntent(ctx context.Context, paymentIntentID string) (*domain.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.d.escrows {
		if e.PaymentIntentID != nil && *e.PaymentIntentID == paymentIntentID {
			cp := e
			return &cp, nil
		}
	}
	return nil, domain.E(domain.CodeNotFound, "escrow not found")
}

func (m *Memory) GetEscrowByTransfer(ctx context.Context, transferID string) (*domain.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.d.escrows {
		if e.TransferID != nil && *e.TransferID == transferID {
			cp := e
			return &cp, nil
		}
	}
	return nil, domain.E(domain.CodeNotFound, "escrow not found")
}

func (m *Memory) UpdateEscrow(ctx context.Context, e *domain.Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.d.escrows[e.ID]
	if !ok {
		return domain.E(domain.CodeNotFound, "escrow not found")
	}
	if cur.Version != e.Version {
		return domain.Ef(domain.CodeConflict, "escrow %s version %d is stale", e.ID, e.Version)
	}
	// The amount freezes once the escrow has left PENDING.
	if cur.State != domain.EscrowPending && e.AmountCents != cur.AmountCents {
		return domain.E(domain.CodeHXAmountImmutable, "escrow amount is immutable after funding")
	}
	// Entering RELEASED requires the task to be COMPLETED right now.
	if e.State == domain.EscrowReleased && cur.State != domain.EscrowReleased {
		t, ok := m.d.tasks[e.TaskID]
		if !ok || t.State != domain.TaskCompleted {
			return domain.Ef(domain.CodeHXReleaseNeedsTask, "escrow release requires completed task, got %s", t.State)
		}
	}
	cp := *e
	cp.Version = cur.Version + 1
	cp.CreatedAt = cur.CreatedAt
	cp.UpdatedAt = time.Now().UTC()
	m.d.escrows[cp.ID] = cp
	e.Version = cp.Version
	return nil
}
