// Package store is the source of truth for all structured state. It exposes
// one repository interface implemented by Postgres (production) and by an
// in-memory backend (tests, local dev) that enforces the same cross-row
// invariants in Go so scenario tests exercise identical failure surfaces.
package store

import (
	"context"
	"time"

	"github.com/sidegig/backend/internal/domain"
)

// Store is the query primitive handed to services. Inside WithTx the same
// interface is bound to the connection holding the transaction.
type Store interface {
	UserStore
	TaskStore
	EscrowStore
	ProofStore
	DisputeStore
	LedgerStore
	OutboxStore
	PaymentStore
	SupplyStore
	CorrectionStore
	NotifyStore
}

// TxStore is a Store that can open transactional scopes. Domain writers
// always group multi-row writes under WithTx; supply admission uses the
// serializable variant.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
	WithSerializableTx(ctx context.Context, fn func(Store) error) error
}

type UserStore interface {
	CreateUser(ctx context.Context, u *domain.User) error
	GetUser(ctx context.Context, id string) (*domain.User, error)
	GetUserForUpdate(ctx context.Context, id string) (*domain.User, error)
	UpdateUser(ctx context.Context, u *domain.User) error
	ListUserIDsByRole(ctx context.Context, roles []domain.Role) ([]string, error)
	GrantRole(ctx context.Context, userID string, role domain.Role) error
	HasRole(ctx context.Context, userID string, roles ...domain.Role) (bool, error)
}

type TaskStore interface {
	CreateTask(ctx context.Context, t *domain.Task) error
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	GetTaskForUpdate(ctx context.Context, id string) (*domain.Task, error)
	// UpdateTask persists t conditional on its pre-increment version; losers
	// receive CONFLICT. The store also enforces the accepted-proof gate on
	// COMPLETED and progress adjacency.
	UpdateTask(ctx context.Context, t *domain.Task) error
	ListTasksForUser(ctx context.Context, userID string) ([]domain.Task, error)
	ListOpenTasksPastDeadline(ctx context.Context, now time.Time, limit int) ([]domain.Task, error)
	ListMatchingTasksBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Task, error)
	CountZoneTasks(ctx context.Context, zoneID, category string, since time.Time) (open, completed int, err error)
	ListAcceptDelays(ctx context.Context, zoneID, category string, since time.Time) ([]time.Duration, error)
	// ZoneTaskStats aggregates lifecycle counts for one (zone, category) over
	// [from, to); the causal analyzer derives its metric windows from these.
	ZoneTaskStats(ctx context.Context, zoneID, category string, from, to time.Time) (*domain.ZoneTaskStats, error)
}

type EscrowStore interface {
	CreateEscrow(ctx context.Context, e *domain.Escrow) error
	GetEscrow(ctx context.Context, id string) (*domain.Escrow, error)
	GetEscrowForUpdate(ctx context.Context, id string) (*domain.Escrow, error)
	GetEscrowByTask(ctx context.Context, taskID string) (*domain.Escrow, error)
	GetEscrowByPaymentIntent(ctx context.Context, paymentIntentID string) (*domain.Escrow, error)
	GetEscrowByTransfer(ctx context.Context, transferID string) (*domain.Escrow, error)
	// UpdateEscrow is version-conditional and enforces amount immutability
	// once the escrow has left PENDING.
	UpdateEscrow(ctx context.Context, e *domain.Escrow) error
}

type ProofStore interface {
	CreateProof(ctx context.Context, p *domain.Proof) error
	GetProof(ctx context.Context, id string) (*domain.Proof, error)
	GetProofForUpdate(ctx context.Context, id string) (*domain.Proof, error)
	GetProofByTask(ctx context.Context, taskID string) (*domain.Proof, error)
	UpdateProof(ctx context.Context, p *domain.Proof) error
	AddProofPhotos(ctx context.Context, photos []domain.ProofPhoto) error
	ListProofPhotos(ctx context.Context, proofID string) ([]domain.ProofPhoto, error)
	ListSubmittedProofsBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Proof, error)
}

type DisputeStore interface {
	CreateDispute(ctx context.Context, d *domain.Dispute) error
	GetDispute(ctx context.Context, id string) (*domain.Dispute, error)
	GetDisputeForUpdate(ctx context.Context, id string) (*domain.Dispute, error)
	UpdateDispute(ctx context.Context, d *domain.Dispute) error
	ListEvidenceRequestedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Dispute, error)
}

type LedgerStore interface {
	// InsertXPEntry requires a released-like escrow and at most one row per
	// user+escrow; ledgers are append-only.
	InsertXPEntry(ctx context.Context, e *domain.XPEntry) error
	ListXPEntries(ctx context.Context, userID string) ([]domain.XPEntry, error)
	CountXPEntriesToday(ctx context.Context, userID string, dayStart time.Time) (int, error)
	// InsertTrustEntry dedupes on idempotency key; inserted=false means the
	// same source event was already applied.
	InsertTrustEntry(ctx context.Context, e *domain.TrustEntry) (inserted bool, err error)
	ListTrustEntries(ctx context.Context, userID string) ([]domain.TrustEntry, error)
	CountCompletedTasks(ctx context.Context, workerID string) (int, error)
	InsertRevenueEntry(ctx context.Context, e *domain.RevenueEntry) error
	ListRevenueEntries(ctx context.Context, eventType domain.RevenueEventType) ([]domain.RevenueEntry, error)
}

type OutboxStore interface {
	InsertOutboxEvent(ctx context.Context, ev *domain.OutboxEvent) error
	// SelectPendingOutbox returns pending rows whose retry horizon, if any,
	// has passed.
	SelectPendingOutbox(ctx context.Context, limit int) ([]domain.OutboxEvent, error)
	MarkOutboxEnqueued(ctx context.Context, ids []string) error
	MarkOutboxProcessed(ctx context.Context, id string) error
	// RecordOutboxFailure bumps attempts and either re-pends the row behind
	// an exponential retry horizon or parks it as failed for operator triage.
	RecordOutboxFailure(ctx context.Context, id string, lastErr string, terminal bool) error
	// RequeueStaleEnqueued re-pends rows a crashed dispatcher left behind.
	RequeueStaleEnqueued(ctx context.Context, olderThan time.Time) (int, error)
	// RequeueOutboxByKey re-pends one row for operator-driven replay;
	// found=false means no row carries that key.
	RequeueOutboxByKey(ctx context.Context, idempotencyKey string) (found bool, err error)
	GetOutboxEvent(ctx context.Context, id string) (*domain.OutboxEvent, error)
	ListOutboxByAggregate(ctx context.Context, aggregateID string) ([]domain.OutboxEvent, error)
}

type PaymentStore interface {
	// InsertStripeEvent is the at-most-once ingest write: stored=false means
	// the provider id was seen before and nothing was written.
	InsertStripeEvent(ctx context.Context, ev *domain.StripeEvent) (stored bool, err error)
	GetStripeEvent(ctx context.Context, id string) (*domain.StripeEvent, error)
	// InsertEffectRecord guards effect workers; applied=false means this
	// (event, effect) pair already ran.
	InsertEffectRecord(ctx context.Context, providerEventID, effectKind string) (applied bool, err error)
}

type SupplyStore interface {
	GetExpertise(ctx context.Context, id string) (*domain.Expertise, error)
	ListUserExpertises(ctx context.Context, userID string, activeOnly bool) ([]domain.UserExpertise, error)
	GetActiveUserExpertise(ctx context.Context, userID, expertiseID string) (*domain.UserExpertise, error)
	GetLatestInactiveUserExpertise(ctx context.Context, userID, expertiseID string) (*domain.UserExpertise, error)
	InsertUserExpertise(ctx context.Context, ue *domain.UserExpertise) error
	UpdateUserExpertise(ctx context.Context, ue *domain.UserExpertise) error
	DeleteUserExpertise(ctx context.Context, id string) error
	ListActiveExpertiseRows(ctx context.Context, expertiseID, zoneID string) ([]domain.UserExpertise, error)
	ListActiveExpertiseRowsAll(ctx context.Context) ([]domain.UserExpertise, error)

	GetCapacity(ctx context.Context, expertiseID, zoneID string) (*domain.ZoneCapacity, error)
	GetCapacityForUpdate(ctx context.Context, expertiseID, zoneID string) (*domain.ZoneCapacity, error)
	UpdateCapacity(ctx context.Context, c *domain.ZoneCapacity) error
	ListCapacities(ctx context.Context) ([]domain.ZoneCapacity, error)

	InsertWaitlistEntry(ctx context.Context, w *domain.WaitlistEntry) error
	GetWaitlistEntry(ctx context.Context, id string) (*domain.WaitlistEntry, error)
	ListWaitlist(ctx context.Context, expertiseID, zoneID string, status domain.WaitlistStatus) ([]domain.WaitlistEntry, error)
	UpdateWaitlistEntry(ctx context.Context, w *domain.WaitlistEntry) error
	NextWaitlistPosition(ctx context.Context, expertiseID, zoneID string) (int, error)
	ExpireWaitlistInvites(ctx context.Context, now time.Time) (int, error)

	InsertSupplyChange(ctx context.Context, ch *domain.SupplyChange) error
}

type CorrectionStore interface {
	InsertCorrection(ctx context.Context, c *domain.Correction) error
	GetCorrection(ctx context.Context, id string) (*domain.Correction, error)
	UpdateCorrection(ctx context.Context, c *domain.Correction) error
	ListCorrectionsExpiring(ctx context.Context, now time.Time, limit int) ([]domain.Correction, error)
	ListCorrectionsApplied(ctx context.Context, typ domain.CorrectionType, from, to time.Time) ([]domain.Correction, error)
	ListCorrectionsAwaitingVerdict(ctx context.Context, appliedBefore time.Time, limit int) ([]domain.Correction, error)
	ListRecentVerdicts(ctx context.Context, since time.Time) ([]domain.CausalVerdict, error)

	// ConsumeBudget atomically upserts the hourly counter and returns the
	// post-increment usage.
	GetBudgetUsage(ctx context.Context, scope domain.CorrectionScope, scopeID string, windowStart time.Time) (int, error)
	ConsumeBudget(ctx context.Context, scope domain.CorrectionScope, scopeID string, windowStart time.Time) (int, error)

	GetZoneMetrics(ctx context.Context, zoneID, category string, windowStart, windowEnd time.Time) (*domain.ZoneMetrics, error)
	ListZoneMetricsWindow(ctx context.Context, category string, windowStart, windowEnd time.Time) ([]domain.ZoneMetrics, error)
	InsertZoneMetrics(ctx context.Context, m *domain.ZoneMetrics) error

	GetSafeMode(ctx context.Context) (bool, error)
	SetSafeMode(ctx context.Context, on bool, reason string) error
}

type NotifyStore interface {
	InsertNotification(ctx context.Context, n *domain.Notification) error
	ListNotifications(ctx context.Context, userID string, limit int) ([]domain.Notification, error)
	InsertEmailOutbox(ctx context.Context, e *domain.EmailOutboxRow) error
	ListEmailOutbox(ctx context.Context, userID string) ([]domain.EmailOutboxRow, error)
}
