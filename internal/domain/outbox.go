package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Queue is a logical outbox partition. Each queue runs its own worker pool
// with its own concurrency cap and retry policy.
type Queue string

const (
	QueueCriticalPayments  Queue = "critical_payments"
	QueueCriticalTrust     Queue = "critical_trust"
	QueueUserNotifications Queue = "user_notifications"
	QueueExports           Queue = "exports"
	QueueMaintenance       Queue = "maintenance"
)

// Queues lists every partition in dispatch order.
var Queues = []Queue{
	QueueCriticalPayments,
	QueueCriticalTrust,
	QueueUserNotifications,
	QueueExports,
	QueueMaintenance,
}

// OutboxStatus is the delivery lifecycle of one row.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxEnqueued  OutboxStatus = "enqueued"
	OutboxProcessed OutboxStatus = "processed"
	OutboxFailed    OutboxStatus = "failed"
)

// OutboxEvent is one durable event row, written in the same transaction as
// the domain rows it describes. IdempotencyKey is globally unique.
type OutboxEvent struct {
	ID             string          `json:"id"`
	EventType      string          `json:"event_type"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	EventVersion   int             `json:"event_version"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	Queue          Queue           `json:"queue"`
	Status         OutboxStatus    `json:"status"`
	Attempts       int             `json:"attempts"`
	LastError      *string         `json:"last_error,omitempty"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	EnqueuedAt     *time.Time      `json:"enqueued_at,omitempty"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
}

// OutboxKey builds the writer-side idempotency key contract:
// {event_type}:{aggregate_id}:{version}.
func OutboxKey(eventType, aggregateID string, version int) string {
	return fmt.Sprintf("%s:%s:%d", eventType, aggregateID, version)
}

// OutboxRetryBase seeds the retry ladder: a row that failed with n prior
// attempts waits base*2^n before it becomes dispatchable again.
const OutboxRetryBase = 30 * time.Second

// OutboxRetryDelay returns the backoff for a row with the given prior attempt
// count. The exponent is clamped so the delay stays finite for parked rows
// that get manually requeued.
func OutboxRetryDelay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 10 {
		attempts = 10
	}
	return OutboxRetryBase * (1 << uint(attempts))
}

// Event types carried on the outbox. Payload schemas are stable per type.
const (
	// escrow.opened asks the payout worker to open a processor payment intent;
	// escrow.cancel_requested asks it to close one that was never captured.
	EventEscrowOpened          = "escrow.opened"
	EventEscrowCancelRequested = "escrow.cancel_requested"

	EventEscrowFunded        = "escrow.funded"
	EventEscrowReleased      = "escrow.released"
	EventEscrowRefunded      = "escrow.refunded"
	EventEscrowRefundPartial = "escrow.refund_partial"

	// Dispute resolution emits exactly one of these action requests; a worker
	// performs the actual escrow transition.
	EventEscrowReleaseRequested       = "escrow.release_requested"
	EventEscrowRefundRequested        = "escrow.refund_requested"
	EventEscrowPartialRefundRequested = "escrow.partial_refund_requested"

	EventTaskCompleted  = "task.completed"
	EventTaskExpired    = "task.expired"
	EventProofSubmitted = "proof.submitted"
	EventProofReviewed  = "proof.reviewed"

	EventDisputeCreated   = "dispute.created"
	EventDisputeResolved  = "dispute.resolved"
	EventDisputeEscalated = "dispute.escalated"

	EventStripeReceived = "stripe.event_received"

	// Dispute resolution emits one trust event per party; the role suffix keeps
	// the two outbox keys distinct for the same dispute.
	EventTrustDisputeResolvedWorker = "trust.dispute_resolved.worker"
	EventTrustDisputeResolvedPoster = "trust.dispute_resolved.poster"

	EventTrustTierChanged = "trust.tier_changed"
	EventXPAwarded        = "xp.awarded"

	EventNotificationSend = "notification.send"
	EventAdminBroadcast   = "notification.admin_broadcast"
	EventWaitlistInvited  = "supply.waitlist_invited"
	EventExportRequested  = "export.requested"
	EventMaintenanceSweep = "maintenance.sweep"

	EventCorrectionApplied  = "correction.applied"
	EventCorrectionReversed = "correction.reversed"
	EventCorrectionExpired  = "correction.expired"
)

// StripeEvent is the at-most-once ingest row; ID is the provider's event id
// and doubles as the primary key. ExternalCreated is recorded for audit but
// never used to order internal effects.
type StripeEvent struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	ExternalCreated time.Time       `json:"external_created"`
	Payload         json.RawMessage `json:"payload"`
	ReceivedAt      time.Time       `json:"received_at"`
}

// EffectRecord marks one applied effect for one provider event; workers are
// idempotent on (provider_event_id, effect_kind).
type EffectRecord struct {
	ProviderEventID string    `json:"provider_event_id"`
	EffectKind      string    `json:"effect_kind"`
	AppliedAt       time.Time `json:"applied_at"`
}
