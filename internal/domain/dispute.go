package domain

import "time"

// DisputeState tracks a dispute from opening to resolution. RESOLVED is the
// only terminal state.
type DisputeState string

const (
	DisputeOpen              DisputeState = "OPEN"
	DisputeEvidenceRequested DisputeState = "EVIDENCE_REQUESTED"
	DisputeResolved          DisputeState = "RESOLVED"
	DisputeEscalated         DisputeState = "ESCALATED"
)

var disputeEdges = map[DisputeState][]DisputeState{
	DisputeOpen:              {DisputeEvidenceRequested, DisputeResolved, DisputeEscalated},
	DisputeEvidenceRequested: {DisputeOpen, DisputeResolved, DisputeEscalated},
	DisputeEscalated:         {DisputeResolved},
}

func (s DisputeState) Terminal() bool { return s == DisputeResolved }

func (s DisputeState) CanTransition(to DisputeState) bool {
	for _, next := range disputeEdges[s] {
		if next == to {
			return true
		}
	}
	return false
}

// DisputeOutcome is the admin's resolution decision.
type DisputeOutcome string

const (
	OutcomeRelease DisputeOutcome = "RELEASE"
	OutcomeRefund  DisputeOutcome = "REFUND"
	OutcomeSplit   DisputeOutcome = "SPLIT"
)

// DisputeWindow bounds dispute creation, measured against task.completed_at.
const DisputeWindow = 48 * time.Hour

// Dispute references its task and escrow; resolution never writes the escrow
// directly, it emits an escrow-action request through the outbox.
type Dispute struct {
	ID          string       `json:"id"`
	TaskID      string       `json:"task_id"`
	EscrowID    string       `json:"escrow_id"`
	InitiatorID string       `json:"initiator_id"`
	PosterID    string       `json:"poster_id"`
	WorkerID    string       `json:"worker_id"`
	State       DisputeState `json:"state"`
	Reason      string       `json:"reason"`

	Outcome      *DisputeOutcome `json:"outcome,omitempty"`
	RefundCents  *int64          `json:"refund_cents,omitempty"`
	ReleaseCents *int64          `json:"release_cents,omitempty"`
	ResolvedBy   *string         `json:"resolved_by,omitempty"`

	EvidenceDeadline *time.Time `json:"evidence_deadline,omitempty"`
	Version          int        `json:"version"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}
