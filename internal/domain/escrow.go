package domain

import "time"

// EscrowState tracks held funds for exactly one task.
type EscrowState string

const (
	EscrowPending       EscrowState = "PENDING"
	EscrowFunded        EscrowState = "FUNDED"
	EscrowLockedDispute EscrowState = "LOCKED_DISPUTE"
	EscrowReleased      EscrowState = "RELEASED"
	EscrowRefunded      EscrowState = "REFUNDED"
	EscrowRefundPartial EscrowState = "REFUND_PARTIAL"
)

var escrowEdges = map[EscrowState][]EscrowState{
	EscrowPending:       {EscrowFunded},
	EscrowFunded:        {EscrowReleased, EscrowRefunded, EscrowLockedDispute},
	EscrowLockedDispute: {EscrowReleased, EscrowRefunded, EscrowRefundPartial},
}

// Terminal reports whether funds have finally moved; terminal escrows reject
// every further transition with ESCROW_TERMINAL.
func (s EscrowState) Terminal() bool {
	return s == EscrowReleased || s == EscrowRefunded || s == EscrowRefundPartial
}

// CanTransition reports whether from→to is a valid escrow edge.
func (s EscrowState) CanTransition(to EscrowState) bool {
	for _, next := range escrowEdges[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ReleasedLike reports the states that permit XP ledger rows.
func (s EscrowState) ReleasedLike() bool {
	return s == EscrowReleased || s == EscrowRefundPartial
}

// Escrow holds the money for one task. AmountCents freezes the moment the
// escrow leaves PENDING; Version backs optimistic locking.
type Escrow struct {
	ID          string      `json:"id"`
	TaskID      string      `json:"task_id"`
	AmountCents int64       `json:"amount_cents"`
	Currency    string      `json:"currency"`
	State       EscrowState `json:"state"`

	// Set only for REFUND_PARTIAL; they must sum to AmountCents.
	RefundCents  *int64 `json:"refund_cents,omitempty"`
	ReleaseCents *int64 `json:"release_cents,omitempty"`

	// Payment-processor cross references.
	PaymentIntentID *string `json:"payment_intent_id,omitempty"`
	ChargeID        *string `json:"charge_id,omitempty"`
	TransferID      *string `json:"transfer_id,omitempty"`
	RefundID        *string `json:"refund_id,omitempty"`

	Version   int        `json:"version"`
	FundedAt  *time.Time `json:"funded_at,omitempty"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
