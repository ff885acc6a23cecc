package domain

import "time"

// XPEntry is one append-only XP ledger row, keyed uniquely by escrow. The row
// may exist only once that escrow is in a released-like state.
type XPEntry struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	TaskID           string    `json:"task_id"`
	EscrowID         string    `json:"escrow_id"`
	BaseXP           int64     `json:"base_xp"`
	StreakMultiplier float64   `json:"streak_multiplier"`
	DecayFactor      float64   `json:"decay_factor"`
	EffectiveXP      int64     `json:"effective_xp"`
	XPBefore         int64     `json:"xp_before"`
	XPAfter          int64     `json:"xp_after"`
	CreatedAt        time.Time `json:"created_at"`
}

// TrustEntry is one append-only trust ledger row. Tier changes happen only
// through these rows; IdempotencyKey dedupes replayed source events.
type TrustEntry struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	OldTier        int       `json:"old_tier"`
	NewTier        int       `json:"new_tier"`
	ReasonCode     string    `json:"reason_code"`
	SourceEventID  string    `json:"source_event_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
}

// Trust ledger reason codes.
const (
	TrustReasonTierPromotion   = "tier_promotion"
	TrustReasonDisputeResolved = "dispute_resolved"
	TrustReasonViolation       = "violation"
)

// RevenueEventType tags one revenue ledger row.
type RevenueEventType string

const (
	RevenuePlatformFee        RevenueEventType = "platform_fee"
	RevenueFeatured           RevenueEventType = "featured"
	RevenueSubscription       RevenueEventType = "subscription"
	RevenueChargeback         RevenueEventType = "chargeback"
	RevenueChargebackReversal RevenueEventType = "chargeback_reversal"
)

// RevenueEntry is one append-only revenue ledger row. Rows are additive and
// fully decomposed: for platform_fee rows, gross − net = platform_fee.
// Corrections to past rows are written as new negative/positive rows.
type RevenueEntry struct {
	ID                string                 `json:"id"`
	EventType         RevenueEventType       `json:"event_type"`
	Currency          string                 `json:"currency"`
	GrossCents        int64                  `json:"gross_cents"`
	PlatformFeeCents  int64                  `json:"platform_fee_cents"`
	NetCents          int64                  `json:"net_cents"`
	FeeBasisPoints    int                    `json:"fee_basis_points"`
	ProcessorFeeCents int64                  `json:"processor_fee_cents"`
	EscrowID          *string                `json:"escrow_id,omitempty"`
	ExternalChargeID  *string                `json:"external_charge_id,omitempty"`
	ExternalEventID   *string                `json:"external_event_id,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
}

// PlatformFeeBasisPoints is the standard take rate (15%).
const PlatformFeeBasisPoints = 1500

// SplitFee decomposes a gross amount into (fee, net) at the given basis
// points. Integer floor on the fee keeps gross = fee + net exact.
func SplitFee(grossCents int64, basisPoints int) (feeCents, netCents int64) {
	feeCents = grossCents * int64(basisPoints) / 10000
	netCents = grossCents - feeCents
	return feeCents, netCents
}
