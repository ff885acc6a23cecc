package domain

import "time"

// Slot weights: one primary at 0.7, at most one secondary at 0.3.
type SlotKind string

const (
	SlotPrimary   SlotKind = "primary"
	SlotSecondary SlotKind = "secondary"
)

// Weight returns the nominal slot weight before activity decay.
func (s SlotKind) Weight() float64 {
	if s == SlotPrimary {
		return PrimaryWeight
	}
	return SecondaryWeight
}

const (
	PrimaryWeight   = 0.7
	SecondaryWeight = 0.3

	MaxActiveExpertise = 2

	// Admission side effects and cooldowns.
	ExpertiseLockDays = 30
	DecayCooldownDays = 7

	// Activity decay thresholds applied by the daily recompute.
	DecayHalfAfterDays = 14
	DecayZeroAfterDays = 30

	// Auto-expansion: P95 time-to-accept over 14d above 6h with at least 10
	// accepted tasks grants +10% capacity for 7 days.
	AutoExpandP95Hours   = 6
	AutoExpandMinSample  = 10
	AutoExpandPct        = 10.0
	AutoExpandDays       = 7
	AutoExpandWindowDays = 14

	WaitlistInviteHours = 48
)

// Expertise is one admittable category in the registry.
type Expertise struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Active   bool   `json:"active"`
}

// UserExpertise is one held slot. EffectiveWeight starts at SlotWeight and
// decays with inactivity; removal soft-deletes and decrements capacity by the
// effective (not nominal) weight.
type UserExpertise struct {
	ID                 string     `json:"id"`
	UserID             string     `json:"user_id"`
	ExpertiseID        string     `json:"expertise_id"`
	ZoneID             string     `json:"zone_id"`
	Slot               SlotKind   `json:"slot"`
	SlotWeight         float64    `json:"slot_weight"`
	EffectiveWeight    float64    `json:"effective_weight"`
	Active             bool       `json:"active"`
	LockedUntil        time.Time  `json:"locked_until"`
	LastTaskAcceptedAt *time.Time `json:"last_task_accepted_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	RemovedAt          *time.Time `json:"removed_at,omitempty"`
}

// ZoneCapacity is the per-(expertise, zone) admission hotspot; admissions
// serialize on a FOR UPDATE read of this row.
type ZoneCapacity struct {
	ID                   string     `json:"id"`
	ExpertiseID          string     `json:"expertise_id"`
	ZoneID               string     `json:"zone_id"`
	MaxWeightCapacity    float64    `json:"max_weight_capacity"`
	MinTaskToSupplyRatio float64    `json:"min_task_to_supply_ratio"`
	CurrentWeight        float64    `json:"current_weight"`
	ActiveHustlers       int        `json:"active_hustlers"`
	OpenTasks7d          int        `json:"open_tasks_7d"`
	CompletedTasks7d     int        `json:"completed_tasks_7d"`
	LiquidityRatio       float64    `json:"liquidity_ratio"` // completed / effective weight
	OpenRatio            float64    `json:"open_ratio"`      // observability only
	AutoExpandPct        float64    `json:"auto_expand_pct"`
	AutoExpandExpiresAt  *time.Time `json:"auto_expand_expires_at,omitempty"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// EffectiveMax applies any unexpired auto-expansion to the hard cap.
func (c *ZoneCapacity) EffectiveMax(now time.Time) float64 {
	if c.AutoExpandExpiresAt != nil && c.AutoExpandExpiresAt.After(now) {
		return c.MaxWeightCapacity * (1 + c.AutoExpandPct/100)
	}
	return c.MaxWeightCapacity
}

// WaitlistStatus is the lifecycle of one waitlist entry.
type WaitlistStatus string

const (
	WaitlistWaiting   WaitlistStatus = "waiting"
	WaitlistInvited   WaitlistStatus = "invited"
	WaitlistAdmitted  WaitlistStatus = "admitted"
	WaitlistCancelled WaitlistStatus = "cancelled"
	WaitlistExpired   WaitlistStatus = "expired"
)

// WaitlistEntry queues a rejected admission FIFO by Position.
type WaitlistEntry struct {
	ID              string         `json:"id"`
	ExpertiseID     string         `json:"expertise_id"`
	ZoneID          string         `json:"zone_id"`
	UserID          string         `json:"user_id"`
	Slot            SlotKind       `json:"slot"`
	Position        int            `json:"position"`
	Status          WaitlistStatus `json:"status"`
	Reason          string         `json:"reason"` // capacity vs. throughput
	InviteExpiresAt *time.Time     `json:"invite_expires_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// SupplyChange is one best-effort gate audit row.
type SupplyChange struct {
	ID          string    `json:"id"`
	ExpertiseID string    `json:"expertise_id"`
	ZoneID      string    `json:"zone_id"`
	UserID      string    `json:"user_id"`
	Action      string    `json:"action"`  // add, remove, promote, recompute, invite
	Outcome     string    `json:"outcome"` // admitted, waitlisted, locked, ...
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
}
