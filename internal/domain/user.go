package domain

import "time"

// UserMode is the side of the marketplace a user defaults to.
type UserMode string

const (
	ModeWorker UserMode = "worker"
	ModePoster UserMode = "poster"
)

// Plan is the subscription level driven by payment-processor events.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanPremium Plan = "premium"
	PlanPro     Plan = "pro"
)

// AccountStatus gates whether a user can transact at all.
type AccountStatus string

const (
	AccountActive    AccountStatus = "ACTIVE"
	AccountPaused    AccountStatus = "PAUSED"
	AccountSuspended AccountStatus = "SUSPENDED"
)

// Role entries live in a separate role table; most users have none.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleFounder   Role = "founder"
	RoleModerator Role = "moderator"
)

// User is the marketplace identity. Trust tier only moves through trust-ledger
// entries; XPTotal and CurrentStreak are denormalized from the XP ledger.
type User struct {
	ID            string        `json:"id"`
	DisplayName   string        `json:"display_name"`
	Email         string        `json:"email"`
	DefaultMode   UserMode      `json:"default_mode"`
	TrustTier     int           `json:"trust_tier"` // 1..4
	XPTotal       int64         `json:"xp_total"`
	CurrentStreak int           `json:"current_streak"`
	IDVerified    bool          `json:"id_verified"`
	FaceVerified  bool          `json:"face_verified"`
	Plan          Plan          `json:"plan"`
	PlanExpiresAt *time.Time    `json:"plan_expires_at,omitempty"`
	Status        AccountStatus `json:"status"`

	// Connect payout destination, set during worker onboarding. Nil means the
	// user has never been paid out and cannot be.
	StripeAccountID *string `json:"stripe_account_id,omitempty"`

	// LIVE-mode session; the hash is bcrypt, the plaintext token is returned
	// once at issue time and never stored.
	LiveTaskID           *string    `json:"live_task_id,omitempty"`
	LiveSessionTokenHash *string    `json:"-"`
	LiveSessionExpiresAt *time.Time `json:"live_session_expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserRole is one row of the role table consumed by admin broadcast.
type UserRole struct {
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
	GrantedAt time.Time `json:"granted_at"`
}

// TierThreshold is one promotion rule: both counters must be met.
type TierThreshold struct {
	Tier           int
	CompletedTasks int
	EffectiveXP    int64
}

// TierThresholds are evaluated highest-first on every XP append. Demotions
// never happen here; only explicit trust-ledger entries move a tier down.
var TierThresholds = []TierThreshold{
	{Tier: 4, CompletedTasks: 150, EffectiveXP: 10000},
	{Tier: 3, CompletedTasks: 50, EffectiveXP: 2500},
	{Tier: 2, CompletedTasks: 10, EffectiveXP: 500},
}
