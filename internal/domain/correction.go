package domain

import "time"

// CorrectionType enumerates the non-financial adjustments the engine may
// apply. Anything touching escrow, payouts, disputes, trust, or revenue is
// outside the wall and rejected before budgets are even consulted.
type CorrectionType string

const (
	CorrectionTaskRouting  CorrectionType = "task_routing"
	CorrectionFriction     CorrectionType = "friction_nudge"
	CorrectionSupplyHint   CorrectionType = "supply_hint"
	CorrectionVisibility   CorrectionType = "visibility_boost"
)

// CorrectionScope is the budget dimension a correction counts against.
type CorrectionScope string

const (
	ScopeGlobal   CorrectionScope = "global"
	ScopeCity     CorrectionScope = "city"
	ScopeZone     CorrectionScope = "zone"
	ScopeCategory CorrectionScope = "category"
)

// Hourly budgets per scope, windowed on rounded hour boundaries.
var CorrectionBudgets = map[CorrectionScope]int{
	ScopeGlobal:   100,
	ScopeCity:     30,
	ScopeZone:     10,
	ScopeCategory: 15,
}

// CorrectionMaxTTL caps expires_at at apply time.
const CorrectionMaxTTL = 24 * time.Hour

// CausalVerdict is the deterministic outcome of the impact analyzer.
type CausalVerdict string

const (
	VerdictCausal       CausalVerdict = "CAUSAL"
	VerdictNonCausal    CausalVerdict = "NON_CAUSAL"
	VerdictInconclusive CausalVerdict = "INCONCLUSIVE"
)

// Correction is one reversible, auto-expiring adjustment. PriorValue captures
// the pre-correction adjustment so reverse() can restore it exactly.
type Correction struct {
	ID           string                 `json:"id"`
	Type         CorrectionType         `json:"type"`
	TargetEntity string                 `json:"target_entity"`
	TargetID     string                 `json:"target_id"`
	Adjustment   map[string]interface{} `json:"adjustment"`
	PriorValue   map[string]interface{} `json:"prior_value,omitempty"`
	ReasonCode   string                 `json:"reason_code"`
	Scope        CorrectionScope        `json:"scope"`
	CityID       string                 `json:"city_id,omitempty"`
	ZoneID       string                 `json:"zone_id,omitempty"`
	Category     string                 `json:"category,omitempty"`
	ExpiresAt    time.Time              `json:"expires_at"`
	AppliedAt    time.Time              `json:"applied_at"`
	Reversed     bool                   `json:"reversed"`
	ReversedAt   *time.Time             `json:"reversed_at,omitempty"`
	Verdict      *CausalVerdict         `json:"verdict,omitempty"`
	VerdictAt    *time.Time             `json:"verdict_at,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// CorrectionBudgetRow is one atomic hourly counter, upserted on consume.
type CorrectionBudgetRow struct {
	Scope       CorrectionScope `json:"scope"`
	ScopeID     string          `json:"scope_id"` // empty for global
	WindowStart time.Time       `json:"window_start"`
	Used        int             `json:"used"`
}

// ZoneTaskStats are the raw counts behind one ZoneMetrics window.
type ZoneTaskStats struct {
	Posted    int `json:"posted"`
	Accepted  int `json:"accepted"`
	Completed int `json:"completed"`
	Disputed  int `json:"disputed"`
}

// ZoneMetrics is one observation window used by the causal analyzer.
type ZoneMetrics struct {
	ZoneID      string    `json:"zone_id"`
	Category    string    `json:"category"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	FillRate    float64   `json:"fill_rate"`
	Completion  float64   `json:"completion"`
	DisputeRate float64   `json:"dispute_rate"`
	SampleSize  int       `json:"sample_size"`
}
