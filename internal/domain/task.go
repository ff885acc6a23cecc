package domain

import "time"

// TaskMode selects the delivery mode; LIVE tasks stream progress over a
// websocket session.
type TaskMode string

const (
	TaskModeStandard TaskMode = "STANDARD"
	TaskModeLive     TaskMode = "LIVE"
)

// TaskState is the lifecycle axis. Terminal states have no outgoing edges.
type TaskState string

const (
	TaskOpen           TaskState = "OPEN"
	TaskMatching       TaskState = "MATCHING"
	TaskAccepted       TaskState = "ACCEPTED"
	TaskProofSubmitted TaskState = "PROOF_SUBMITTED"
	TaskDisputed       TaskState = "DISPUTED"
	TaskCompleted      TaskState = "COMPLETED"
	TaskCancelled      TaskState = "CANCELLED"
	TaskExpired        TaskState = "EXPIRED"
)

// taskEdges is the only source of lifecycle truth; everything else asks it.
var taskEdges = map[TaskState][]TaskState{
	TaskOpen:           {TaskMatching, TaskAccepted, TaskCancelled, TaskExpired},
	TaskMatching:       {TaskAccepted, TaskOpen, TaskExpired}, // back to OPEN on instant-offer timeout
	TaskAccepted:       {TaskProofSubmitted, TaskCancelled, TaskDisputed},
	TaskProofSubmitted: {TaskCompleted, TaskDisputed, TaskAccepted}, // back to ACCEPTED on rejection for rework
	TaskDisputed:       {TaskCompleted, TaskCancelled},              // only via dispute resolution
}

// Terminal reports whether the lifecycle state has no outgoing edges.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskCancelled || s == TaskExpired
}

// CanTransition reports whether from→to is a valid lifecycle edge.
func (s TaskState) CanTransition(to TaskState) bool {
	for _, next := range taskEdges[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ProgressState is the orthogonal progress axis: strictly monotonic, no skips,
// no reversals.
type ProgressState string

const (
	ProgressPosted    ProgressState = "POSTED"
	ProgressAccepted  ProgressState = "ACCEPTED"
	ProgressTraveling ProgressState = "TRAVELING"
	ProgressWorking   ProgressState = "WORKING"
	ProgressCompleted ProgressState = "COMPLETED"
	ProgressClosed    ProgressState = "CLOSED"
)

var progressChain = []ProgressState{
	ProgressPosted, ProgressAccepted, ProgressTraveling,
	ProgressWorking, ProgressCompleted, ProgressClosed,
}

// ProgressRank returns the position in the chain, or -1 for unknown states.
func ProgressRank(s ProgressState) int {
	for i, p := range progressChain {
		if p == s {
			return i
		}
	}
	return -1
}

// NextProgress returns the single legal successor, or false at the chain end.
func NextProgress(s ProgressState) (ProgressState, bool) {
	i := ProgressRank(s)
	if i < 0 || i == len(progressChain)-1 {
		return "", false
	}
	return progressChain[i+1], true
}

// CanAdvanceProgress is true only for the immediate successor.
func CanAdvanceProgress(from, to ProgressState) bool {
	next, ok := NextProgress(from)
	return ok && next == to
}

// Task carries both state axes. PriceCents is immutable once the escrow is
// funded; ZoneID and Category feed the supply and correction engines.
type Task struct {
	ID          string        `json:"id"`
	PosterID    string        `json:"poster_id"`
	WorkerID    *string       `json:"worker_id,omitempty"` // nil until accepted
	Title       string        `json:"title"`
	PriceCents  int64         `json:"price_cents"`
	Currency    string        `json:"currency"`
	Category    string        `json:"category"`
	CityID      string        `json:"city_id"`
	ZoneID      string        `json:"zone_id"`
	Mode        TaskMode      `json:"mode"`
	Instant     bool          `json:"instant"`
	RiskLevel   string        `json:"risk_level"`
	State       TaskState     `json:"state"`
	Progress    ProgressState `json:"progress"`
	Version     int           `json:"version"`
	Deadline    *time.Time    `json:"deadline,omitempty"`
	MatchingAt  *time.Time    `json:"matching_at,omitempty"`
	AcceptedAt  *time.Time    `json:"accepted_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}
