package domain

import "time"

// ProofState covers submission through review.
type ProofState string

const (
	ProofPending   ProofState = "PENDING"
	ProofSubmitted ProofState = "SUBMITTED"
	ProofAccepted  ProofState = "ACCEPTED"
	ProofRejected  ProofState = "REJECTED"
	ProofExpired   ProofState = "EXPIRED"
)

var proofEdges = map[ProofState][]ProofState{
	ProofPending:   {ProofSubmitted},
	ProofSubmitted: {ProofAccepted, ProofRejected, ProofExpired},
}

func (s ProofState) Terminal() bool {
	return s == ProofAccepted || s == ProofRejected || s == ProofExpired
}

func (s ProofState) CanTransition(to ProofState) bool {
	for _, next := range proofEdges[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Proof is the worker's evidence of completion for one task.
type Proof struct {
	ID              string     `json:"id"`
	TaskID          string     `json:"task_id"`
	SubmitterID     string     `json:"submitter_id"`
	State           ProofState `json:"state"`
	ReviewerID      *string    `json:"reviewer_id,omitempty"`
	RejectionReason *string    `json:"rejection_reason,omitempty"`
	ManualReview    bool       `json:"manual_review"` // flagged for human action, non-blocking
	HasBiometric    bool       `json:"has_biometric"`
	HasGPS          bool       `json:"has_gps"`
	SubmittedAt     *time.Time `json:"submitted_at,omitempty"`
	ReviewedAt      *time.Time `json:"reviewed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`

	Photos []ProofPhoto `json:"photos,omitempty"`
}

// ProofPhoto is one ordered shot in a proof; Seq starts at 1.
type ProofPhoto struct {
	ID         string    `json:"id"`
	ProofID    string    `json:"proof_id"`
	StorageKey string    `json:"storage_key"`
	Checksum   string    `json:"checksum"` // sha256 hex of the object
	CapturedAt time.Time `json:"captured_at"`
	Seq        int       `json:"seq"`
}
