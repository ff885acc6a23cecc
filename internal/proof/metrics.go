package proof

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sidegig/backend/internal/domain"
)

// Metrics holds all Prometheus metrics for the proof pipeline.
type Metrics struct {
	Submitted      prometheus.Counter
	Reviewed       *prometheus.CounterVec
	VisionRejected prometheus.Counter
	VisionDegraded prometheus.Counter
	ManualReview   prometheus.Counter
	Expired        prometheus.Counter
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// NewMetrics registers the collectors once; promauto panics on duplicate
// registration, so repeated calls return the same set.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = &Metrics{
			Submitted: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "proof_submitted_total",
					Help: "Proof submissions recorded",
				},
			),
			Reviewed: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "proof_reviewed_total",
					Help: "Proof reviews by outcome",
				},
				[]string{"outcome"},
			),
			VisionRejected: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "proof_vision_rejected_total",
					Help: "Reviews blocked by an external verifier reject",
				},
			),
			VisionDegraded: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "proof_vision_degraded_total",
					Help: "Reviews that proceeded with manual-review flag because vision was unavailable",
				},
			),
			ManualReview: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "proof_manual_review_total",
					Help: "Accepted proofs flagged for human follow-up",
				},
			),
			Expired: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "proof_expired_total",
					Help: "Submitted proofs expired by the review-window sweep",
				},
			),
		}
	})
	return metrics
}

func (m *Metrics) RecordReview(outcome domain.ProofState) {
	m.Reviewed.WithLabelValues(string(outcome)).Inc()
}
