package task

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sidegig/backend/internal/domain"
)

// Metrics holds all Prometheus metrics for the task lifecycle.
type Metrics struct {
	Transitions      *prometheus.CounterVec
	Progress         *prometheus.CounterVec
	Expired          prometheus.Counter
	MatchingFallback prometheus.Counter
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
			Transitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "task_transitions_total",
					Help: "Task lifecycle transitions by target state",
				},
				[]string{"to"},
			),
			Progress: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "task_progress_total",
					Help: "Progress chain advances by target state",
				},
				[]string{"to"},
			),
			Expired: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "task_expired_total",
					Help: "Tasks expired by the deadline sweep",
				},
			),
			MatchingFallback: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "task_matching_fallback_total",
					Help: "Instant offers returned to OPEN by the fallback sweep",
				},
			),
		}
	})
	return metrics
}

func (m *Metrics) RecordTransition(to domain.TaskState) {
	m.Transitions.WithLabelValues(string(to)).Inc()
}

func (m *Metrics) RecordProgress(to domain.ProgressState) {
	m.Progress.WithLabelValues(string(to)).Inc()
}
