package notify

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sidegig/backend/internal/domain"
)

// Metrics holds all Prometheus metrics for notification fan-out.
type Metrics struct {
	Sends             *prometheus.CounterVec
	Channels          *prometheus.CounterVec
	QuietSuppressed   prometheus.Counter
	PushFailures      prometheus.Counter
	BroadcastUsers    prometheus.Counter
	BroadcastFailures prometheus.Counter
	CohortHits        prometheus.Counter
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
			Sends: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "notify_sends_total",
					Help: "Notification rows written by category",
				},
				[]string{"category"},
			),
			Channels: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "notify_channel_deliveries_total",
					Help: "Channel artifacts produced per delivery",
				},
				[]string{"channel"},
			),
			QuietSuppressed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "notify_quiet_suppressed_total",
				Help: "Push deliveries suppressed by quiet hours",
			}),
			PushFailures: promauto.NewCounter(prometheus.CounterOpts{
				Name: "notify_push_failures_total",
				Help: "Push forwards that failed after the row committed",
			}),
			BroadcastUsers: promauto.NewCounter(prometheus.CounterOpts{
				Name: "notify_broadcast_users_total",
				Help: "Users reached by admin broadcasts",
			}),
			BroadcastFailures: promauto.NewCounter(prometheus.CounterOpts{
				Name: "notify_broadcast_failures_total",
				Help: "Per-user broadcast deliveries that failed",
			}),
			CohortHits: promauto.NewCounter(prometheus.CounterOpts{
				Name: "notify_cohort_cache_hits_total",
				Help: "Broadcast cohort lookups served from cache",
			}),
		}
	})
	return metrics
}

func (m *Metrics) RecordSend(n *domain.Notification) {
	m.Sends.WithLabelValues(string(n.Category)).Inc()
	for _, c := range n.Channels {
		m.Channels.WithLabelValues(string(c)).Inc()
	}
}
