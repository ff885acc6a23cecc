package live

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics covers both halves of the package: session issue/verify and the
// websocket hub.
type Metrics struct {
	SessionsIssued prometheus.Counter
	AuthFailures   prometheus.Counter
	Connections    prometheus.Gauge
	Frames         prometheus.Counter
	DroppedFrames  prometheus.Counter
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
			SessionsIssued: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "live_sessions_issued_total",
					Help: "Live session tokens issued to workers",
				},
			),
			AuthFailures: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "live_auth_failures_total",
					Help: "Rejected live session authentications",
				},
			),
			Connections: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "live_connections",
					Help: "Open websocket subscribers",
				},
			),
			Frames: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "live_frames_total",
					Help: "Progress frames published to the hub",
				},
			),
			DroppedFrames: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "live_dropped_frames_total",
					Help: "Frames dropped because a subscriber send buffer was full",
				},
			),
		}
	})
	return metrics
}
