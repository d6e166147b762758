package feed

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names as constants for consistency.
const (
	MetricFramesProcessed = "feed_frames_processed_total"
	MetricFramesMalformed = "feed_frames_malformed_total"
	MetricDuplicates      = "feed_duplicates_total"
	MetricDispatched      = "feed_events_dispatched_total"
)

// Metrics contains Prometheus metrics for the change-feed boundary.
// All operations are thread-safe.
type Metrics struct {
	framesProcessed prometheus.Counter
	framesMalformed prometheus.Counter
	duplicates      prometheus.Counter
	dispatched      *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to attach them to a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		framesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricFramesProcessed,
			Help: "Total number of frames received from the change feed",
		}),
		framesMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricFramesMalformed,
			Help: "Total number of frames dropped as malformed",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricDuplicates,
			Help: "Total number of redundant event deliveries suppressed",
		}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricDispatched,
			Help: "Total number of events dispatched to table handlers",
		}, []string{"table", "type"}),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.framesProcessed,
		m.framesMalformed,
		m.duplicates,
		m.dispatched,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
