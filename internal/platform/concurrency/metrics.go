package concurrency

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts versioned writes. A nil *Metrics records nothing.
type Metrics struct {
	Writes   *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// NewMetrics creates the controller metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Writes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "compliance_versioned_writes_total",
			Help: "Versioned writes by operation and result",
		}, []string{"op", "result"}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "compliance_versioned_write_duration_seconds",
			Help:    "Time spent in the conditional write, including the commit hook",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}
}

func (m *Metrics) observe(op, result string, start time.Time) {
	if m == nil {
		return
	}
	m.Writes.WithLabelValues(op, result).Inc()
	m.Duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
