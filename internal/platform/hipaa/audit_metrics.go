package hipaa

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// AuditMetrics holds Prometheus metrics for the audit pipeline. A nil
// *AuditMetrics is valid and records nothing.
type AuditMetrics struct {
	Recorded        *prometheus.CounterVec
	Duplicates      prometheus.Counter
	PersistFailures prometheus.Counter
	Buffered        prometheus.Gauge
	Flushes         prometheus.Counter
	Forwarded       prometheus.Counter
	ForwardFailures prometheus.Counter
	PersistLatency  prometheus.Histogram
}

// NewAuditMetrics creates the audit metrics and registers them with reg.
// A nil reg leaves them unregistered, which suits tests.
func NewAuditMetrics(reg prometheus.Registerer) *AuditMetrics {
	f := promauto.With(reg)
	return &AuditMetrics{
		Recorded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "compliance_audit_events_recorded_total",
			Help: "Audit events durably recorded, by outcome and highest tier",
		}, []string{"outcome", "tier"}),
		Duplicates: f.NewCounter(prometheus.CounterOpts{
			Name: "compliance_audit_events_duplicate_total",
			Help: "Audit events ignored because their event id was already stored",
		}),
		PersistFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "compliance_audit_persist_failures_total",
			Help: "Audit events that could not be persisted",
		}),
		Buffered: f.NewGauge(prometheus.GaugeOpts{
			Name: "compliance_audit_buffered_events",
			Help: "Low-sensitivity audit events waiting for the next flush",
		}),
		Flushes: f.NewCounter(prometheus.CounterOpts{
			Name: "compliance_audit_flushes_total",
			Help: "Buffer flushes that persisted at least one event",
		}),
		Forwarded: f.NewCounter(prometheus.CounterOpts{
			Name: "compliance_audit_events_forwarded_total",
			Help: "Audit events delivered to the downstream stream",
		}),
		ForwardFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "compliance_audit_forward_failures_total",
			Help: "Audit events the forwarder failed to deliver",
		}),
		PersistLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "compliance_audit_persist_duration_seconds",
			Help:    "Time spent appending audit events to the store",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *AuditMetrics) IncRecorded(outcome Outcome, tier Tier) {
	if m == nil {
		return
	}
	m.Recorded.WithLabelValues(string(outcome), string(tier)).Inc()
}

func (m *AuditMetrics) IncDuplicates() {
	if m == nil {
		return
	}
	m.Duplicates.Inc()
}

func (m *AuditMetrics) IncPersistFailures() {
	if m == nil {
		return
	}
	m.PersistFailures.Inc()
}

func (m *AuditMetrics) SetBuffered(n int) {
	if m == nil {
		return
	}
	m.Buffered.Set(float64(n))
}

func (m *AuditMetrics) IncFlushes() {
	if m == nil {
		return
	}
	m.Flushes.Inc()
}

func (m *AuditMetrics) IncForwarded() {
	if m == nil {
		return
	}
	m.Forwarded.Inc()
}

func (m *AuditMetrics) IncForwardFailures() {
	if m == nil {
		return
	}
	m.ForwardFailures.Inc()
}

func (m *AuditMetrics) ObservePersist(start time.Time) {
	if m == nil {
		return
	}
	m.PersistLatency.Observe(time.Since(start).Seconds())
}
