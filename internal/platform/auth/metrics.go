package auth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// GateMetrics counts access decisions. A nil *GateMetrics records nothing.
type GateMetrics struct {
	Decisions *prometheus.CounterVec
}

// NewGateMetrics creates the gate metrics and registers them with reg.
func NewGateMetrics(reg prometheus.Registerer) *GateMetrics {
	return &GateMetrics{
		Decisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "compliance_access_decisions_total",
			Help: "Access decisions by outcome and code",
		}, []string{"outcome", "code"}),
	}
}

func (m *GateMetrics) observe(d AccessDecision) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(string(d.Outcome), string(d.Code)).Inc()
}
