package routing

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks relay pool health. A nil *Metrics records nothing.
type Metrics struct {
	healthy  prometheus.Gauge
	disabled *prometheus.CounterVec
}

// NewMetrics creates routing metrics and registers them with reg when
// reg is non-nil.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "speechgate"
	}
	m := &Metrics{
		healthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "routes_healthy",
			Help:      "Relays currently eligible for selection",
		}),
		disabled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_disabled_total",
			Help:      "Times a relay entered cooldown",
		}, []string{"route"}),
	}
	if reg != nil {
		reg.MustRegister(m.healthy, m.disabled)
	}
	return m
}

func (m *Metrics) setHealthy(n int) {
	if m == nil {
		return
	}
	m.healthy.Set(float64(n))
}

func (m *Metrics) routeDisabled(route string) {
	if m == nil {
		return
	}
	m.disabled.WithLabelValues(route).Inc()
}
