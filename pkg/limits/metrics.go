package limits

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains Prometheus metrics for admission control.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	decisions        *prometheus.CounterVec
	checkDuration    prometheus.Histogram
	concurrentLeases prometheus.Gauge
	heavyInUse       prometheus.Gauge
}

// NewMetrics creates admission metrics and registers them with reg.
// When reg is nil the collectors are created but not registered.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "speechgate"
	}

	m := &Metrics{
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "admission",
				Name:      "decisions_total",
				Help:      "Admission decisions by outcome (admitted or rejection reason)",
			},
			[]string{"reason"},
		),
		checkDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "admission",
				Name:      "check_duration_seconds",
				Help:      "Time spent in CheckAndConsume including the quota store",
				Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
			},
		),
		concurrentLeases: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "concurrent_leases",
				Help:      "Per-identity concurrency leases currently held",
			},
		),
		heavyInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "heavy_tokens_in_use",
				Help:      "Heavy-operation tokens currently held",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(m.decisions, m.checkDuration, m.concurrentLeases, m.heavyInUse)
	}
	return m
}

func (m *Metrics) recordDecision(reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(reason).Inc()
	m.checkDuration.Observe(d.Seconds())
}

func (m *Metrics) recordRejection(reason Reason) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) leaseDelta(delta float64) {
	if m == nil {
		return
	}
	m.concurrentLeases.Add(delta)
}

func (m *Metrics) heavyDelta(delta float64) {
	if m == nil {
		return
	}
	m.heavyInUse.Add(delta)
}
