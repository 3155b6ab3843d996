package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records dispatch outcomes. A nil *Metrics records nothing.
type Metrics struct {
	attempts  *prometheus.CounterVec
	exhausted prometheus.Counter
	duration  *prometheus.HistogramVec
}

// NewMetrics creates dispatch metrics and registers them with reg when
// reg is non-nil.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "speechgate"
	}
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "attempts_total",
			Help:      "Upstream attempts by route kind and result",
		}, []string{"via", "result"}),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "exhausted_total",
			Help:      "Dispatches that failed every attempt",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "End-to-end dispatch latency including retries",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.attempts, m.exhausted, m.duration)
	}
	return m
}

func (m *Metrics) recordAttempt(direct bool, ok bool) {
	if m == nil {
		return
	}
	via, result := "relay", "success"
	if direct {
		via = "direct"
	}
	if !ok {
		result = "failure"
	}
	m.attempts.WithLabelValues(via, result).Inc()
}

func (m *Metrics) recordDispatch(ok bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
		m.exhausted.Inc()
	}
	m.duration.WithLabelValues(result).Observe(d.Seconds())
}
