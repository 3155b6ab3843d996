package cache

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks cache effectiveness. A nil *Metrics records nothing.
type Metrics struct {
	lookups   *prometheus.CounterVec
	evictions prometheus.Counter
	bytes     prometheus.Gauge
}

// NewMetrics creates cache metrics and registers them with reg when reg is
// non-nil.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "speechgate"
	}
	m := &Metrics{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Audio cache lookups by result",
		}, []string{"result"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Audio cache entries evicted or expired",
		}),
		bytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_size_bytes",
			Help:      "Total size of cached audio",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.lookups, m.evictions, m.bytes)
	}
	return m
}

func (m *Metrics) lookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.lookups.WithLabelValues(result).Inc()
}

func (m *Metrics) evicted() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

func (m *Metrics) setBytes(n int64) {
	if m == nil {
		return
	}
	m.bytes.Set(float64(n))
}
