package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "speechgate"

// Collector owns the registry and the process-wide metrics.
type Collector struct {
	namespace string
	registry  *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	eventsDrop   prometheus.Counter
}

// NewCollector creates a Collector with a fresh registry. Go runtime and
// process collectors are registered alongside the speechgate metrics.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c := &Collector{
		namespace: namespace,
		registry:  reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route pattern and status code",
		}, []string{"path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route pattern",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"path"}),
		eventsDrop: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Usage events dropped because the recorder buffer was full",
		}),
	}
	reg.MustRegister(c.httpRequests, c.httpDuration, c.eventsDrop)
	return c
}

// Namespace returns the metric namespace.
func (c *Collector) Namespace() string {
	return c.namespace
}

// Registerer returns the registry for component metric sets.
func (c *Collector) Registerer() prometheus.Registerer {
	return c.registry
}

// Gatherer returns the registry for scraping and tests.
func (c *Collector) Gatherer() prometheus.Gatherer {
	return c.registry
}

// RecordHTTP records one served request.
func (c *Collector) RecordHTTP(path string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(path, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(path).Observe(d.Seconds())
}

// EventDropped counts a usage event the recorder could not enqueue.
func (c *Collector) EventDropped() {
	if c == nil {
		return
	}
	c.eventsDrop.Inc()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
		Registry:          c.registry,
	})
}
