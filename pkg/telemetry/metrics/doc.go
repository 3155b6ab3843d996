// Package metrics owns the Prometheus registry for a speechgate process.
//
// Component packages (limits, routing, dispatch) define their own metric
// sets with a NewMetrics(namespace, prometheus.Registerer) constructor. The
// Collector hands out its registry for those and adds the HTTP and event
// log counters that belong to the process as a whole.
package metrics
