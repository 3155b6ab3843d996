// Package telemetry groups the observability packages used by speechgate:
//
//   - logging: slog-based structured logging with context fields and redaction
//   - metrics: the process Prometheus registry and HTTP/event counters
//   - tracing: OpenTelemetry setup, span attributes and propagation
//   - health: readiness checks for the quota and event stores
package telemetry
