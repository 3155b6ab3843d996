// Package tracing wires OpenTelemetry for speechgate.
//
// When tracing is disabled, New returns a Tracer backed by the noop
// provider, so callers can always start spans without nil checks. When it
// is enabled, spans are batched to an OTLP gRPC collector and W3C trace
// context is propagated on incoming and outgoing HTTP requests.
//
// Span names used across the codebase:
//
//	http.request         one per inbound request (HTTPMiddleware)
//	limits.check_and_consume  limits.Controller.CheckAndConsume
//	dispatch.synthesize  dispatch.Dispatcher.Synthesize
//	dispatch.attempt     one per upstream attempt
//	script.render        script.Renderer.Render
package tracing
