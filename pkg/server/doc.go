// Package server is the HTTP front of speechgate.
//
// It resolves the caller, runs admission control and hands admitted work
// to the dispatcher or the script renderer. Every rejection is translated
// into a JSON error body with the matching status and a Retry-After header.
//
// # Routes
//
//   - POST /v1/tts        single synthesis, audio/mpeg response
//   - POST /v1/tts/script multi-voice script, registered callers only
//   - GET  /health        status, store, relay pool and heavy-operation load
//   - GET  /ready         readiness checks
//   - GET  /metrics       Prometheus metrics
//
// # Request flow
//
// A synthesis request passes CheckAndConsume, then takes the caller's
// concurrency lease, then (scripts only) a heavy-operation token, and only
// then reaches the upstream. Leases and tokens are released on every exit
// path including client disconnects.
//
// # Graceful Shutdown
//
// Start blocks until its context is cancelled or the listener fails, then
// calls Shutdown, which stops accepting connections and waits up to the
// configured shutdown timeout for in-flight requests.
package server
