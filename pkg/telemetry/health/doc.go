// Package health runs named component checks (quota store, event store)
// concurrently with a per-check timeout and serves the readiness endpoint.
package health
