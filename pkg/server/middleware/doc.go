// Package middleware provides the HTTP middleware chain for the speechgate
// server: request IDs, panic recovery, access logging with HTTP metrics, and
// caller identity resolution.
//
// The server applies them in this order, outermost first:
//
//	Recovery → RequestID → tracing → Logging → Identity → handler
//
// Identity resolution runs only on the synthesis routes; health and metrics
// endpoints are served to any caller.
package middleware
