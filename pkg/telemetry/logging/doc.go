// Package logging provides structured logging built on log/slog.
//
// New returns a *slog.Logger whose handler:
//   - adds request-scoped fields (request_id, identity, tier, route) from the context
//   - redacts secrets such as API keys, bearer tokens and relay credentials
//   - honors the configured level and format (json, text)
//
// Usage:
//
//	logger, err := logging.New(logging.Config{Level: "info", Format: "json"})
//	ctx = logging.WithRequestID(ctx, "req-123")
//	logger.InfoContext(ctx, "request accepted", "chars", 42)
package logging
