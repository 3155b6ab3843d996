package logging

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	identityKey  contextKey = "identity"
	tierKey      contextKey = "tier"
	routeKey     contextKey = "route"
)

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

// WithIdentity adds the caller identity ("key:..." or "ip:...") to the context.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// GetIdentity retrieves the caller identity from the context.
func GetIdentity(ctx context.Context) string {
	return stringValue(ctx, identityKey)
}

// WithTier adds the caller's tier name to the context.
func WithTier(ctx context.Context, tier string) context.Context {
	return context.WithValue(ctx, tierKey, tier)
}

// GetTier retrieves the tier name from the context.
func GetTier(ctx context.Context) string {
	return stringValue(ctx, tierKey)
}

// WithRoute adds the upstream route label to the context.
func WithRoute(ctx context.Context, route string) context.Context {
	return context.WithValue(ctx, routeKey, route)
}

// GetRoute retrieves the route label from the context.
func GetRoute(ctx context.Context) string {
	return stringValue(ctx, routeKey)
}

func stringValue(ctx context.Context, key contextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

func contextAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	for _, key := range []contextKey{requestIDKey, identityKey, tierKey, routeKey} {
		if v := stringValue(ctx, key); v != "" {
			attrs = append(attrs, slog.String(string(key), v))
		}
	}
	return attrs
}
