package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"eidos-hq/speechgate/pkg/config"
	"eidos-hq/speechgate/pkg/limits"
	"eidos-hq/speechgate/pkg/telemetry/logging"
)

// Identity headers.
const (
	APIKeyHeader = "X-API-Key"
	ClientHeader = "X-Client"
	ClientWebUI  = "webui"
)

// Caller is the resolved identity of a request.
type Caller struct {
	// Identity is "key:<id>" or "ip:<address>".
	Identity string

	Tier   limits.Tier
	Limits limits.TierLimits

	// WebUI is set when the request declares itself as coming from the web UI.
	WebUI bool
}

// Registered reports whether the caller authenticated with an API key.
func (c Caller) Registered() bool {
	return c.Tier != limits.TierAnonymous
}

// SingleClass returns the class charged for a single synthesis.
func (c Caller) SingleClass() limits.RequestClass {
	if c.WebUI {
		return limits.ClassWebUITTS
	}
	return limits.ClassAPITTS
}

// MultiVoiceClass returns the class charged for a script synthesis.
func (c Caller) MultiVoiceClass() limits.RequestClass {
	if c.WebUI {
		return limits.ClassWebUIMultiVoice
	}
	return limits.ClassAPIMultiVoice
}

type callerKey struct{}

// WithCaller stores c in ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller stored by Identity.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// Identity resolves the caller against the live configuration. A request
// carrying an unknown X-API-Key is rejected with 401; a request without one
// is anonymous and identified by its remote address. Tier limits are read
// from holder on every request so a reload takes effect immediately.
func Identity(holder *config.Holder, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cfg := holder.Load()

			caller := Caller{
				WebUI: strings.EqualFold(r.Header.Get(ClientHeader), ClientWebUI),
			}

			if secret := r.Header.Get(APIKeyHeader); secret != "" {
				key, ok := cfg.LookupAPIKey(secret)
				if !ok {
					logger.WarnContext(r.Context(), "unknown api key",
						"remote_addr", r.RemoteAddr,
					)
					WriteError(w, r, http.StatusUnauthorized, CodeUnauthorized, "invalid API key")
					return
				}
				caller.Identity = "key:" + key.ID
				caller.Tier = limits.Tier(key.Tier)
			} else {
				caller.Identity = "ip:" + clientIP(r)
				caller.Tier = limits.TierAnonymous
			}

			lim, ok := cfg.Tier(caller.Tier)
			if !ok {
				logger.ErrorContext(r.Context(), "caller tier not configured", "tier", caller.Tier)
				WriteError(w, r, http.StatusInternalServerError, CodeInternalError, "tier not configured")
				return
			}
			caller.Limits = lim

			ctx := WithCaller(r.Context(), caller)
			ctx = logging.WithIdentity(ctx, caller.Identity)
			ctx = logging.WithTier(ctx, string(caller.Tier))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// clientIP returns the host part of RemoteAddr. When trusted proxy headers
// are enabled, chi's RealIP middleware has already rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
