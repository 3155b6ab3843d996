package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"

	"eidos-hq/speechgate/pkg/limits"
	"eidos-hq/speechgate/pkg/routing"
	"eidos-hq/speechgate/pkg/telemetry/logging"
)

// FieldError is a validation error for one configuration field.
type FieldError struct {
	// Field is the dotted path to the field (e.g. "relays.endpoints[0]").
	Field string

	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError collects every field error found.
type ValidationError struct {
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d errors:\n", len(e.Errors))
	for _, err := range e.Errors {
		fmt.Fprintf(&sb, "  - %s\n", err.Error())
	}
	return sb.String()
}

// Validate checks the whole configuration and returns a ValidationError
// listing every problem, or nil.
func Validate(cfg *Config) error {
	var errs []FieldError
	add := func(field, format string, args ...any) {
		errs = append(errs, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.Server.ListenAddress == "" {
		add("server.listen_address", "listen address is required")
	}
	if cfg.Server.ReadTimeout < 0 || cfg.Server.WriteTimeout < 0 || cfg.Server.IdleTimeout < 0 {
		add("server", "timeouts must not be negative")
	}
	if cfg.Server.MaxBodyBytes < 0 {
		add("server.max_body_bytes", "must not be negative")
	}
	if tls := cfg.Server.TLS; tls.Enabled {
		if tls.CertFile == "" {
			add("server.tls.cert_file", "required when TLS is enabled")
		}
		if tls.KeyFile == "" {
			add("server.tls.key_file", "required when TLS is enabled")
		}
	}

	for _, required := range []limits.Tier{limits.TierAnonymous, limits.TierFree} {
		if _, ok := cfg.Tiers[string(required)]; !ok {
			add("tiers."+string(required), "tier is required")
		}
	}
	for name, lim := range cfg.Tiers {
		if lim.CharLimit == 0 || lim.RequestsPerDay == 0 || lim.RequestsPerMinute == 0 {
			add("tiers."+name, "char_limit, requests_per_day and requests_per_minute must be set (-1 for unlimited)")
		}
		if lim.CharLimit < -1 || lim.RequestsPerDay < -1 || lim.RequestsPerMinute < -1 {
			add("tiers."+name, "limits must be >= -1")
		}
	}
	ids := make(map[string]bool, len(cfg.APIKeys))
	for secret, key := range cfg.APIKeys {
		field := "api_keys." + maskSecret(secret)
		if key.ID == "" {
			add(field+".id", "id is required")
		} else if ids[key.ID] {
			add(field+".id", "duplicate id %q", key.ID)
		}
		ids[key.ID] = true
		if key.Tier == string(limits.TierAnonymous) {
			add(field+".tier", "api keys cannot use the anonymous tier")
		} else if _, ok := cfg.Tiers[key.Tier]; !ok {
			add(field+".tier", "unknown tier %q", key.Tier)
		}
	}

	if cfg.Limits.MaxHeavyOperations < 1 {
		add("limits.max_heavy_operations", "must be at least 1")
	}
	if cfg.Limits.HeavyTimeout <= 0 {
		add("limits.heavy_timeout", "must be positive")
	}

	for i, ep := range cfg.Relays.Endpoints {
		if err := routing.ValidateAddress(ep); err != nil {
			add(fmt.Sprintf("relays.endpoints[%d]", i), "%v", err)
		}
	}
	if cfg.Relays.MaxFailures < 1 {
		add("relays.max_failures", "must be at least 1")
	}
	if cfg.Relays.Cooldown <= 0 {
		add("relays.cooldown", "must be positive")
	}

	if cfg.Upstream.BaseURL == "" {
		add("upstream.base_url", "base url is required")
	} else if u, err := url.Parse(cfg.Upstream.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("upstream.base_url", "must be an http or https URL")
	}
	if cfg.Upstream.Timeout <= 0 {
		add("upstream.timeout", "must be positive")
	}

	if cfg.Dispatch.MaxRetries < 1 {
		add("dispatch.max_retries", "must be at least 1")
	}
	if cfg.Dispatch.RetryDelay < 0 {
		add("dispatch.retry_delay", "must not be negative")
	}
	if cfg.Dispatch.UnavailableRetryAfter < 0 {
		add("dispatch.unavailable_retry_after", "must not be negative")
	}
	if cfg.Dispatch.ScriptWorkers < 1 {
		add("dispatch.script_workers", "must be at least 1")
	}

	switch cfg.Storage.Backend {
	case "sqlite":
		if cfg.Storage.SQLite.Path == "" {
			add("storage.sqlite.path", "path is required")
		}
	case "memory":
	case "redis":
		if cfg.Storage.Redis.Addr == "" {
			add("storage.redis.addr", "address is required")
		}
	default:
		add("storage.backend", "must be one of sqlite, memory, redis")
	}
	if cfg.Storage.RetentionDays < 1 {
		add("storage.retention_days", "must be at least 1")
	}

	if cfg.Events.Enabled {
		switch cfg.Events.Backend {
		case "sqlite":
			if cfg.Events.Path == "" {
				add("events.path", "path is required")
			}
		case "memory":
		default:
			add("events.backend", "must be one of sqlite, memory")
		}
		if cfg.Events.AsyncBuffer < 1 {
			add("events.async_buffer", "must be at least 1")
		}
	}

	if cfg.Cache.Enabled {
		switch cfg.Cache.Backend {
		case "file":
			if cfg.Cache.Dir == "" {
				add("cache.dir", "dir is required")
			}
		case "memory":
		default:
			add("cache.backend", "must be one of file, memory")
		}
		if cfg.Cache.MaxBytes < 1 {
			add("cache.max_bytes", "must be positive")
		}
		if cfg.Cache.MaxEntries < 1 {
			add("cache.max_entries", "must be positive")
		}
		if cfg.Cache.TTL <= 0 {
			add("cache.ttl", "must be positive")
		}
	}

	if cfg.Maintenance.Enabled {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(cfg.Maintenance.CleanupSchedule); err != nil {
			add("maintenance.cleanup_schedule", "%v", err)
		}
		if _, err := parser.Parse(cfg.Maintenance.RetentionSchedule); err != nil {
			add("maintenance.retention_schedule", "%v", err)
		}
		if cfg.Maintenance.InitialDelay < 0 {
			add("maintenance.initial_delay", "must not be negative")
		}
	}

	if _, err := logging.ParseLevel(cfg.Telemetry.Logging.Level); err != nil {
		add("telemetry.logging.level", "%v", err)
	}
	switch strings.ToLower(cfg.Telemetry.Logging.Format) {
	case "json", "text", "console":
	default:
		add("telemetry.logging.format", "must be one of json, text")
	}
	if cfg.Telemetry.Metrics.Enabled && !strings.HasPrefix(cfg.Telemetry.Metrics.Path, "/") {
		add("telemetry.metrics.path", "must start with /")
	}
	if t := cfg.Telemetry.Tracing; t.Enabled {
		if t.Endpoint == "" {
			add("telemetry.tracing.endpoint", "endpoint is required when tracing is enabled")
		}
		if t.SampleRatio < 0 || t.SampleRatio > 1 {
			add("telemetry.tracing.sample_ratio", "must be between 0 and 1")
		}
	}

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

// maskSecret keeps API key secrets out of validation messages.
func maskSecret(secret string) string {
	if len(secret) <= 4 {
		return "****"
	}
	return secret[:4] + "****"
}
