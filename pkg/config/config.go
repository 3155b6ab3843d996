package config

import (
	"time"

	"eidos-hq/speechgate/pkg/limits"
)

// Config is the root configuration structure.
type Config struct {
	Server      ServerConfig                 `yaml:"server"`
	Tiers       map[string]limits.TierLimits `yaml:"tiers"`
	APIKeys     map[string]APIKeyConfig      `yaml:"api_keys"`
	Limits      LimitsConfig                 `yaml:"limits"`
	Relays      RelaysConfig                 `yaml:"relays"`
	Upstream    UpstreamConfig               `yaml:"upstream"`
	Dispatch    DispatchConfig               `yaml:"dispatch"`
	Storage     StorageConfig                `yaml:"storage"`
	Events      EventsConfig                 `yaml:"events"`
	Cache       CacheConfig                  `yaml:"cache"`
	Maintenance MaintenanceConfig            `yaml:"maintenance"`
	Telemetry   TelemetryConfig              `yaml:"telemetry"`
}

// ServerConfig contains configuration for the HTTP server.
type ServerConfig struct {
	// ListenAddress is the host:port to listen on.
	// Default: "127.0.0.1:8080"
	ListenAddress string `yaml:"listen_address"`

	// Default: 30s
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout must cover the slowest synthesis including retries.
	// Default: 5m
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// Default: 120s
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Default: 1MB
	MaxHeaderBytes int `yaml:"max_header_bytes"`

	// MaxBodyBytes caps request bodies.
	// Default: 256KB
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// TrustedProxyHeaders makes the client IP come from X-Forwarded-For or
	// X-Real-IP. Enable only behind a reverse proxy that sets them.
	TrustedProxyHeaders bool `yaml:"trusted_proxy_headers"`

	TLS TLSConfig `yaml:"tls"`
}

// TLSConfig enables HTTPS on the listener.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APIKeyConfig describes one registered API key.
type APIKeyConfig struct {
	// ID is the stable key identifier used in the identity string "key:<id>".
	ID string `yaml:"id"`

	// Tier names an entry under tiers.
	Tier string `yaml:"tier"`
}

// LimitsConfig contains the process-wide admission settings.
type LimitsConfig struct {
	// Default: 20
	MaxHeavyOperations int `yaml:"max_heavy_operations"`

	// Default: 30s
	HeavyTimeout time.Duration `yaml:"heavy_timeout"`

	// Default: 30s
	ConcurrentRetryAfter time.Duration `yaml:"concurrent_retry_after"`

	// Default: 30s
	HeavyRetryAfter time.Duration `yaml:"heavy_retry_after"`

	// WindowIdleTTL is how long an idle identity's window is kept before
	// the maintenance job prunes it.
	// Default: 5m
	WindowIdleTTL time.Duration `yaml:"window_idle_ttl"`
}

// RelaysConfig contains the relay pool settings.
type RelaysConfig struct {
	// Endpoints are relay URLs (http, https or socks5). Empty means every
	// request goes direct.
	Endpoints []string `yaml:"endpoints"`

	// Default: 3
	MaxFailures int `yaml:"max_failures"`

	// Default: 10m
	Cooldown time.Duration `yaml:"cooldown"`
}

// UpstreamConfig describes the synthesis backend.
type UpstreamConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Path         string        `yaml:"path"`
	APIKey       string        `yaml:"api_key"`
	Timeout      time.Duration `yaml:"timeout"`
	DefaultVoice string        `yaml:"default_voice"`

	// Default: 50MB
	MaxResponseBytes int64 `yaml:"max_response_bytes"`
}

// DispatchConfig contains retry and fan-out settings.
type DispatchConfig struct {
	// Default: 3
	MaxRetries int `yaml:"max_retries"`

	// RetryDelay is the base of the linear backoff.
	// Default: 1s
	RetryDelay time.Duration `yaml:"retry_delay"`

	// UnavailableRetryAfter is the Retry-After sent when every attempt
	// failed.
	// Default: 30s
	UnavailableRetryAfter time.Duration `yaml:"unavailable_retry_after"`

	// ScriptWorkers is the size of the shared worker pool that synthesizes
	// script lines. It bounds upstream fan-out across all scripts.
	// Default: 8
	ScriptWorkers int `yaml:"script_workers"`

	// MaxScriptLines caps the number of lines in one script.
	// Default: 50
	MaxScriptLines int `yaml:"max_script_lines"`
}

// StorageConfig selects the quota store.
type StorageConfig struct {
	// Backend is "sqlite", "memory" or "redis".
	// Default: "sqlite"
	Backend string `yaml:"backend"`

	SQLite SQLiteConfig `yaml:"sqlite"`
	Redis  RedisConfig  `yaml:"redis"`

	// RetentionDays is how many days of quota rows the retention job keeps.
	// Default: 90
	RetentionDays int `yaml:"retention_days"`
}

// SQLiteConfig configures the SQLite quota store.
type SQLiteConfig struct {
	// Default: "data/quota.db"
	Path string `yaml:"path"`

	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout"`

	// SnapshotInterval is the WAL checkpoint period. Zero disables it.
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

// RedisConfig configures the Redis quota store.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`

	// RowTTL expires quota rows in Redis. Zero keeps them until cleanup.
	RowTTL time.Duration `yaml:"row_ttl"`
}

// EventsConfig configures the usage event log.
type EventsConfig struct {
	// Default: true
	Enabled bool `yaml:"enabled"`

	// Backend is "sqlite" or "memory".
	// Default: "sqlite"
	Backend string `yaml:"backend"`

	// Default: "data/events.db"
	Path string `yaml:"path"`

	// AsyncBuffer is the recorder queue size. Events are dropped when full.
	// Default: 1000
	AsyncBuffer int `yaml:"async_buffer"`

	// Default: 30
	RetentionDays int `yaml:"retention_days"`
}

// CacheConfig configures the synthesized-audio cache.
type CacheConfig struct {
	// Default: true
	Enabled bool `yaml:"enabled"`

	// Backend is "file" or "memory".
	// Default: "file"
	Backend string `yaml:"backend"`

	// Default: "data/cache"
	Dir string `yaml:"dir"`

	// MaxBytes caps the total size of cached audio.
	// Default: 5 GiB
	MaxBytes int64 `yaml:"max_bytes"`

	// Default: 100000
	MaxEntries int `yaml:"max_entries"`

	// TTL is the age at which cached audio stops being served.
	// Default: 720h
	TTL time.Duration `yaml:"ttl"`
}

// MaintenanceConfig schedules the background jobs. Schedules use cron
// syntax including descriptors such as "@every 1h".
type MaintenanceConfig struct {
	// Default: true
	Enabled bool `yaml:"enabled"`

	// Default: "@every 1h"
	CleanupSchedule string `yaml:"cleanup_schedule"`

	// InitialDelay postpones the first cleanup run after startup.
	// Default: 5m
	InitialDelay time.Duration `yaml:"initial_delay"`

	// Default: "0 3 * * *"
	RetentionSchedule string `yaml:"retention_schedule"`
}

// TelemetryConfig contains observability settings.
type TelemetryConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// LoggingConfig configures the slog logger.
type LoggingConfig struct {
	// Default: "info"
	Level string `yaml:"level"`

	// Default: "json"
	Format string `yaml:"format"`

	AddSource bool `yaml:"add_source"`

	// Default: true
	Redact bool `yaml:"redact"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Default: true
	Enabled bool `yaml:"enabled"`

	// Default: "/metrics"
	Path string `yaml:"path"`

	// Default: "speechgate"
	Namespace string `yaml:"namespace"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`

	// Sampler is "always", "never" or "ratio".
	// Default: "ratio"
	Sampler string `yaml:"sampler"`

	// Default: 1.0
	SampleRatio float64 `yaml:"sample_ratio"`

	// Default: "speechgate"
	ServiceName string `yaml:"service_name"`
}

// Tier returns the limits for name with Name populated.
func (c *Config) Tier(name limits.Tier) (limits.TierLimits, bool) {
	lim, ok := c.Tiers[string(name)]
	if !ok {
		return limits.TierLimits{}, false
	}
	lim.Name = name
	return lim, true
}

// LookupAPIKey returns the registration for secret.
func (c *Config) LookupAPIKey(secret string) (APIKeyConfig, bool) {
	if secret == "" {
		return APIKeyConfig{}, false
	}
	k, ok := c.APIKeys[secret]
	return k, ok
}
