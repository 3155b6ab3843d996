package config

import (
	"time"

	"eidos-hq/speechgate/pkg/limits"
)

// Default values for configuration fields.
const (
	DefaultListenAddress   = "127.0.0.1:8080"
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 5 * time.Minute
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultMaxHeaderBytes  = 1 << 20
	DefaultMaxBodyBytes    = 256 << 10

	DefaultMaxHeavyOperations   = 20
	DefaultHeavyTimeout         = 30 * time.Second
	DefaultConcurrentRetryAfter = 30 * time.Second
	DefaultHeavyRetryAfter      = 30 * time.Second
	DefaultWindowIdleTTL        = 5 * time.Minute

	DefaultRelayMaxFailures = 3
	DefaultRelayCooldown    = 10 * time.Minute

	DefaultUpstreamPath     = "/v1/synthesize"
	DefaultUpstreamTimeout  = 60 * time.Second
	DefaultUpstreamMaxBytes = 50 << 20
	DefaultVoice            = "en-US-AriaNeural"

	DefaultMaxRetries            = 3
	DefaultRetryDelay            = time.Second
	DefaultUnavailableRetryAfter = 30 * time.Second
	DefaultScriptWorkers         = 8
	DefaultMaxScriptLines        = 50

	DefaultStorageBackend    = "sqlite"
	DefaultSQLitePath        = "data/quota.db"
	DefaultSQLiteBusyTimeout = 5 * time.Second
	DefaultRedisKeyPrefix    = "speechgate:quota:"
	DefaultRetentionDays     = 90

	DefaultCacheBackend    = "file"
	DefaultCacheDir        = "data/cache"
	DefaultCacheMaxBytes   = 5 << 30
	DefaultCacheMaxEntries = 100000
	DefaultCacheTTL        = 30 * 24 * time.Hour

	DefaultEventsBackend       = "sqlite"
	DefaultEventsPath          = "data/events.db"
	DefaultEventsAsyncBuffer   = 1000
	DefaultEventsRetentionDays = 30

	DefaultCleanupSchedule   = "@every 1h"
	DefaultInitialDelay      = 5 * time.Minute
	DefaultRetentionSchedule = "0 3 * * *"

	DefaultLoggingLevel     = "info"
	DefaultLoggingFormat    = "json"
	DefaultMetricsPath      = "/metrics"
	DefaultMetricsNamespace = "speechgate"
	DefaultTracingSampler   = "ratio"
	DefaultTracingRatio     = 1.0
	DefaultServiceName      = "speechgate"
)

// DefaultTiers returns the built-in tier table.
func DefaultTiers() map[string]limits.TierLimits {
	return map[string]limits.TierLimits{
		string(limits.TierAnonymous): {CharLimit: 500, RequestsPerDay: 5, RequestsPerMinute: 1},
		string(limits.TierFree):      {CharLimit: 1000, RequestsPerDay: 30, RequestsPerMinute: 3},
	}
}

// Default returns a complete configuration with every default applied.
// Boolean features that default to on are set here, since ApplyDefaults
// cannot tell an explicit false from an unset field.
func Default() *Config {
	cfg := &Config{
		Events:      EventsConfig{Enabled: true},
		Cache:       CacheConfig{Enabled: true},
		Maintenance: MaintenanceConfig{Enabled: true},
		Telemetry: TelemetryConfig{
			Logging: LoggingConfig{Redact: true},
			Metrics: MetricsConfig{Enabled: true},
		},
	}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddress == "" {
		s.ListenAddress = DefaultListenAddress
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = DefaultReadTimeout
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}
	if s.MaxHeaderBytes == 0 {
		s.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if s.MaxBodyBytes == 0 {
		s.MaxBodyBytes = DefaultMaxBodyBytes
	}

	if cfg.Tiers == nil {
		cfg.Tiers = make(map[string]limits.TierLimits)
	}
	for name, lim := range DefaultTiers() {
		if _, ok := cfg.Tiers[name]; !ok {
			cfg.Tiers[name] = lim
		}
	}

	l := &cfg.Limits
	if l.MaxHeavyOperations == 0 {
		l.MaxHeavyOperations = DefaultMaxHeavyOperations
	}
	if l.HeavyTimeout == 0 {
		l.HeavyTimeout = DefaultHeavyTimeout
	}
	if l.ConcurrentRetryAfter == 0 {
		l.ConcurrentRetryAfter = DefaultConcurrentRetryAfter
	}
	if l.HeavyRetryAfter == 0 {
		l.HeavyRetryAfter = DefaultHeavyRetryAfter
	}
	if l.WindowIdleTTL == 0 {
		l.WindowIdleTTL = DefaultWindowIdleTTL
	}

	if cfg.Relays.MaxFailures == 0 {
		cfg.Relays.MaxFailures = DefaultRelayMaxFailures
	}
	if cfg.Relays.Cooldown == 0 {
		cfg.Relays.Cooldown = DefaultRelayCooldown
	}

	u := &cfg.Upstream
	if u.Path == "" {
		u.Path = DefaultUpstreamPath
	}
	if u.Timeout == 0 {
		u.Timeout = DefaultUpstreamTimeout
	}
	if u.DefaultVoice == "" {
		u.DefaultVoice = DefaultVoice
	}
	if u.MaxResponseBytes == 0 {
		u.MaxResponseBytes = DefaultUpstreamMaxBytes
	}

	d := &cfg.Dispatch
	if d.MaxRetries == 0 {
		d.MaxRetries = DefaultMaxRetries
	}
	if d.RetryDelay == 0 {
		d.RetryDelay = DefaultRetryDelay
	}
	if d.UnavailableRetryAfter == 0 {
		d.UnavailableRetryAfter = DefaultUnavailableRetryAfter
	}
	if d.ScriptWorkers == 0 {
		d.ScriptWorkers = DefaultScriptWorkers
	}
	if d.MaxScriptLines == 0 {
		d.MaxScriptLines = DefaultMaxScriptLines
	}

	st := &cfg.Storage
	if st.Backend == "" {
		st.Backend = DefaultStorageBackend
	}
	if st.SQLite.Path == "" {
		st.SQLite.Path = DefaultSQLitePath
	}
	if st.SQLite.BusyTimeout == 0 {
		st.SQLite.BusyTimeout = DefaultSQLiteBusyTimeout
	}
	if st.Redis.KeyPrefix == "" {
		st.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}
	if st.RetentionDays == 0 {
		st.RetentionDays = DefaultRetentionDays
	}

	e := &cfg.Events
	if e.Backend == "" {
		e.Backend = DefaultEventsBackend
	}
	if e.Path == "" {
		e.Path = DefaultEventsPath
	}
	if e.AsyncBuffer == 0 {
		e.AsyncBuffer = DefaultEventsAsyncBuffer
	}
	if e.RetentionDays == 0 {
		e.RetentionDays = DefaultEventsRetentionDays
	}

	c := &cfg.Cache
	if c.Backend == "" {
		c.Backend = DefaultCacheBackend
	}
	if c.Dir == "" {
		c.Dir = DefaultCacheDir
	}
	if c.MaxBytes == 0 {
		c.MaxBytes = DefaultCacheMaxBytes
	}
	if c.MaxEntries == 0 {
		c.MaxEntries = DefaultCacheMaxEntries
	}
	if c.TTL == 0 {
		c.TTL = DefaultCacheTTL
	}

	m := &cfg.Maintenance
	if m.CleanupSchedule == "" {
		m.CleanupSchedule = DefaultCleanupSchedule
	}
	if m.InitialDelay == 0 {
		m.InitialDelay = DefaultInitialDelay
	}
	if m.RetentionSchedule == "" {
		m.RetentionSchedule = DefaultRetentionSchedule
	}

	t := &cfg.Telemetry
	if t.Logging.Level == "" {
		t.Logging.Level = DefaultLoggingLevel
	}
	if t.Logging.Format == "" {
		t.Logging.Format = DefaultLoggingFormat
	}
	if t.Metrics.Path == "" {
		t.Metrics.Path = DefaultMetricsPath
	}
	if t.Metrics.Namespace == "" {
		t.Metrics.Namespace = DefaultMetricsNamespace
	}
	if t.Tracing.Sampler == "" {
		t.Tracing.Sampler = DefaultTracingSampler
	}
	if t.Tracing.SampleRatio == 0 {
		t.Tracing.SampleRatio = DefaultTracingRatio
	}
	if t.Tracing.ServiceName == "" {
		t.Tracing.ServiceName = DefaultServiceName
	}
}
