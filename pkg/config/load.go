package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SPEECHGATE_"

// Parse decodes YAML over Default(), applies defaults and validates.
// Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfig loads configuration from a YAML file. Environment variables
// are not consulted; use LoadConfigWithEnvOverrides for that.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadConfigWithEnvOverrides loads path, applies SPEECHGATE_* overrides and
// validates the result. An empty path starts from Default().
//
// The loading sequence is:
//  1. Load YAML from file (or defaults)
//  2. Apply default values
//  3. Apply environment variable overrides
//  4. Resolve ${env:...} and ${file:...} secret references
//  5. Validate final configuration
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
		}
		ApplyDefaults(cfg)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := resolveSecrets(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies SPEECHGATE_SECTION_FIELD variables. Malformed
// numeric or duration values are reported rather than ignored.
func applyEnvOverrides(cfg *Config) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
			i, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = i
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	str("SERVER_LISTEN_ADDRESS", &cfg.Server.ListenAddress)
	dur("SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	boolean("SERVER_TRUSTED_PROXY_HEADERS", &cfg.Server.TrustedProxyHeaders)

	integer("LIMITS_MAX_HEAVY_OPERATIONS", &cfg.Limits.MaxHeavyOperations)
	dur("LIMITS_HEAVY_TIMEOUT", &cfg.Limits.HeavyTimeout)

	if v, ok := os.LookupEnv(EnvPrefix + "RELAYS"); ok {
		cfg.Relays.Endpoints = splitList(v)
	}
	integer("RELAYS_MAX_FAILURES", &cfg.Relays.MaxFailures)
	dur("RELAYS_COOLDOWN", &cfg.Relays.Cooldown)

	str("UPSTREAM_BASE_URL", &cfg.Upstream.BaseURL)
	str("UPSTREAM_API_KEY", &cfg.Upstream.APIKey)
	dur("UPSTREAM_TIMEOUT", &cfg.Upstream.Timeout)
	str("UPSTREAM_DEFAULT_VOICE", &cfg.Upstream.DefaultVoice)

	integer("DISPATCH_MAX_RETRIES", &cfg.Dispatch.MaxRetries)
	dur("DISPATCH_RETRY_DELAY", &cfg.Dispatch.RetryDelay)
	dur("DISPATCH_UNAVAILABLE_RETRY_AFTER", &cfg.Dispatch.UnavailableRetryAfter)
	integer("DISPATCH_SCRIPT_WORKERS", &cfg.Dispatch.ScriptWorkers)

	str("STORAGE_BACKEND", &cfg.Storage.Backend)
	str("STORAGE_SQLITE_PATH", &cfg.Storage.SQLite.Path)
	str("STORAGE_REDIS_ADDR", &cfg.Storage.Redis.Addr)
	str("STORAGE_REDIS_PASSWORD", &cfg.Storage.Redis.Password)
	integer("STORAGE_REDIS_DB", &cfg.Storage.Redis.DB)
	integer("STORAGE_RETENTION_DAYS", &cfg.Storage.RetentionDays)

	boolean("EVENTS_ENABLED", &cfg.Events.Enabled)
	str("EVENTS_BACKEND", &cfg.Events.Backend)
	str("EVENTS_PATH", &cfg.Events.Path)

	boolean("CACHE_ENABLED", &cfg.Cache.Enabled)
	str("CACHE_BACKEND", &cfg.Cache.Backend)
	str("CACHE_DIR", &cfg.Cache.Dir)
	dur("CACHE_TTL", &cfg.Cache.TTL)

	boolean("MAINTENANCE_ENABLED", &cfg.Maintenance.Enabled)

	str("TELEMETRY_LOGGING_LEVEL", &cfg.Telemetry.Logging.Level)
	str("TELEMETRY_LOGGING_FORMAT", &cfg.Telemetry.Logging.Format)
	boolean("TELEMETRY_METRICS_ENABLED", &cfg.Telemetry.Metrics.Enabled)
	boolean("TELEMETRY_TRACING_ENABLED", &cfg.Telemetry.Tracing.Enabled)
	str("TELEMETRY_TRACING_ENDPOINT", &cfg.Telemetry.Tracing.Endpoint)
	if v, ok := os.LookupEnv(EnvPrefix + "TELEMETRY_TRACING_SAMPLE_RATIO"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sTELEMETRY_TRACING_SAMPLE_RATIO: %w", EnvPrefix, err))
		} else {
			cfg.Telemetry.Tracing.SampleRatio = f
		}
	}

	return errors.Join(errs...)
}

// splitList splits a comma-separated list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
