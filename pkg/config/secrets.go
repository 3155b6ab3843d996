package config

import (
	"fmt"
	"os"
	"strings"
)

// Secret references let credentials stay out of the config file:
//
//	upstream:
//	  api_key: ${env:TTS_UPSTREAM_KEY}
//	storage:
//	  redis:
//	    password: ${file:/run/secrets/redis}
//
// Any other value is used literally.
const (
	secretPrefix = "${"
	secretSuffix = "}"
)

// resolveSecrets replaces secret references in the credential fields.
func resolveSecrets(cfg *Config) error {
	fields := []struct {
		name  string
		value *string
	}{
		{"upstream.api_key", &cfg.Upstream.APIKey},
		{"storage.redis.password", &cfg.Storage.Redis.Password},
	}
	for _, f := range fields {
		v, err := ResolveSecret(*f.value)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.value = v
	}
	return nil
}

// ResolveSecret resolves a single "${env:NAME}" or "${file:PATH}" reference.
// Values that are not references are returned unchanged.
func ResolveSecret(value string) (string, error) {
	if !strings.HasPrefix(value, secretPrefix) || !strings.HasSuffix(value, secretSuffix) {
		return value, nil
	}
	ref := strings.TrimSuffix(strings.TrimPrefix(value, secretPrefix), secretSuffix)
	source, name, ok := strings.Cut(ref, ":")
	if !ok || name == "" {
		return "", fmt.Errorf("malformed secret reference %q", value)
	}

	switch source {
	case "env":
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			return "", fmt.Errorf("secret not found in environment: %s", name)
		}
		return v, nil
	case "file":
		return readSecretFile(name)
	default:
		return "", fmt.Errorf("unknown secret source %q", source)
	}
}

// readSecretFile reads a secret from a regular file with 0600 or 0400
// permissions, trimming surrounding whitespace.
func readSecretFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("secret file not found: %s", path)
		}
		return "", fmt.Errorf("failed to stat secret file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("secret path is not a regular file: %s", path)
	}
	if mode := info.Mode().Perm(); mode != 0o600 && mode != 0o400 {
		return "", fmt.Errorf("insecure permissions on %s: %o (expected 0600 or 0400)", path, mode)
	}

	// #nosec G304 - operator-supplied path from the config file
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read secret file: %w", err)
	}
	v := strings.TrimSpace(string(data))
	if v == "" {
		return "", fmt.Errorf("secret file is empty: %s", path)
	}
	return v, nil
}
