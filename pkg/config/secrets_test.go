package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestResolveSecret(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "token")
	if err := os.WriteFile(good, []byte("  from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	loose := filepath.Join(dir, "loose")
	if err := os.WriteFile(loose, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SPEECHGATE_TEST_SECRET", "from-env")

	tests := []struct {
		name    string
		value   string
		want    string
		wantErr string
	}{
		{name: "literal", value: "plain-value", want: "plain-value"},
		{name: "empty", value: "", want: ""},
		{name: "env", value: "${env:SPEECHGATE_TEST_SECRET}", want: "from-env"},
		{name: "env missing", value: "${env:SPEECHGATE_TEST_UNSET}", wantErr: "not found"},
		{name: "file", value: "${file:" + good + "}", want: "from-file"},
		{name: "file permissions", value: "${file:" + loose + "}", wantErr: "insecure permissions"},
		{name: "file missing", value: "${file:" + filepath.Join(dir, "nope") + "}", wantErr: "not found"},
		{name: "unknown source", value: "${vault:key}", wantErr: "unknown secret source"},
		{name: "malformed", value: "${env}", wantErr: "malformed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveSecret(tt.value)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestLoadConfigWithEnvOverrides_ResolvesSecrets(t *testing.T) {
	t.Setenv("SPEECHGATE_TEST_UPSTREAM_KEY", "sk-upstream")
	path := writeConfig(t, t.TempDir(), `
upstream:
  base_url: http://tts.internal:5050
  api_key: "${env:SPEECHGATE_TEST_UPSTREAM_KEY}"
`)

	cfg, err := LoadConfigWithEnvOverrides(path)
	if err != nil {
		t.Fatalf("Expected config to load, got %v", err)
	}
	if cfg.Upstream.APIKey != "sk-upstream" {
		t.Errorf("Expected resolved api key, got %q", cfg.Upstream.APIKey)
	}
}

func TestLoadConfigWithEnvOverrides_UnresolvedSecret(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
upstream:
  base_url: http://tts.internal:5050
storage:
  backend: redis
  redis:
    addr: localhost:6379
    password: "${env:SPEECHGATE_TEST_NEVER_SET}"
`)

	_, err := LoadConfigWithEnvOverrides(path)
	if err == nil || !strings.Contains(err.Error(), "storage.redis.password") {
		t.Fatalf("Expected error naming storage.redis.password, got %v", err)
	}
}
