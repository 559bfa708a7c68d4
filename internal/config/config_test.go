package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const minimalJSON = `{
  "logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}},
  "provider": {"endpoint": "https://api.example.com/v1/chat/completions"},
  "credentials": {"inline": ["sk-test-000000001"]}
}`

func TestLoadStrictJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "genpool.json", minimalJSON)

	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.Endpoint == "" {
		t.Fatal("endpoint not parsed")
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	bad := strings.Replace(minimalJSON, `"provider"`, `"provder"`, 1)
	path := writeFile(t, dir, "genpool.json", bad)

	if _, err := NewConfigManager(path).Load(); err == nil {
		t.Fatal("expected unknown-field error")
	}
}

func TestLoadYAMLCoercion(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "genpool.yaml", `
logging:
  level: debug
  console: true
  file: {enabled: false, path: ""}
provider:
  endpoint: https://api.example.com/v1/chat/completions
credentials:
  inline: [sk-test-000000001]
models:
  strategy: quality
`)

	cfg, err := NewConfigManager(path).Load()
	if err != nil {
		t.Fatalf("Load yaml: %v", err)
	}
	if cfg.Models.Strategy != "quality" {
		t.Fatalf("strategy = %q, want quality", cfg.Models.Strategy)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		return &Config{
			Provider:    ProviderConfig{Endpoint: "https://api.example.com"},
			Credentials: CredentialsConfig{Inline: []string{"sk-x"}},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(*Config) {}, ""},
		{"missing endpoint", func(c *Config) { c.Provider.Endpoint = " " }, "provider.endpoint"},
		{"no credentials", func(c *Config) { c.Credentials = CredentialsConfig{} }, "credentials"},
		{"bad strategy", func(c *Config) { c.Models.Strategy = "cheap" }, "models.strategy"},
		{"profile without name", func(c *Config) {
			c.Models.Profiles = []ModelProfile{{RPM: 10}}
		}, "models.profiles[0]"},
		{"storage without path", func(c *Config) {
			c.Storage = &StorageConfig{Driver: "file"}
		}, "storage.path"},
		{"unknown storage driver", func(c *Config) {
			c.Storage = &StorageConfig{Driver: "redis", Path: "x"}
		}, "storage.driver"},
		{"bad duration", func(c *Config) { c.Executor.QuotaWindowWait = "soon" }, "quota_window_wait"},
		{"temperature out of range", func(c *Config) { c.Batch.Temperature = 3 }, "temperature"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadCredentialsMergesFileAndInline(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	keyFile := writeFile(t, dir, "keys.txt", `
# primary batch
sk-file-00000001
sk-file-00000002

sk-inline-0000001
`)
	cfg := &Config{
		Credentials: CredentialsConfig{
			File:   keyFile,
			Inline: []string{"sk-inline-0000001", "sk-inline-0000002"},
		},
	}

	keys, err := cfg.LoadCredentials()
	if err != nil {
		t.Fatalf("LoadCredentials: %v", err)
	}
	want := []string{"sk-inline-0000001", "sk-inline-0000002", "sk-file-00000001", "sk-file-00000002"}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("keys[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}

func TestSummarizeConfigChangeFlagsCredentials(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Credentials: CredentialsConfig{Inline: []string{"sk-old-secret"}}}
	newCfg := &Config{Credentials: CredentialsConfig{Inline: []string{"sk-new-secret", "sk-extra"}}}

	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	found := false
	for _, c := range changed {
		if c == "credentials" {
			found = true
		}
	}
	if !found {
		t.Fatalf("changed = %v, want credentials section flagged", changed)
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()

	if d, err := ParseDurationOrDefault("x", "", 5*time.Second); err != nil || d != 5*time.Second {
		t.Fatalf("empty: d=%v err=%v, want default", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "250ms", 5*time.Second); err != nil || d != 250*time.Millisecond {
		t.Fatalf("set: d=%v err=%v", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "not-a-duration", 5*time.Second); err == nil {
		t.Fatal("expected error for malformed duration")
	}
}
