package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, int64(30<<20), cfg.Server.MaxBodyBytes)
	assert.Equal(t, "round_robin", cfg.Routing.Strategy)
	assert.Equal(t, 5*time.Minute, cfg.Routing.RequestTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.Metrics.Enabled)
	assert.False(t, cfg.Auth.Enabled)
	assert.Empty(t, cfg.Providers)
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfigFile(t, `
server:
  http_port: 9090
  max_body_bytes: 1048576
routing:
  strategy: priority
  request_timeout: 45s
providers:
  openai:
    type: openai-compat
    enabled: true
    endpoint: https://api.openai.com
    api_key: sk-live
    tier: 0
    models:
      gpt-4o: gpt-4o-2024-08-06
models:
  - id: gpt-4o
    family: openai
aliases:
  best: [gpt-4o]
`)

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.HTTPPort)
	assert.Equal(t, int64(1<<20), cfg.Server.MaxBodyBytes)
	assert.Equal(t, "priority", cfg.Routing.Strategy)
	assert.Equal(t, 45*time.Second, cfg.Routing.RequestTimeout)

	// Untouched sections keep their defaults.
	assert.Equal(t, "info", cfg.Log.Level)

	require.Contains(t, cfg.Providers, "openai")
	assert.Equal(t, "openai-compat", cfg.Providers["openai"].Type)
	assert.Equal(t, "gpt-4o-2024-08-06", cfg.Providers["openai"].Models["gpt-4o"])
	require.Len(t, cfg.Models, 1)
	assert.Equal(t, []string{"gpt-4o"}, cfg.Aliases["best"])
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	path := writeConfigFile(t, "server:\n  http_port: 9090\n")

	t.Setenv("INFERGATE_SERVER_HTTP_PORT", "7070")
	t.Setenv("INFERGATE_ROUTING_REQUEST_TIMEOUT", "90s")
	t.Setenv("INFERGATE_AUTH_MASTER_KEYS", "key-a, key-b")
	t.Setenv("INFERGATE_METRICS_ENABLED", "false")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.HTTPPort)
	assert.Equal(t, 90*time.Second, cfg.Routing.RequestTimeout)
	assert.Equal(t, []string{"key-a", "key-b"}, cfg.Auth.MasterKeys)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoadCustomEnvPrefix(t *testing.T) {
	t.Setenv("GATEWAY_SERVER_HTTP_PORT", "6060")

	cfg, err := NewLoader().WithEnvPrefix("GATEWAY").Load()
	require.NoError(t, err)
	assert.Equal(t, 6060, cfg.Server.HTTPPort)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath(filepath.Join(t.TempDir(), "absent.yaml")).Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfigFile(t, "server: [not a mapping")

	_, err := NewLoader().WithConfigPath(path).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config from file")
}

func TestLoadValidatorHook(t *testing.T) {
	sentinel := errors.New("port reserved")
	_, err := NewLoader().
		WithValidator(func(c *Config) error {
			if c.Server.HTTPPort == 8080 {
				return sentinel
			}
			return nil
		}).
		Load()
	require.ErrorIs(t, err, sentinel)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults pass", func(c *Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.HTTPPort = 0 }, "invalid HTTP port"},
		{"bad body cap", func(c *Config) { c.Server.MaxBodyBytes = 0 }, "max_body_bytes"},
		{"auth without credentials", func(c *Config) { c.Auth.Enabled = true }, "no master keys"},
		{"unknown strategy", func(c *Config) { c.Routing.Strategy = "coinflip" }, "unknown routing strategy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestRegistryConfigCarriesCatalog(t *testing.T) {
	path := writeConfigFile(t, `
providers:
  anthropic:
    type: anthropic
    enabled: true
    models:
      claude-sonnet: claude-sonnet-4-20250514
models:
  - id: claude-sonnet
`)
	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	rc := cfg.RegistryConfig([]string{"anthropic"})
	assert.Equal(t, cfg.Providers, rc.Providers)
	assert.Equal(t, cfg.Models, rc.Models)
	assert.Equal(t, []string{"anthropic"}, rc.KnownTypes)
}
