package gateway

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCatalog() RegistryConfig {
	return RegistryConfig{
		Providers: map[string]*ProviderConfig{
			"openai": {
				Type:         "openai-compat",
				Enabled:      true,
				Tier:         0,
				Endpoint:     "https://api.openai.com/v1",
				QualityScore: 9,
				Models: map[string]string{
					"gpt-4o":      "gpt-4o-2024-08-06",
					"gpt-4o-mini": "",
				},
			},
			"anthropic": {
				Type:         "anthropic",
				Enabled:      true,
				Tier:         0,
				Endpoint:     "https://api.anthropic.com",
				QualityScore: 9,
				Models: map[string]string{
					"claude-sonnet": "claude-sonnet-4-20250514",
				},
			},
			"backup": {
				Type:         "openai-compat",
				Enabled:      true,
				Tier:         2,
				Endpoint:     "https://backup.example.com/v1",
				QualityScore: 5,
				Models: map[string]string{
					"gpt-4o": "gpt-4o",
				},
			},
			"disabled": {
				Type:    "openai-compat",
				Enabled: false,
				Models: map[string]string{
					"gpt-4o": "gpt-4o",
				},
			},
		},
		Models: []CanonicalModel{
			{ID: "gpt-4o", Family: "gpt", ContextWindow: 128000, Capabilities: Capabilities{Streaming: true, Tools: true, Vision: true}},
			{ID: "gpt-4o-mini", Family: "gpt", ContextWindow: 128000, Capabilities: Capabilities{Streaming: true, Tools: true}},
			{ID: "claude-sonnet", Family: "claude", ContextWindow: 200000, Capabilities: Capabilities{Streaming: true, Tools: true, Vision: true}},
		},
		Aliases: map[string][]string{
			"best":   {"claude-sonnet", "gpt-4o"},
			"cheap":  {"gpt-4o-mini"},
			"looped": {"gpt-4o", "gpt-4o", "gpt-4o-mini"},
		},
		KnownTypes: []string{"openai-compat", "anthropic"},
	}
}

func TestNewRegistry(t *testing.T) {
	reg, err := NewRegistry(testCatalog())
	require.NoError(t, err)

	snap := reg.Snapshot()
	require.NotNil(t, snap)

	prov, ok := snap.Provider("openai")
	require.True(t, ok)
	assert.Equal(t, "openai", prov.Key)
	assert.Equal(t, 0, prov.Tier)

	_, ok = snap.Provider("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"anthropic", "backup", "disabled", "openai"}, snap.ProviderKeys())
}

func TestRegistryValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RegistryConfig)
		errMsg string
	}{
		{
			name: "duplicate model",
			mutate: func(cfg *RegistryConfig) {
				cfg.Models = append(cfg.Models, CanonicalModel{ID: "gpt-4o"})
			},
			errMsg: "duplicate canonical model",
		},
		{
			name: "negative tier",
			mutate: func(cfg *RegistryConfig) {
				cfg.Providers["openai"].Tier = -1
			},
			errMsg: "negative tier",
		},
		{
			name: "unknown adapter type",
			mutate: func(cfg *RegistryConfig) {
				cfg.Providers["openai"].Type = "smoke-signals"
			},
			errMsg: "unknown adapter type",
		},
		{
			name: "binding to unknown model",
			mutate: func(cfg *RegistryConfig) {
				cfg.Providers["openai"].Models["no-such-model"] = "x"
			},
			errMsg: "unknown model",
		},
		{
			name: "alias with missing target",
			mutate: func(cfg *RegistryConfig) {
				cfg.Aliases["broken"] = []string{"no-such-model"}
			},
			errMsg: "missing target model",
		},
		{
			name: "alias with empty target list",
			mutate: func(cfg *RegistryConfig) {
				cfg.Aliases["empty"] = nil
			},
			errMsg: "empty target list",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testCatalog()
			tt.mutate(&cfg)
			_, err := NewRegistry(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)

			var ge *Error
			require.True(t, errors.As(err, &ge))
			assert.Equal(t, ErrConfigInvalid, ge.Code)
		})
	}
}

func TestRegistryReloadSwapsSnapshot(t *testing.T) {
	reg, err := NewRegistry(testCatalog())
	require.NoError(t, err)

	before := reg.Snapshot()

	cfg := testCatalog()
	delete(cfg.Providers, "backup")
	require.NoError(t, reg.Reload(cfg))

	after := reg.Snapshot()
	assert.NotSame(t, before, after)

	// Old snapshot still answers queries for in-flight requests.
	_, ok := before.Provider("backup")
	assert.True(t, ok)
	_, ok = after.Provider("backup")
	assert.False(t, ok)
}

func TestRegistryReloadRejectsInvalid(t *testing.T) {
	reg, err := NewRegistry(testCatalog())
	require.NoError(t, err)
	before := reg.Snapshot()

	bad := testCatalog()
	bad.Providers["openai"].Type = "nonsense"
	require.Error(t, reg.Reload(bad))

	// Failed reload keeps the current snapshot.
	assert.Same(t, before, reg.Snapshot())
}

func TestSnapshotBindings(t *testing.T) {
	reg, err := NewRegistry(testCatalog())
	require.NoError(t, err)
	snap := reg.Snapshot()

	bindings := snap.BindingsFor("gpt-4o")
	require.Len(t, bindings, 3) // backup, disabled, openai

	for _, b := range bindings {
		assert.Equal(t, "gpt-4o", b.CanonicalID)
	}

	// Empty provider-specific id falls back to the canonical id.
	miniBindings := snap.BindingsFor("gpt-4o-mini")
	require.Len(t, miniBindings, 1)
	assert.Equal(t, "gpt-4o-mini", miniBindings[0].ProviderModelID)

	// Explicit upstream id is preserved.
	var openaiBinding *Binding
	for i := range bindings {
		if bindings[i].ProviderKey == "openai" {
			openaiBinding = &bindings[i]
		}
	}
	require.NotNil(t, openaiBinding)
	assert.Equal(t, "gpt-4o-2024-08-06", openaiBinding.ProviderModelID)
}

func TestServableModels(t *testing.T) {
	cfg := testCatalog()
	reg, err := NewRegistry(cfg)
	require.NoError(t, err)

	assert.Equal(t, []string{"claude-sonnet", "gpt-4o", "gpt-4o-mini"}, reg.Snapshot().ServableModels())

	// A model bound only to disabled providers is not servable.
	cfg = testCatalog()
	cfg.Providers["openai"].Enabled = false
	require.NoError(t, reg.Reload(cfg))
	assert.Equal(t, []string{"claude-sonnet", "gpt-4o"}, reg.Snapshot().ServableModels())
}
