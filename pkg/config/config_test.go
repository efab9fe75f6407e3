package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 1, cfg.Cluster.MinNodes)
	assert.Equal(t, 3, cfg.Cluster.MaxDepth)
	assert.Equal(t, 0.6, cfg.Cluster.MitosisThreshold)
	assert.Equal(t, 6, cfg.Cluster.ConsecutiveLossLimit)
	assert.Equal(t, FallbackBestAvailable, cfg.Cluster.FallbackStrategy)
	assert.Equal(t, 0.3, cfg.Reward.Alpha)
	assert.Equal(t, 0.01, cfg.Reward.DecayRate)
	assert.Equal(t, 0.25, cfg.Context.OutputReserveRatio)
	assert.Equal(t, 200, cfg.Loop.ComplexityLLMThreshold)
	assert.Equal(t, 0.35, cfg.Loop.EvolutionRewardThreshold)
	assert.Equal(t, 5, cfg.Loop.EvolutionWindow)

	w := cfg.Cluster.BidWeights
	assert.InDelta(t, 1.0, w.Capability+w.Availability+w.History+w.Tools, 1e-9)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Cluster.MaxNodes)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"cluster": {"max_nodes": 4, "mitosis_threshold": 0.8},
		"providers": {"default": "openai"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Cluster.MaxNodes)
	assert.Equal(t, 0.8, cfg.Cluster.MitosisThreshold)
	assert.Equal(t, "openai", cfg.Providers.Default)
	// Untouched sections keep defaults.
	assert.Equal(t, 0.3, cfg.Reward.Alpha)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"cluster": {"max_nodes": 4}}`), 0o600))

	t.Setenv("PICOCELL_CLUSTER_MAX_NODES", "9")
	t.Setenv("PICOCELL_ANTHROPIC_API_KEY", "sk-test-abc")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Cluster.MaxNodes)
	assert.Equal(t, "sk-test-abc", cfg.Providers.Anthropic.APIKey)
}

func TestLoad_NormalizesBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"cluster": {"min_nodes": 0, "fallback_strategy": "panic"},
		"reward": {"alpha": 7.0},
		"context": {"output_reserve_ratio": 2.0}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Cluster.MinNodes)
	assert.Equal(t, FallbackBestAvailable, cfg.Cluster.FallbackStrategy)
	assert.Equal(t, 0.3, cfg.Reward.Alpha)
	assert.Equal(t, 0.25, cfg.Context.OutputReserveRatio)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := Default()
	cfg.Cluster.MaxNodes = 7

	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Cluster.MaxNodes)
}

func TestProviderFor(t *testing.T) {
	cfg := Default()
	cfg.Providers.OpenAI.APIKey = "sk-x"

	pc, ok := cfg.ProviderFor("openai")
	require.True(t, ok)
	assert.Equal(t, "sk-x", pc.APIKey)

	_, ok = cfg.ProviderFor("gemini")
	assert.False(t, ok)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "x"), ExpandHome("~/x"))
	assert.Equal(t, home, ExpandHome("~"))
	assert.Equal(t, "/abs/path", ExpandHome("/abs/path"))
	assert.Equal(t, "", ExpandHome(""))
}
