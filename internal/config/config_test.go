package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marklubin/doublebufferproxy/internal/logger"
)

func TestDefaults(t *testing.T) {
	c := Default()
	assert.Equal(t, 0.70, c.CheckpointThreshold)
	assert.Equal(t, 0.80, c.SwapThreshold)
	assert.False(t, c.Passthrough)
	assert.Equal(t, 7200*time.Second, c.ConversationTTL)
	assert.Equal(t, 50000, c.CompactTriggerTokens)
	assert.Equal(t, 100, c.ModelWindows["tiny"])
}

func TestLoadFromEnvOverridesDefaults(t *testing.T) {
	t.Setenv("CHECKPOINT_THRESHOLD", "0.5")
	t.Setenv("SWAP_THRESHOLD", "0.6")
	t.Setenv("PASSTHROUGH", "true")
	t.Setenv("CONVERSATION_TTL_SECONDS", "60")
	t.Setenv("COMPACT_TRIGGER_TOKENS", "10")

	c := Default()
	require.NoError(t, c.LoadFromEnv(logger.NoOpLogger{}))

	assert.Equal(t, 0.5, c.CheckpointThreshold)
	assert.Equal(t, 0.6, c.SwapThreshold)
	assert.True(t, c.Passthrough)
	assert.Equal(t, 60*time.Second, c.ConversationTTL)
	assert.Equal(t, 10, c.CompactTriggerTokens)
}

func TestLoadFromEnvIgnoresInvalidValues(t *testing.T) {
	t.Setenv("CHECKPOINT_THRESHOLD", "not-a-number")

	c := Default()
	require.NoError(t, c.LoadFromEnv(logger.NoOpLogger{}))
	assert.Equal(t, 0.70, c.CheckpointThreshold, "invalid env values are logged and ignored, defaults retained")
}

func TestValidateRejectsSwapBelowCheckpoint(t *testing.T) {
	c := Default()
	c.CheckpointThreshold = 0.9
	c.SwapThreshold = 0.5
	assert.Error(t, c.Validate())
}

func TestValidateRejectsOutOfRangeThresholds(t *testing.T) {
	c := Default()
	c.CheckpointThreshold = 1.5
	assert.Error(t, c.Validate())
}

func TestYAMLOverrideFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/override.yaml"
	content := "model_windows:\n  custom-model: 12345\ndefault_window: 9999\ncompaction_signatures:\n  - \"please compact now\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("CONFIG_FILE", path)

	c := Default()
	require.NoError(t, c.LoadFromEnv(logger.NoOpLogger{}))

	assert.Equal(t, 12345, c.ModelWindows["custom-model"])
	assert.Equal(t, 9999, c.DefaultWindow)
	assert.Equal(t, []string{"please compact now"}, c.CompactionSignatures)
	assert.Equal(t, 100, c.ModelWindows["tiny"], "YAML overrides merge into, not replace, the default table")
}
