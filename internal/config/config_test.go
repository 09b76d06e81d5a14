package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_Defaults(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, 32, cfg.Queue.BatchSize)
	assert.Equal(t, 2000, cfg.Queue.MaxQueueSize)
	assert.Equal(t, 1000, cfg.Queue.BackpressureThreshold)
	assert.Equal(t, 768, cfg.Embedding.Dimension)
	assert.Equal(t, PoolingMean, cfg.Embedding.Pooling)
	assert.True(t, cfg.Embedding.Normalize)
	assert.NotEmpty(t, cfg.ModelID)
	assert.Contains(t, cfg.ExcludePatterns, "**/.git/**")
}

func TestConfig_Validate_RequiresWatchedRoots(t *testing.T) {
	cfg := NewConfig()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "watched_roots")
}

func TestConfig_Validate_RejectsRelativeRoot(t *testing.T) {
	cfg := NewConfig()
	cfg.WatchedRoots = []string{"relative/path"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absolute")
}

func TestConfig_Validate_RejectsBadBackpressureThreshold(t *testing.T) {
	cfg := NewConfig()
	cfg.WatchedRoots = []string{"/tmp/project"}
	cfg.Queue.BackpressureThreshold = cfg.Queue.MaxQueueSize + 1
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backpressure_threshold")
}

func TestConfig_Validate_RejectsUnknownPooling(t *testing.T) {
	cfg := NewConfig()
	cfg.WatchedRoots = []string{"/tmp/project"}
	cfg.Embedding.Pooling = "sum"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embedding_pooling")
}

func TestConfig_LoadFromFile_MergesOverProjectYAML(t *testing.T) {
	dir := t.TempDir()
	yamlContent := `
watched_roots:
  - /tmp/project
embedding:
  embedding_dim: 1024
queue:
  batch_size: 64
model_id: custom-model
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".localsem.yaml"), []byte(yamlContent), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, []string{"/tmp/project"}, cfg.WatchedRoots)
	assert.Equal(t, 1024, cfg.Embedding.Dimension)
	assert.Equal(t, 64, cfg.Queue.BatchSize)
	assert.Equal(t, "custom-model", cfg.ModelID)
	// Untouched defaults survive the merge.
	assert.Equal(t, 3, cfg.Timeouts.MaxRetries)
}

func TestConfig_Load_IgnoresUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	yamlContent := `
watched_roots:
  - /tmp/project
totally_unknown_option: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".localsem.yaml"), []byte(yamlContent), 0o644))

	_, err := Load(dir)
	require.NoError(t, err)
}

func TestConfig_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".localsem.yaml"), []byte("watched_roots: [/tmp/project]\n"), 0o644))

	t.Setenv("LOCALSEM_MAX_QUEUE_SIZE", "5000")
	t.Setenv("LOCALSEM_MODEL_ID", "env-model")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.Queue.MaxQueueSize)
	assert.Equal(t, "env-model", cfg.ModelID)
}

func TestConfig_WriteAndReloadYAML(t *testing.T) {
	dir := t.TempDir()
	cfg := NewConfig()
	cfg.WatchedRoots = []string{"/tmp/project"}

	path := filepath.Join(dir, "out.yaml")
	require.NoError(t, cfg.WriteYAML(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "model_id")
}
