package memory

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "default", cfg.Account)
	assert.Equal(t, 512, cfg.BufferCapacity)
	assert.Equal(t, time.Minute, cfg.SummarizeInterval)
	assert.Equal(t, 20, cfg.MinTailSize)
	assert.Equal(t, 5, cfg.ProfileEveryNCycles)
	assert.Equal(t, 30*time.Second, cfg.SummarizeTimeout)
	assert.False(t, cfg.AutoUploadToHub)
	assert.False(t, cfg.IndexShortTerm)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "membase.yaml")
	data := `
account: acme
auto_upload_to_hub: true
buffer_capacity: 128
summarize_interval: 30s
min_tail_size: 10
profile_every_n_cycles: 0
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "acme", cfg.Account)
	assert.True(t, cfg.AutoUploadToHub)
	assert.Equal(t, 128, cfg.BufferCapacity)
	assert.Equal(t, 30*time.Second, cfg.SummarizeInterval)
	assert.Equal(t, 10, cfg.MinTailSize)

	// Unset fields take defaults; an explicit zero keeps profile
	// recomputation disabled.
	assert.Equal(t, 30*time.Second, cfg.SummarizeTimeout)
	assert.Equal(t, 0, cfg.ProfileEveryNCycles)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("account: [unclosed"), 0o644))
	_, err = LoadConfig(path)
	require.Error(t, err)
}
