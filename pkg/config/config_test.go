package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestLoadMergesOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foreman.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
parallel:
  max_workers: 8
sprint:
  contention_threshold: 0.6
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Parallel.MaxWorkers)
	require.Equal(t, 0.6, cfg.Sprint.ContentionThreshold)
	// Unset fields retain their defaults.
	require.Equal(t, DefaultConfig().Parallel.MaxMergeRetries, cfg.Parallel.MaxMergeRetries)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Parallel.MaxWorkers = 0
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Sprint.ContentionThreshold = 1.5
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Parallel.AgentCommand = nil
	require.Error(t, cfg.Validate())
}
