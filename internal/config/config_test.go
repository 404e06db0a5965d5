package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesSpecValues(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 8, cfg.PipelineDepth)
	assert.Equal(t, 16*1024, cfg.BlockSize)
	assert.Equal(t, 16*1024, cfg.MetadataPieceSize)
	assert.Equal(t, 60*time.Second, cfg.PeerTimeout)
	assert.Equal(t, 10*time.Second, cfg.TrackerTimeout)
}

func TestLoadOverridesOnlyGivenFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline_depth: 16\nmax_peers: 200\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.PipelineDepth)
	assert.Equal(t, 200, cfg.MaxPeers)
	// Untouched fields keep their defaults.
	assert.Equal(t, 16*1024, cfg.BlockSize)
	assert.Equal(t, 60*time.Second, cfg.PeerTimeout)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
