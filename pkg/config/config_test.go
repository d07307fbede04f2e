package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lattice.yaml")
	yamlContent := "dimension: 128\nstorage:\n  kind: memory\n"
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 128, cfg.Dimension)
	assert.Equal(t, "memory", cfg.Storage.Kind)
	// unset fields still come from Default()
	assert.Equal(t, 16, cfg.HNSW.M)
}

func TestValidateRejectsBadDimension(t *testing.T) {
	cfg := Default()
	cfg.Dimension = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownStorageKind(t *testing.T) {
	cfg := Default()
	cfg.Storage.Kind = "ftp"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsInvertedFlushBounds(t *testing.T) {
	cfg := Default()
	cfg.Write.MinFlushSize = cfg.Write.MaxBufferSize + 1
	assert.Error(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
