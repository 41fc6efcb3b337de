package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/bundlestore/internal/nodeid"
)

func TestLoadConfigAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
dsn: "file::memory:?cache=shared"
`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Driver)
	assert.Equal(t, "default", cfg.Schema)
	assert.Equal(t, 4096, cfg.MinBlobSize)
	assert.Equal(t, nodeid.BinaryKeys, cfg.storageModel())
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
driver: sqlite
dsn: "file:/tmp/x.db"
schema: splitlong
schemaObjectPrefix: "p"
minBlobSize: 16
externalBLOBs: true
consistencyCheck: true
storageModel: split-long
`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "splitlong", cfg.Schema)
	assert.Equal(t, 16, cfg.MinBlobSize)
	assert.True(t, cfg.ExternalBLOBs)
	assert.True(t, cfg.ConsistencyCheck)
	assert.Equal(t, nodeid.SplitLong, cfg.storageModel())
}

func TestLoadConfigRequiresDSN(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`schema: default`), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/config.yaml")
	assert.Error(t, err)
}
