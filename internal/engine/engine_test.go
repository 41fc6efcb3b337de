package engine

import (
	"context"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/bundlestore/internal/codec"
	"github.com/cuemby/bundlestore/internal/nodeid"
	"github.com/cuemby/bundlestore/internal/txn"
)

func openTestEngine(t *testing.T, mutate func(*Config)) *Engine {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.DSN = "file:" + filepath.Join(dir, "bundles.db")
	cfg.WorkspaceDir = dir
	if mutate != nil {
		mutate(&cfg)
	}

	e, err := Open(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestOpenBootstrapsSchemaAndCloses(t *testing.T) {
	e := openTestEngine(t, nil)
	assert.Equal(t, nodeid.BinaryKeys, e.StorageModel())
}

func TestStoreAndLoadBundleRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, nil)

	typeName, err := e.QNameFor("nt", "unstructured")
	require.NoError(t, err)

	id := nodeid.New()
	bundle := &codec.Bundle{
		ID:           id,
		NodeTypeName: typeName,
		IsNew:        true,
	}
	require.NoError(t, e.Store(ctx, &txn.ChangeLog{Added: []*codec.Bundle{bundle}}))

	got, ok, err := e.LoadBundle(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, typeName, got.NodeTypeName)
}

func TestLoadBundleMissingReturnsFalse(t *testing.T) {
	e := openTestEngine(t, nil)
	_, ok, err := e.LoadBundle(context.Background(), nodeid.New())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckConsistencyFindsMissingChild(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, nil)

	typeName, err := e.QNameFor("nt", "unstructured")
	require.NoError(t, err)
	childName, err := e.QNameFor("", "child")
	require.NoError(t, err)

	parent := nodeid.New()
	bundle := &codec.Bundle{
		ID:           parent,
		NodeTypeName: typeName,
		ChildEntries: []codec.ChildEntry{{Name: childName, ID: nodeid.New()}},
		IsNew:        true,
	}
	require.NoError(t, e.Store(ctx, &txn.ChangeLog{Added: []*codec.Bundle{bundle}}))

	report, err := e.CheckConsistency(ctx, false)
	require.NoError(t, err)
	assert.Len(t, report.Findings, 1)

	snap := e.Stats()
	assert.Equal(t, 1, snap.ConsistencyChecks)
	assert.Equal(t, 1, snap.LastFindingsCount)
	assert.True(t, snap.Up)
	assert.Equal(t, 1, snap.BundlesTotal)
}

func TestQNameForIsStableAcrossCalls(t *testing.T) {
	e := openTestEngine(t, nil)
	a, err := e.QNameFor("nt", "base")
	require.NoError(t, err)
	b, err := e.QNameFor("nt", "base")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	ns, name, ok := e.ResolveQName(a)
	require.True(t, ok)
	assert.Equal(t, "nt", ns)
	assert.Equal(t, "base", name)
}

func TestOpenWithExternalBlobsUsesFSStore(t *testing.T) {
	e := openTestEngine(t, func(c *Config) {
		c.ExternalBLOBs = true
		c.MinBlobSize = 1
	})

	typeName, err := e.QNameFor("nt", "unstructured")
	require.NoError(t, err)
	propName, err := e.QNameFor("", "data")
	require.NoError(t, err)

	id := nodeid.New()
	bundle := &codec.Bundle{
		ID:           id,
		NodeTypeName: typeName,
		Properties: []codec.PropertyEntry{{
			Name: propName,
			Type: codec.TypeBinary,
			Values: []codec.Value{
				{Binary: []byte("externalize me")},
			},
		}},
		IsNew: true,
	}
	require.NoError(t, e.Store(context.Background(), &txn.ChangeLog{Added: []*codec.Bundle{bundle}}))

	got, ok, err := e.LoadBundle(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	prop, ok := got.Property(propName)
	require.True(t, ok)
	assert.NotEmpty(t, prop.Values[0].BlobID)
}
