package blobstore

import (
	"database/sql"
	"errors"
	"io"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/bundlestore/internal/nodeid"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE BUNDLE_BINVAL (BINVAL_ID TEXT PRIMARY KEY, BINVAL_DATA BLOB)`)
	require.NoError(t, err)
	return db
}

func TestCreateIDInjectiveOverTuples(t *testing.T) {
	p1 := nodeid.New()
	p2 := nodeid.New()

	ids := map[string]bool{
		CreateID(p1, 1, 2, 0): true,
		CreateID(p1, 1, 2, 1): true,
		CreateID(p1, 1, 3, 0): true,
		CreateID(p1, 2, 2, 0): true,
		CreateID(p2, 1, 2, 0): true,
	}
	assert.Len(t, ids, 5, "all five tuples must map to distinct ids")
}

func TestDBStorePutGetRemove(t *testing.T) {
	db := openTestDB(t)
	store := NewDBStore(db, "BUNDLE_BINVAL")

	id := store.CreateID(nodeid.New(), 1, 2, 0)
	payload := []byte("hello blob")

	require.NoError(t, store.Put(id, payload))

	r, err := store.Get(id)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, payload, got)

	removed, err := store.Remove(id)
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = store.Get(id)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDBStoreZeroLengthBlobReturnsEmptyStream(t *testing.T) {
	db := openTestDB(t)
	store := NewDBStore(db, "BUNDLE_BINVAL")

	id := store.CreateID(nodeid.New(), 1, 2, 0)
	require.NoError(t, store.Put(id, []byte{}))

	r, err := store.Get(id)
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFSStorePutGetRemove(t *testing.T) {
	store, err := NewFSStore(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)

	id := store.CreateID(nodeid.New(), 1, 2, 0)
	payload := []byte("hello fs blob")

	require.NoError(t, store.Put(id, payload))

	r, err := store.Get(id)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, payload, got)

	removed, err := store.Remove(id)
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = store.Get(id)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFSStoreRemoveMissingIsNotAnError(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	removed, err := store.Remove("nonexistent.1.2.0")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestFSStorePathIsTwoLevelsDeepAndStable(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	id := "aaaa.1.2.0"
	p1 := store.pathFor(id)
	p2 := store.pathFor(id)
	assert.Equal(t, p1, p2, "path for a given id must be stable across calls")
	assert.Equal(t, filepath.Base(p1), id)

	rel, err := filepath.Rel(store.basePath, p1)
	require.NoError(t, err)
	assert.Len(t, filepath.SplitList(rel), 1) // sanity: still one filesystem path
	assert.Equal(t, 3, len(splitPath(rel)), "expected <dir1>/<dir2>/<id>")
}

func splitPath(p string) []string {
	var parts []string
	for {
		dir, file := filepath.Split(p)
		parts = append([]string{file}, parts...)
		if dir == "" {
			break
		}
		p = filepath.Clean(dir)
		if p == "." || p == string(filepath.Separator) {
			break
		}
	}
	return parts
}
