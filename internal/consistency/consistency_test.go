package consistency

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/bundlestore/internal/blobstore"
	"github.com/cuemby/bundlestore/internal/codec"
	"github.com/cuemby/bundlestore/internal/nodeid"
	"github.com/cuemby/bundlestore/internal/sqlstore"
	"github.com/cuemby/bundlestore/internal/txn"
)

func setup(t *testing.T) (*sqlstore.Store, *txn.Driver) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE BUNDLE (ID BLOB PRIMARY KEY, PAYLOAD BLOB)`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE REFS (ID BLOB PRIMARY KEY, PAYLOAD BLOB)`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE BINVAL (BINVAL_ID TEXT PRIMARY KEY, BINVAL_DATA BLOB)`)
	require.NoError(t, err)

	blobs := blobstore.NewDBStore(db, "BINVAL")
	store, err := sqlstore.Open(context.Background(), db, nodeid.BinaryKeys, "BUNDLE", "REFS", 4096, blobs)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	driver := txn.New(store, blobs, zerolog.Nop())
	return store, driver
}

func TestRunDetectsMissingChild(t *testing.T) {
	ctx := context.Background()
	store, driver := setup(t)

	a := nodeid.New()
	missingChild := nodeid.New()
	bundle := &codec.Bundle{
		ID:           a,
		NodeTypeName: codec.QName{Namespace: 1, Name: 1},
		ChildEntries: []codec.ChildEntry{{Name: codec.QName{Namespace: 1, Name: 2}, ID: missingChild}},
		IsNew:        true,
	}
	require.NoError(t, driver.Store(ctx, &txn.ChangeLog{Added: []*codec.Bundle{bundle}}))

	c := New(store, driver, zerolog.Nop())
	report, err := c.Run(ctx, false)
	require.NoError(t, err)

	require.Len(t, report.Findings, 1)
	assert.Equal(t, MissingChild, report.Findings[0].Kind)
	assert.Equal(t, a, report.Findings[0].BundleID)
}

func TestRunWithRepairRemovesMissingChildEntry(t *testing.T) {
	ctx := context.Background()
	store, driver := setup(t)

	a := nodeid.New()
	missingChild := nodeid.New()
	bundle := &codec.Bundle{
		ID:           a,
		NodeTypeName: codec.QName{Namespace: 1, Name: 1},
		ChildEntries: []codec.ChildEntry{{Name: codec.QName{Namespace: 1, Name: 2}, ID: missingChild}},
		IsNew:        true,
	}
	require.NoError(t, driver.Store(ctx, &txn.ChangeLog{Added: []*codec.Bundle{bundle}}))

	c := New(store, driver, zerolog.Nop())
	report, err := c.Run(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repaired)

	got, ok, err := store.LoadBundle(ctx, a)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, got.ChildEntries)
}

func TestRunIgnoresSentinelChildren(t *testing.T) {
	ctx := context.Background()
	store, driver := setup(t)

	a := nodeid.New()
	var sentinel nodeid.ID
	raw := sentinel.Bytes()
	copy(raw[10:16], []byte{0xba, 0xbe, 0xca, 0xfe, 0xba, 0xbe})
	sentinel, err := nodeid.FromBytes(raw)
	require.NoError(t, err)

	bundle := &codec.Bundle{
		ID:           a,
		NodeTypeName: codec.QName{Namespace: 1, Name: 1},
		ChildEntries: []codec.ChildEntry{{Name: codec.QName{Namespace: 1, Name: 2}, ID: sentinel}},
		IsNew:        true,
	}
	require.NoError(t, driver.Store(ctx, &txn.ChangeLog{Added: []*codec.Bundle{bundle}}))

	c := New(store, driver, zerolog.Nop())
	report, err := c.Run(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, report.Findings)
}

func TestRunDetectsMissingParent(t *testing.T) {
	ctx := context.Background()
	store, driver := setup(t)

	child := nodeid.New()
	missingParent := nodeid.New()
	bundle := &codec.Bundle{
		ID:           child,
		ParentID:     missingParent,
		HasParent:    true,
		NodeTypeName: codec.QName{Namespace: 1, Name: 1},
		IsNew:        true,
	}
	require.NoError(t, driver.Store(ctx, &txn.ChangeLog{Added: []*codec.Bundle{bundle}}))

	c := New(store, driver, zerolog.Nop())
	report, err := c.Run(ctx, false)
	require.NoError(t, err)

	require.Len(t, report.Findings, 1)
	assert.Equal(t, MissingParent, report.Findings[0].Kind)
}

func TestRunDetectsWrongParent(t *testing.T) {
	ctx := context.Background()
	store, driver := setup(t)

	parent := nodeid.New()
	child := nodeid.New()
	otherParent := nodeid.New()

	parentBundle := &codec.Bundle{
		ID:           parent,
		NodeTypeName: codec.QName{Namespace: 1, Name: 1},
		ChildEntries: []codec.ChildEntry{{Name: codec.QName{Namespace: 1, Name: 2}, ID: child}},
		IsNew:        true,
	}
	childBundle := &codec.Bundle{
		ID:           child,
		ParentID:     otherParent,
		HasParent:    true,
		NodeTypeName: codec.QName{Namespace: 1, Name: 1},
		IsNew:        true,
	}
	require.NoError(t, driver.Store(ctx, &txn.ChangeLog{Added: []*codec.Bundle{parentBundle, childBundle}}))

	c := New(store, driver, zerolog.Nop())
	report, err := c.Run(ctx, false)
	require.NoError(t, err)

	var sawWrongParent, sawMissingParent bool
	for _, f := range report.Findings {
		if f.Kind == WrongParent {
			sawWrongParent = true
			assert.Equal(t, child, f.BundleID)
		}
		if f.Kind == MissingParent {
			sawMissingParent = true
		}
	}
	assert.True(t, sawWrongParent)
	assert.True(t, sawMissingParent, "otherParent does not exist either")
}

func TestOnFindingCallback(t *testing.T) {
	ctx := context.Background()
	store, driver := setup(t)

	a := nodeid.New()
	bundle := &codec.Bundle{
		ID:           a,
		NodeTypeName: codec.QName{Namespace: 1, Name: 1},
		ChildEntries: []codec.ChildEntry{{Name: codec.QName{Namespace: 1, Name: 2}, ID: nodeid.New()}},
		IsNew:        true,
	}
	require.NoError(t, driver.Store(ctx, &txn.ChangeLog{Added: []*codec.Bundle{bundle}}))

	var seen []FindingKind
	c := New(store, driver, zerolog.Nop())
	c.OnFinding = func(k FindingKind) { seen = append(seen, k) }

	_, err := c.Run(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []FindingKind{MissingChild}, seen)
}
