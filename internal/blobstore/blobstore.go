// Package blobstore implements content-addressed storage for
// externalized BINARY property values, in two interchangeable
// backends: DB-resident ([DBStore], a single BINVAL table reached
// through database/sql) and FS-resident ([FSStore], a hash-fanned
// directory tree under a workspace root).
package blobstore

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"

	"github.com/cuemby/bundlestore/internal/nodeid"
	"github.com/cuemby/bundlestore/pkg/metrics"
)

// observe records one blob store operation's result and duration under
// the given backend label ("db" or "fs").
func observe(backend, op string, start *metrics.Timer, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.BlobStoreOpsTotal.WithLabelValues(backend, op, result).Inc()
	start.ObserveDurationVec(metrics.BlobStoreOpDuration, backend, op)
}

// ErrNotFound is returned by Get when the requested blob id has no
// data. Remove reports a missing id as (false, nil), not as an error.
var ErrNotFound = errors.New("blobstore: blob not found")

// Store is the contract both backends satisfy. It is a superset of
// codec.BlobStore, the narrower interface the bundle codec depends on.
type Store interface {
	CreateID(parentID nodeid.ID, ns, name uint32, valueIndex int) string
	Put(id string, data []byte) error
	Get(id string) (io.ReadCloser, error)
	Remove(id string) (bool, error)
}

// CreateID derives the deterministic id for a property value:
// "{parentNodeId}.{nsIdx}.{nameIdx}.{valueIdx}" in hex/ASCII. It is
// injective over distinct (parentID, ns, name, valueIndex) tuples
// because the parent id alone is already globally unique, and the
// remaining three fields are appended verbatim.
func CreateID(parentID nodeid.ID, ns, name uint32, valueIndex int) string {
	return fmt.Sprintf("%s.%d.%d.%d", parentID.Hex(), ns, name, valueIndex)
}

// DBStore is the DB-resident backend: one row per blob in a single
// table with columns (BINVAL_ID TEXT PK, BINVAL_DATA BLOB). Unlike the
// bundle/references stores, these operations are single ad hoc
// statements, not part of the prepared-statement pool.
type DBStore struct {
	db    *sql.DB
	table string // fully qualified, prefix already applied
}

// NewDBStore wraps an already-open database handle. table is the
// fully qualified BINVAL table name (schema prefix already applied by
// the schema bootstrapper).
func NewDBStore(db *sql.DB, table string) *DBStore {
	return &DBStore{db: db, table: table}
}

func (s *DBStore) CreateID(parentID nodeid.ID, ns, name uint32, valueIndex int) string {
	return CreateID(parentID, ns, name, valueIndex)
}

func (s *DBStore) Put(id string, data []byte) error {
	timer := metrics.NewTimer()
	q := fmt.Sprintf("INSERT OR REPLACE INTO %s (BINVAL_ID, BINVAL_DATA) VALUES (?, ?)", s.table)
	_, err := s.db.Exec(q, id, data)
	observe("db", "put", timer, err)
	if err != nil {
		return fmt.Errorf("blobstore: put %s: %w", id, err)
	}
	return nil
}

// Get returns a stream over the stored bytes. A database NULL payload
// (some drivers materialize a zero-length blob this way) is returned
// transparently as an empty stream.
func (s *DBStore) Get(id string) (io.ReadCloser, error) {
	timer := metrics.NewTimer()
	q := fmt.Sprintf("SELECT BINVAL_DATA FROM %s WHERE BINVAL_ID = ?", s.table)
	var data []byte
	err := s.db.QueryRow(q, id).Scan(&data)
	observe("db", "get", timer, err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("blobstore: get %s: %w", id, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// RemoveInTx is like Remove but executes within an existing
// transaction, so a caller wrapping bundle deletion and blob removal
// in one database transaction (package txn) gets all-or-nothing
// semantics across both.
func (s *DBStore) RemoveInTx(tx *sql.Tx, id string) (bool, error) {
	timer := metrics.NewTimer()
	q := fmt.Sprintf("DELETE FROM %s WHERE BINVAL_ID = ?", s.table)
	res, err := tx.Exec(q, id)
	if err != nil {
		observe("db", "remove", timer, err)
		return false, fmt.Errorf("blobstore: remove %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	observe("db", "remove", timer, err)
	if err != nil {
		return false, fmt.Errorf("blobstore: remove %s: %w", id, err)
	}
	return n > 0, nil
}

func (s *DBStore) Remove(id string) (bool, error) {
	timer := metrics.NewTimer()
	q := fmt.Sprintf("DELETE FROM %s WHERE BINVAL_ID = ?", s.table)
	res, err := s.db.Exec(q, id)
	if err != nil {
		observe("db", "remove", timer, err)
		return false, fmt.Errorf("blobstore: remove %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	observe("db", "remove", timer, err)
	if err != nil {
		return false, fmt.Errorf("blobstore: remove %s: %w", id, err)
	}
	return n > 0, nil
}

// FSStore is the FS-resident backend: a directory tree rooted at
// basePath, fanned out two levels deep by a hash of the blob id so no
// single directory accumulates every blob for one parent node.
type FSStore struct {
	basePath string
}

// NewFSStore ensures basePath exists and returns a store rooted there.
func NewFSStore(basePath string) (*FSStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("blobstore: create root %s: %w", basePath, err)
	}
	return &FSStore{basePath: basePath}, nil
}

func (s *FSStore) CreateID(parentID nodeid.ID, ns, name uint32, valueIndex int) string {
	return CreateID(parentID, ns, name, valueIndex)
}

// pathFor computes the fanned-out path for id. The fan-out is an
// internal implementation detail; it must only remain stable for the
// life of one workspace, which it is, since it is a pure function of
// id.
func (s *FSStore) pathFor(id string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	sum := h.Sum32()
	dir1 := fmt.Sprintf("%02x", byte(sum))
	dir2 := fmt.Sprintf("%02x", byte(sum>>8))
	return filepath.Join(s.basePath, dir1, dir2, id)
}

func (s *FSStore) Put(id string, data []byte) (err error) {
	timer := metrics.NewTimer()
	defer func() { observe("fs", "put", timer, err) }()

	p := s.pathFor(id)
	if err = os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return fmt.Errorf("blobstore: mkdir for %s: %w", id, err)
	}
	f, ferr := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if ferr != nil {
		err = fmt.Errorf("blobstore: create %s: %w", id, ferr)
		return err
	}
	defer f.Close()
	if _, werr := f.Write(data); werr != nil {
		err = fmt.Errorf("blobstore: write %s: %w", id, werr)
		return err
	}
	err = f.Sync()
	return err
}

func (s *FSStore) Get(id string) (_ io.ReadCloser, err error) {
	timer := metrics.NewTimer()
	defer func() { observe("fs", "get", timer, err) }()

	f, oerr := os.Open(s.pathFor(id))
	if errors.Is(oerr, os.ErrNotExist) {
		err = fmt.Errorf("%w: %s", ErrNotFound, id)
		return nil, err
	}
	if oerr != nil {
		err = fmt.Errorf("blobstore: open %s: %w", id, oerr)
		return nil, err
	}
	return f, nil
}

func (s *FSStore) Remove(id string) (_ bool, err error) {
	timer := metrics.NewTimer()
	defer func() { observe("fs", "remove", timer, err) }()

	rerr := os.Remove(s.pathFor(id))
	if errors.Is(rerr, os.ErrNotExist) {
		return false, nil
	}
	if rerr != nil {
		err = fmt.Errorf("blobstore: remove %s: %w", id, rerr)
		return false, err
	}
	return true, nil
}
