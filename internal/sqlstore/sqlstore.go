// Package sqlstore implements CRUD over node bundles and
// back-reference sets, keyed by node id, through eight prepared
// statements (four per table: insert, update, select, delete), shared
// under a single store-wide lock.
package sqlstore

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/bundlestore/internal/blobstore"
	"github.com/cuemby/bundlestore/internal/bserr"
	"github.com/cuemby/bundlestore/internal/codec"
	"github.com/cuemby/bundlestore/internal/nodeid"
)

// PropertyID names one property on one node: the unit a
// [ReferenceSet] tracks for its target.
type PropertyID struct {
	NodeID nodeid.ID
	Name   codec.QName
}

// ReferenceSet is the set of properties elsewhere in the tree that
// hold a REFERENCE or WEAKREFERENCE value pointing at Target.
type ReferenceSet struct {
	Target     nodeid.ID
	Properties []PropertyID
}

// Store owns the prepared statement pool for both the bundle table and
// the references table, plus the blob store the codec externalizes
// BINARY values through.
type Store struct {
	mu          sync.Mutex
	db          *sql.DB
	model       nodeid.StorageModel
	minBlobSize int
	blobs       blobstore.Store

	bundleTable string
	refsTable   string

	insertBundle, updateBundle, selectBundle, deleteBundle *sql.Stmt
	insertRefs, updateRefs, selectRefs, deleteRefs         *sql.Stmt
}

// Open prepares all eight statements against the given tables, which
// must already exist (see package schema). bundleTable and refsTable
// are fully qualified (schema prefix already applied).
func Open(ctx context.Context, db *sql.DB, model nodeid.StorageModel, bundleTable, refsTable string, minBlobSize int, blobs blobstore.Store) (*Store, error) {
	s := &Store{
		db:          db,
		model:       model,
		minBlobSize: minBlobSize,
		blobs:       blobs,
		bundleTable: bundleTable,
		refsTable:   refsTable,
	}

	keyCols := keyColumns(model)
	keyPlaceholders := placeholders(len(keyCols))
	keyWhere := whereClause(keyCols)

	var err error
	if s.insertBundle, err = prepare(ctx, db, fmt.Sprintf(
		"INSERT INTO %s (%s, PAYLOAD) VALUES (%s, ?)", bundleTable, colList(keyCols), keyPlaceholders)); err != nil {
		return nil, err
	}
	if s.updateBundle, err = prepare(ctx, db, fmt.Sprintf(
		"UPDATE %s SET PAYLOAD = ? WHERE %s", bundleTable, keyWhere)); err != nil {
		return nil, err
	}
	if s.selectBundle, err = prepare(ctx, db, fmt.Sprintf(
		"SELECT PAYLOAD FROM %s WHERE %s", bundleTable, keyWhere)); err != nil {
		return nil, err
	}
	if s.deleteBundle, err = prepare(ctx, db, fmt.Sprintf(
		"DELETE FROM %s WHERE %s", bundleTable, keyWhere)); err != nil {
		return nil, err
	}
	if s.insertRefs, err = prepare(ctx, db, fmt.Sprintf(
		"INSERT INTO %s (%s, PAYLOAD) VALUES (%s, ?)", refsTable, colList(keyCols), keyPlaceholders)); err != nil {
		return nil, err
	}
	if s.updateRefs, err = prepare(ctx, db, fmt.Sprintf(
		"UPDATE %s SET PAYLOAD = ? WHERE %s", refsTable, keyWhere)); err != nil {
		return nil, err
	}
	if s.selectRefs, err = prepare(ctx, db, fmt.Sprintf(
		"SELECT PAYLOAD FROM %s WHERE %s", refsTable, keyWhere)); err != nil {
		return nil, err
	}
	if s.deleteRefs, err = prepare(ctx, db, fmt.Sprintf(
		"DELETE FROM %s WHERE %s", refsTable, keyWhere)); err != nil {
		return nil, err
	}

	return s, nil
}

func prepare(ctx context.Context, db *sql.DB, query string) (*sql.Stmt, error) {
	stmt, err := db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: prepare %q: %v", bserr.ErrConnection, query, err)
	}
	return stmt, nil
}

// Close releases all eight prepared statements.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, stmt := range []*sql.Stmt{s.insertBundle, s.updateBundle, s.selectBundle, s.deleteBundle,
		s.insertRefs, s.updateRefs, s.selectRefs, s.deleteRefs} {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// LoadBundle reads the bundle at id. The payload is pre-buffered into
// memory before decoding so the result cursor is released promptly:
// some drivers tie a streamed blob to the live cursor.
func (s *Store) LoadBundle(ctx context.Context, id nodeid.ID) (*codec.Bundle, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.selectBundle.QueryRowContext(ctx, keyArgs(s.model, id)...)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: load bundle %s: %v", bserr.ErrStore, id, err)
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)

	b, err := codec.Decode(bytes.NewReader(buf))
	if err != nil {
		return nil, false, fmt.Errorf("%w: bundle %s: %v", bserr.ErrDecoding, id, err)
	}
	b.ID = id
	return b, true, nil
}

// ExistsBundle reports whether a row exists at id without decoding it.
func (s *Store) ExistsBundle(ctx context.Context, id nodeid.ID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.selectBundle.QueryRowContext(ctx, keyArgs(s.model, id)...)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("%w: exists bundle %s: %v", bserr.ErrStore, id, err)
	}
	return true, nil
}

// StoreBundle encodes b and inserts or updates it depending on
// b.IsNew, which the caller's change log supplies directly. This
// layer never infers new-vs-existing from a read-before-write.
func (s *Store) StoreBundle(ctx context.Context, b *codec.Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeBundleLocked(ctx, s.insertBundle, s.updateBundle, b)
}

func (s *Store) storeBundleLocked(ctx context.Context, insert, update *sql.Stmt, b *codec.Bundle) error {
	payload, err := codec.EncodeToBytes(b, s.minBlobSize, s.blobs)
	if err != nil {
		return fmt.Errorf("%w: bundle %s: %v", bserr.ErrEncoding, b.ID, err)
	}

	if b.IsNew {
		args := append(keyArgs(s.model, b.ID), payload)
		if _, err := insert.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("%w: insert bundle %s: %v", bserr.ErrStore, b.ID, err)
		}
		return nil
	}

	args := append([]any{payload}, keyArgs(s.model, b.ID)...)
	if _, err := update.ExecContext(ctx, args...); err != nil {
		return fmt.Errorf("%w: update bundle %s: %v", bserr.ErrStore, b.ID, err)
	}
	return nil
}

// RawBundle is one undecoded row from ScanBundles.
type RawBundle struct {
	ID      nodeid.ID
	Payload []byte
}

// ScanBundles reads every row in the bundle table into memory (key and
// raw payload, undecoded) and returns them, for use by the consistency
// checker's full scan. The whole result set is buffered before the
// lock is released, for the same reason LoadBundle pre-buffers a
// single row: some drivers tie a streamed value to the live cursor,
// and a long-running caller-side decode loop must not hold the
// store-wide lock for its entire duration.
func (s *Store) ScanBundles(ctx context.Context) ([]RawBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keyCols := keyColumns(s.model)
	q := fmt.Sprintf("SELECT %s, PAYLOAD FROM %s", colList(keyCols), s.bundleTable)
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%w: scan bundles: %v", bserr.ErrStore, err)
	}
	defer rows.Close()

	var out []RawBundle
	for rows.Next() {
		var payload []byte
		var id nodeid.ID
		if s.model == nodeid.SplitLong {
			var hi, lo int64
			if err := rows.Scan(&hi, &lo, &payload); err != nil {
				return nil, fmt.Errorf("%w: scan bundle row: %v", bserr.ErrStore, err)
			}
			id = nodeid.FromHighLow(uint64(hi), uint64(lo))
		} else {
			var raw []byte
			if err := rows.Scan(&raw, &payload); err != nil {
				return nil, fmt.Errorf("%w: scan bundle row: %v", bserr.ErrStore, err)
			}
			id, err = nodeid.FromBytes(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: scan bundle row: %v", bserr.ErrStore, err)
			}
		}
		buf := make([]byte, len(payload))
		copy(buf, payload)
		out = append(out, RawBundle{ID: id, Payload: buf})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan bundles: %v", bserr.ErrStore, err)
	}
	return out, nil
}

// DestroyBundle deletes the row at id. Externalized blobs referenced
// by the bundle's properties are the caller's responsibility to remove
// as a follow-up step in the same transaction (package txn does this,
// since it alone has the pre-deletion bundle contents in hand).
func (s *Store) DestroyBundle(ctx context.Context, id nodeid.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyBundleLocked(ctx, s.deleteBundle, id)
}

func (s *Store) destroyBundleLocked(ctx context.Context, stmt *sql.Stmt, id nodeid.ID) error {
	if _, err := stmt.ExecContext(ctx, keyArgs(s.model, id)...); err != nil {
		return fmt.Errorf("%w: destroy bundle %s: %v", bserr.ErrStore, id, err)
	}
	return nil
}

// LoadReferences reads the reference set for target, if any.
func (s *Store) LoadReferences(ctx context.Context, target nodeid.ID) (*ReferenceSet, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.selectRefs.QueryRowContext(ctx, keyArgs(s.model, target)...)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: load references %s: %v", bserr.ErrStore, target, err)
	}

	props, err := decodeReferences(payload)
	if err != nil {
		return nil, false, fmt.Errorf("%w: references %s: %v", bserr.ErrDecoding, target, err)
	}
	return &ReferenceSet{Target: target, Properties: props}, true, nil
}

// StoreReferences encodes and inserts or updates rs, matching the
// insert-vs-update choice to whether a row already existed (the caller
// determines this the same way it determines bundle IsNew).
func (s *Store) StoreReferences(ctx context.Context, rs *ReferenceSet, isNew bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload := encodeReferences(rs.Properties)
	if isNew {
		args := append(keyArgs(s.model, rs.Target), payload)
		if _, err := s.insertRefs.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("%w: insert references %s: %v", bserr.ErrStore, rs.Target, err)
		}
		return nil
	}

	args := append([]any{payload}, keyArgs(s.model, rs.Target)...)
	if _, err := s.updateRefs.ExecContext(ctx, args...); err != nil {
		return fmt.Errorf("%w: update references %s: %v", bserr.ErrStore, rs.Target, err)
	}
	return nil
}

// DestroyReferences deletes the reference-set row for target.
func (s *Store) DestroyReferences(ctx context.Context, target nodeid.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.deleteRefs.ExecContext(ctx, keyArgs(s.model, target)...); err != nil {
		return fmt.Errorf("%w: destroy references %s: %v", bserr.ErrStore, target, err)
	}
	return nil
}

// Bind returns a view of the same eight statements executed inside tx,
// for use by package txn to apply a whole change log atomically.
func (s *Store) Bind(tx *sql.Tx) *Bound {
	return &Bound{s: s, tx: tx}
}

// DB exposes the underlying handle so package txn can begin
// transactions; the statement pool itself is stateless with respect to
// which connection executes it.
func (s *Store) DB() *sql.DB { return s.db }

// Bound executes the same statement pool within an existing
// transaction via (*sql.Tx).Stmt, per the standard library's
// documented pattern for reusing a prepared statement across
// transactions.
type Bound struct {
	s  *Store
	tx *sql.Tx
}

func (b *Bound) StoreBundle(ctx context.Context, bundle *codec.Bundle) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	insert := b.tx.StmtContext(ctx, b.s.insertBundle)
	update := b.tx.StmtContext(ctx, b.s.updateBundle)
	defer insert.Close()
	defer update.Close()
	return b.s.storeBundleLocked(ctx, insert, update, bundle)
}

func (b *Bound) DestroyBundle(ctx context.Context, id nodeid.ID) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	stmt := b.tx.StmtContext(ctx, b.s.deleteBundle)
	defer stmt.Close()
	return b.s.destroyBundleLocked(ctx, stmt, id)
}

func (b *Bound) StoreReferences(ctx context.Context, rs *ReferenceSet, isNew bool) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()

	payload := encodeReferences(rs.Properties)
	if isNew {
		stmt := b.tx.StmtContext(ctx, b.s.insertRefs)
		defer stmt.Close()
		args := append(keyArgs(b.s.model, rs.Target), payload)
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("%w: insert references %s: %v", bserr.ErrStore, rs.Target, err)
		}
		return nil
	}

	stmt := b.tx.StmtContext(ctx, b.s.updateRefs)
	defer stmt.Close()
	args := append([]any{payload}, keyArgs(b.s.model, rs.Target)...)
	if _, err := stmt.ExecContext(ctx, args...); err != nil {
		return fmt.Errorf("%w: update references %s: %v", bserr.ErrStore, rs.Target, err)
	}
	return nil
}

func (b *Bound) DestroyReferences(ctx context.Context, target nodeid.ID) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	stmt := b.tx.StmtContext(ctx, b.s.deleteRefs)
	defer stmt.Close()
	if _, err := stmt.ExecContext(ctx, keyArgs(b.s.model, target)...); err != nil {
		return fmt.Errorf("%w: destroy references %s: %v", bserr.ErrStore, target, err)
	}
	return nil
}

// --- key binding, by storage model ----------------------------------

func keyColumns(model nodeid.StorageModel) []string {
	switch model {
	case nodeid.SplitLong:
		return []string{"ID_HI", "ID_LO"}
	default:
		return []string{"ID"}
	}
}

func keyArgs(model nodeid.StorageModel, id nodeid.ID) []any {
	if model == nodeid.SplitLong {
		hi, lo := id.HighLow()
		return []any{int64(hi), int64(lo)}
	}
	return []any{id.Bytes()}
}

func colList(cols []string) string {
	out := cols[0]
	for _, c := range cols[1:] {
		out += ", " + c
	}
	return out
}

func placeholders(n int) string {
	out := "?"
	for i := 1; i < n; i++ {
		out += ", ?"
	}
	return out
}

func whereClause(cols []string) string {
	out := cols[0] + " = ?"
	for _, c := range cols[1:] {
		out += " AND " + c + " = ?"
	}
	return out
}

// --- references payload -----------------------------------------------

// encodeReferences writes a length-prefixed sequence of property ids:
// varint count, then each (16-byte node id, varint namespace, varint
// name).
func encodeReferences(props []PropertyID) []byte {
	var buf bytes.Buffer
	writeUvarint(&buf, uint64(len(props)))
	for _, p := range props {
		buf.Write(p.NodeID.Bytes())
		writeUvarint(&buf, uint64(p.Name.Namespace))
		writeUvarint(&buf, uint64(p.Name.Name))
	}
	return buf.Bytes()
}

func decodeReferences(payload []byte) ([]PropertyID, error) {
	r := bytes.NewReader(payload)
	count, err := readUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("reference count: %w", err)
	}

	props := make([]PropertyID, 0, count)
	for i := uint64(0); i < count; i++ {
		idBytes := make([]byte, 16)
		if _, err := io.ReadFull(r, idBytes); err != nil {
			return nil, fmt.Errorf("property node id: %w", err)
		}
		id, err := nodeid.FromBytes(idBytes)
		if err != nil {
			return nil, err
		}
		ns, err := readUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("property namespace: %w", err)
		}
		name, err := readUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("property name: %w", err)
		}
		props = append(props, PropertyID{NodeID: id, Name: codec.QName{Namespace: uint32(ns), Name: uint32(name)}})
	}
	return props, nil
}
