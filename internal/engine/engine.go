// Package engine wires the name index, blob store, bundle/references
// store, transactional write driver, schema bootstrapper, and
// consistency checker into one open/close-able unit, and exposes a
// small administrative surface (Store, LoadBundle, CheckConsistency,
// Stats) for cmd/bundlestore and cmd/bundlestore-fsck to drive without
// duplicating wiring logic.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/cuemby/bundlestore/internal/blobstore"
	"github.com/cuemby/bundlestore/internal/bserr"
	"github.com/cuemby/bundlestore/internal/codec"
	"github.com/cuemby/bundlestore/internal/consistency"
	"github.com/cuemby/bundlestore/internal/nameindex"
	"github.com/cuemby/bundlestore/internal/nodeid"
	"github.com/cuemby/bundlestore/internal/schema"
	"github.com/cuemby/bundlestore/internal/sqlstore"
	"github.com/cuemby/bundlestore/internal/txn"
	"github.com/cuemby/bundlestore/pkg/metrics"
)

// Engine owns the full stack for one bundle store: a single database
// connection, the two name indices, one blob store backend, the
// statement pool, the write driver, and the consistency checker.
type Engine struct {
	db    *sql.DB
	model nodeid.StorageModel

	namespaces *nameindex.Index
	localNames *nameindex.Index

	blobs  blobstore.Store
	store  *sqlstore.Store
	write  *txn.Driver
	check  *consistency.Checker
	schema *schema.Result

	log zerolog.Logger

	cfg Config

	lastConsistencyChecks int
	lastFindingsCount     int
}

// Open connects to the configured database, bootstraps the schema if
// needed, opens both name indices, constructs the configured blob
// store backend, opens the bundle/references store, and wires the
// write driver and consistency checker. If cfg.ConsistencyCheck is
// set, it runs one consistency pass before returning (fixing findings
// when cfg.ConsistencyFix is also set).
func Open(ctx context.Context, cfg Config, log zerolog.Logger) (*Engine, error) {
	log = log.With().Str("component", "engine").Logger()

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", bserr.ErrConnection, cfg.Driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping: %v", bserr.ErrConnection, err)
	}

	model := cfg.storageModel()

	res, err := schema.Bootstrap(ctx, db, cfg.Schema, cfg.SchemaObjectPrefix, cfg.ExternalBLOBs)
	if err != nil {
		db.Close()
		metrics.SchemaBootstrapsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if res.Created {
		metrics.SchemaBootstrapsTotal.WithLabelValues("created").Inc()
	} else {
		metrics.SchemaBootstrapsTotal.WithLabelValues("already_present").Inc()
	}

	namespaces, err := nameindex.Open(filepath.Join(cfg.WorkspaceDir, "namespaces.idx"))
	if err != nil {
		db.Close()
		return nil, err
	}
	localNames, err := nameindex.Open(filepath.Join(cfg.WorkspaceDir, "localnames.idx"))
	if err != nil {
		namespaces.Close()
		db.Close()
		return nil, err
	}

	var blobs blobstore.Store
	if cfg.ExternalBLOBs {
		blobs, err = blobstore.NewFSStore(filepath.Join(cfg.WorkspaceDir, "blobs"))
		if err != nil {
			localNames.Close()
			namespaces.Close()
			db.Close()
			return nil, err
		}
	} else {
		blobs = blobstore.NewDBStore(db, res.BinvalTable)
	}

	store, err := sqlstore.Open(ctx, db, model, res.BundleTable, res.RefsTable, cfg.MinBlobSize, blobs)
	if err != nil {
		localNames.Close()
		namespaces.Close()
		db.Close()
		return nil, err
	}

	write := txn.New(store, blobs, log)
	checker := consistency.New(store, write, log)
	checker.OnFinding = func(kind consistency.FindingKind) {
		metrics.ConsistencyFindingsTotal.WithLabelValues(string(kind)).Inc()
	}

	e := &Engine{
		db:         db,
		model:      model,
		namespaces: namespaces,
		localNames: localNames,
		blobs:      blobs,
		store:      store,
		write:      write,
		check:      checker,
		schema:     res,
		log:        log,
		cfg:        cfg,
	}

	if cfg.ConsistencyCheck {
		if _, err := e.CheckConsistency(ctx, cfg.ConsistencyFix); err != nil {
			e.Close()
			return nil, err
		}
	}

	return e, nil
}

// Close releases the statement pool, both name indices, and the
// database connection, joining any errors encountered along the way
// so a partial failure during shutdown is never silently dropped.
func (e *Engine) Close() error {
	return errors.Join(
		e.store.Close(),
		e.namespaces.Close(),
		e.localNames.Close(),
		e.db.Close(),
	)
}

// Store applies cl atomically through the transactional write driver.
func (e *Engine) Store(ctx context.Context, cl *txn.ChangeLog) error {
	timer := metrics.NewTimer()
	err := e.write.Store(ctx, cl)
	timer.ObserveDuration(metrics.WriteTransactionDuration)
	if err != nil {
		metrics.WriteTransactionsTotal.WithLabelValues("rolled_back").Inc()
		return err
	}
	metrics.WriteTransactionsTotal.WithLabelValues("committed").Inc()
	return nil
}

// LoadBundle reads the bundle at id, if any.
func (e *Engine) LoadBundle(ctx context.Context, id nodeid.ID) (*codec.Bundle, bool, error) {
	timer := metrics.NewTimer()
	b, ok, err := e.store.LoadBundle(ctx, id)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.BundleStoreOpsTotal.WithLabelValues("load", result).Inc()
	timer.ObserveDurationVec(metrics.BundleStoreOpDuration, "load")
	return b, ok, err
}

// CheckConsistency runs one full consistency scan, optionally
// repairing findings in place, and records the outcome in metrics.
func (e *Engine) CheckConsistency(ctx context.Context, fix bool) (consistency.Report, error) {
	timer := metrics.NewTimer()
	report, err := e.check.Run(ctx, fix)
	timer.ObserveDuration(metrics.ConsistencyScanDuration)
	if err != nil {
		return report, err
	}
	metrics.ConsistencyScansTotal.Inc()
	e.lastConsistencyChecks++
	e.lastFindingsCount = len(report.Findings)
	return report, nil
}

// Stats returns a point-in-time summary of engine state, implementing
// pkg/metrics.StatsSource for Collector.
func (e *Engine) Stats() metrics.Snapshot {
	up := e.db.PingContext(context.Background()) == nil
	var total int
	if rows, err := e.store.ScanBundles(context.Background()); err == nil {
		total = len(rows)
	}
	return metrics.Snapshot{
		BundlesTotal:      total,
		Up:                up,
		ConsistencyChecks: e.lastConsistencyChecks,
		LastFindingsCount: e.lastFindingsCount,
	}
}

// QNameFor resolves (namespaceURI, localName) to a codec.QName,
// minting fresh ids in the respective name index when either string
// has not been seen before.
func (e *Engine) QNameFor(namespaceURI, localName string) (codec.QName, error) {
	ns, err := e.namespaces.IDFor(namespaceURI)
	if err != nil {
		return codec.QName{}, err
	}
	name, err := e.localNames.IDFor(localName)
	if err != nil {
		return codec.QName{}, err
	}
	return codec.QName{Namespace: ns, Name: name}, nil
}

// ResolveQName is the inverse of QNameFor: it looks up the namespace
// URI and local name strings for q, reporting false if either half has
// never been indexed.
func (e *Engine) ResolveQName(q codec.QName) (namespaceURI, localName string, ok bool) {
	ns, nsOK := e.namespaces.NameFor(q.Namespace)
	name, nameOK := e.localNames.NameFor(q.Name)
	return ns, name, nsOK && nameOK
}

// StorageModel reports the NodeId column shape this engine was opened
// with.
func (e *Engine) StorageModel() nodeid.StorageModel {
	return e.model
}
