// Package txn wraps a [ChangeLog] into one database transaction,
// applying deletions before insertions/updates in a fixed order, and
// commits or rolls back as a single unit. There is no savepoint or
// partial rollback.
package txn

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cuemby/bundlestore/internal/blobstore"
	"github.com/cuemby/bundlestore/internal/bserr"
	"github.com/cuemby/bundlestore/internal/codec"
	"github.com/cuemby/bundlestore/internal/nodeid"
	"github.com/cuemby/bundlestore/internal/sqlstore"
)

// ReferenceChange pairs a reference set with the insert-vs-update flag
// the caller has already determined (mirrors codec.Bundle.IsNew).
type ReferenceChange struct {
	Set   *sqlstore.ReferenceSet
	IsNew bool
}

// ChangeLog carries one atomic unit of mutation: three disjoint bundle
// sets plus modified/removed reference sets. Removed bundles must
// carry their last-known Properties (not just an id) so externalized
// blob values can be identified and removed without a read-before-delete.
type ChangeLog struct {
	Added    []*codec.Bundle
	Modified []*codec.Bundle
	Removed  []*codec.Bundle

	ModifiedReferences []ReferenceChange
	RemovedReferences  []nodeid.ID
}

// IsEmpty reports whether the change log has nothing to apply.
func (c *ChangeLog) IsEmpty() bool {
	return len(c.Added) == 0 && len(c.Modified) == 0 && len(c.Removed) == 0 &&
		len(c.ModifiedReferences) == 0 && len(c.RemovedReferences) == 0
}

// txRemover is satisfied by blob backends that can participate in the
// same SQL transaction as the bundle/reference rows (blobstore.DBStore
// does; blobstore.FSStore cannot, since the filesystem has no
// transaction of its own).
type txRemover interface {
	RemoveInTx(tx *sql.Tx, id string) (bool, error)
}

// Driver applies change logs against one bundle store.
type Driver struct {
	store *sqlstore.Store
	blobs blobstore.Store
	log   zerolog.Logger
}

// New returns a Driver writing through store, externalizing and
// removing BINARY values through blobs.
func New(store *sqlstore.Store, blobs blobstore.Store, log zerolog.Logger) *Driver {
	return &Driver{store: store, blobs: blobs, log: log.With().Str("component", "txn").Logger()}
}

// Store applies cl atomically: begins a transaction, applies bundle
// deletions, then reference-set deletions, then bundle
// inserts/updates, then reference-set inserts/updates, then commits.
// Any failure rolls back the whole transaction and the error is
// returned unchanged to the caller.
func (d *Driver) Store(ctx context.Context, cl *ChangeLog) error {
	if cl.IsEmpty() {
		return nil
	}

	tx, err := d.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", bserr.ErrConnection, err)
	}

	if err := d.apply(ctx, tx, cl); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			d.log.Error().Err(rbErr).Msg("rollback failed after store error")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", bserr.ErrStore, err)
	}

	d.removeNonTransactionalBlobs(cl)
	return nil
}

func (d *Driver) apply(ctx context.Context, tx *sql.Tx, cl *ChangeLog) error {
	bound := d.store.Bind(tx)

	for _, b := range cl.Removed {
		if err := bound.DestroyBundle(ctx, b.ID); err != nil {
			return err
		}
		if err := d.removeTransactionalBlobs(tx, b); err != nil {
			return err
		}
	}

	for _, target := range cl.RemovedReferences {
		if err := bound.DestroyReferences(ctx, target); err != nil {
			return err
		}
	}

	for _, b := range cl.Added {
		if err := bound.StoreBundle(ctx, b); err != nil {
			return err
		}
	}
	for _, b := range cl.Modified {
		if err := bound.StoreBundle(ctx, b); err != nil {
			return err
		}
	}

	for _, rc := range cl.ModifiedReferences {
		if err := bound.StoreReferences(ctx, rc.Set, rc.IsNew); err != nil {
			return err
		}
	}

	return nil
}

func (d *Driver) removeTransactionalBlobs(tx *sql.Tx, b *codec.Bundle) error {
	remover, ok := d.blobs.(txRemover)
	if !ok {
		return nil
	}
	for _, p := range b.Properties {
		for _, v := range p.Values {
			if v.BlobID == "" {
				continue
			}
			if _, err := remover.RemoveInTx(tx, v.BlobID); err != nil {
				return fmt.Errorf("%w: remove blob %s: %v", bserr.ErrBlob, v.BlobID, err)
			}
		}
	}
	return nil
}

// removeNonTransactionalBlobs runs after commit for backends (FSStore)
// that cannot be folded into the SQL transaction. Failures here are
// logged, not returned: the bundle deletion has already committed, and
// re-raising would misleadingly suggest the whole change log failed.
func (d *Driver) removeNonTransactionalBlobs(cl *ChangeLog) {
	if _, ok := d.blobs.(txRemover); ok {
		return
	}
	for _, b := range cl.Removed {
		for _, p := range b.Properties {
			for _, v := range p.Values {
				if v.BlobID == "" {
					continue
				}
				if _, err := d.blobs.Remove(v.BlobID); err != nil {
					d.log.Warn().Err(err).Str("blobId", v.BlobID).Msg("failed to remove externalized blob after bundle deletion")
				}
			}
		}
	}
}
