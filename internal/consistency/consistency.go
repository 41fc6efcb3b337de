// Package consistency implements a full scan over every bundle
// verifying parent/child integrity, with optional repair.
package consistency

import (
	"bytes"
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cuemby/bundlestore/internal/codec"
	"github.com/cuemby/bundlestore/internal/nodeid"
	"github.com/cuemby/bundlestore/internal/sqlstore"
	"github.com/cuemby/bundlestore/internal/txn"
)

// FindingKind classifies one integrity problem.
type FindingKind string

const (
	MissingChild  FindingKind = "missing_child"
	WrongParent   FindingKind = "wrong_parent"
	MissingParent FindingKind = "missing_parent"
	DecodeError   FindingKind = "decode_error"
)

// Finding is one integrity problem discovered by a scan.
type Finding struct {
	Kind     FindingKind
	BundleID nodeid.ID
	Detail   string
}

// Report summarizes one Run.
type Report struct {
	Scanned  int
	Findings []Finding
	Repaired int
}

// Checker scans a bundle store for consistency and, optionally,
// repairs it.
type Checker struct {
	store *sqlstore.Store
	write *txn.Driver
	log   zerolog.Logger

	// OnFinding, if set, is invoked for every finding as it's recorded.
	// Package engine wires this to a metrics counter.
	OnFinding func(FindingKind)
}

// New returns a Checker that scans through store and, when repairing,
// writes through write.
func New(store *sqlstore.Store, write *txn.Driver, log zerolog.Logger) *Checker {
	return &Checker{store: store, write: write, log: log.With().Str("component", "consistency").Logger()}
}

// Run scans every bundle. When repair is true, bundles whose child
// list names a missing child have that entry removed and are
// rewritten one at a time, each in its own transaction (bounding the
// blast radius of a single repair failure).
func (c *Checker) Run(ctx context.Context, repair bool) (Report, error) {
	rows, err := c.store.ScanBundles(ctx)
	if err != nil {
		return Report{}, err
	}

	var report Report
	existing := make(map[nodeid.ID]bool, len(rows))
	for _, r := range rows {
		existing[r.ID] = true
	}

	byID := make(map[nodeid.ID]*codec.Bundle, len(rows))
	count := 0
	for _, r := range rows {
		count++
		// total is intentionally always logged as 0: the scan doesn't
		// know the final count in advance and this preserves that.
		c.log.Info().Int("count", count).Int("total", 0).Msg("consistency scan progress")

		b, decodeErr := codec.Decode(bytes.NewReader(r.Payload))
		if decodeErr != nil {
			if checkErr := codec.Check(bytes.NewReader(r.Payload)); checkErr != nil {
				c.log.Warn().Stringer("bundleId", r.ID).Err(checkErr).Msg("bundle decode failed")
			}
			c.record(&report, Finding{Kind: DecodeError, BundleID: r.ID, Detail: decodeErr.Error()})
			continue
		}
		b.ID = r.ID
		byID[r.ID] = b
	}
	report.Scanned = count

	var repaired []*codec.Bundle
	for id, b := range byID {
		changed := false
		kept := b.ChildEntries[:0:0]

		for _, ce := range b.ChildEntries {
			if ce.ID.IsSentinel() {
				kept = append(kept, ce)
				continue
			}
			if !existing[ce.ID] {
				c.record(&report, Finding{
					Kind:     MissingChild,
					BundleID: id,
					Detail:   fmt.Sprintf("child %s (ns=%d name=%d) has no bundle row", ce.ID, ce.Name.Namespace, ce.Name.Name),
				})
				changed = true
				continue
			}
			kept = append(kept, ce)

			if child, ok := byID[ce.ID]; ok {
				if !child.HasParent || child.ParentID != id {
					c.record(&report, Finding{
						Kind:     WrongParent,
						BundleID: ce.ID,
						Detail:   fmt.Sprintf("expected parent %s", id),
					})
				}
			}
		}

		if b.HasParent && !existing[b.ParentID] {
			c.record(&report, Finding{
				Kind:     MissingParent,
				BundleID: id,
				Detail:   fmt.Sprintf("parent %s has no bundle row", b.ParentID),
			})
		}

		if changed && repair {
			b.ChildEntries = kept
			b.IsNew = false
			repaired = append(repaired, b)
		}
	}

	if repair {
		for _, b := range repaired {
			if err := c.write.Store(ctx, &txn.ChangeLog{Modified: []*codec.Bundle{b}}); err != nil {
				return report, err
			}
			report.Repaired++
		}
	}

	return report, nil
}

func (c *Checker) record(report *Report, f Finding) {
	report.Findings = append(report.Findings, f)
	c.log.Warn().Stringer("bundleId", f.BundleID).Str("kind", string(f.Kind)).Msg(f.Detail)
	if c.OnFinding != nil {
		c.OnFinding(f.Kind)
	}
}
