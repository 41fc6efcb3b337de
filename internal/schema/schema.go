// Package schema detects whether the bundle table already exists and,
// if not, executes an embedded DDL resource with the configured table
// prefix substituted in.
package schema

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"

	"github.com/cuemby/bundlestore/internal/bserr"
)

//go:embed ddl/*.ddl
var ddlFS embed.FS

const prefixToken = "${schemaObjectPrefix}"

// Result reports what BundleTable/RefsTable/BinvalTable names a
// Bootstrap call resolved to, for the caller (package engine) to wire
// into sqlstore.Open and blobstore.NewDBStore.
type Result struct {
	BundleTable string
	RefsTable   string
	BinvalTable string
	Created     bool
}

// Bootstrap ensures the tables for schema/prefix exist, creating them
// from the embedded "<schema>.ddl" resource if the bundle table is
// absent. When externalBLOBs is true (FS-resident blobs in use), any
// DDL line naming BINVAL is skipped, since that table serves only the
// DB-resident backend.
func Bootstrap(ctx context.Context, db *sql.DB, schemaName, rawPrefix string, externalBLOBs bool) (*Result, error) {
	prefix := SanitizePrefix(rawPrefix)
	bundleTable := prefix + "BUNDLE"
	refsTable := prefix + "REFS"
	binvalTable := prefix + "BINVAL"

	exists, err := tableExists(ctx, db, bundleTable)
	if err != nil {
		return nil, fmt.Errorf("%w: checking for table %s: %v", bserr.ErrSchema, bundleTable, err)
	}
	if exists {
		return &Result{BundleTable: bundleTable, RefsTable: refsTable, BinvalTable: binvalTable}, nil
	}

	raw, err := ddlFS.ReadFile("ddl/" + schemaName + ".ddl")
	if err != nil {
		return nil, fmt.Errorf("%w: no DDL resource for schema %q: %v", bserr.ErrSchema, schemaName, err)
	}

	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		line = strings.ReplaceAll(line, prefixToken, prefix)
		if externalBLOBs && strings.Contains(line, "BINVAL") {
			continue
		}
		if _, err := db.ExecContext(ctx, line); err != nil {
			return nil, fmt.Errorf("%w: executing DDL statement %q: %v", bserr.ErrSchema, line, err)
		}
	}

	return &Result{BundleTable: bundleTable, RefsTable: refsTable, BinvalTable: binvalTable, Created: true}, nil
}

// tableExists queries sqlite's table catalog, case-insensitively. A
// different driver would swap this one function for its own metadata
// query; nothing else in Bootstrap is driver-specific.
func tableExists(ctx context.Context, db *sql.DB, name string) (bool, error) {
	row := db.QueryRowContext(ctx,
		"SELECT 1 FROM sqlite_master WHERE type = 'table' AND upper(name) = upper(?)", name)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SanitizePrefix uppercases prefix and escapes every character outside
// [A-Z0-9_] to "_xHHHH_", where HHHH is the character's code point as
// lowercase hex, zero-padded to four digits.
func SanitizePrefix(prefix string) string {
	upper := strings.ToUpper(prefix)
	var b strings.Builder
	for _, r := range upper {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
			continue
		}
		fmt.Fprintf(&b, "_x%04x_", r)
	}
	return b.String()
}
