// Command bundlestore-fsck runs a one-shot consistency check against
// an engine's database: plain stdlib flag parsing, a backup step
// before anything destructive, and a dry-run mode that reports
// without writing.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/cuemby/bundlestore/internal/engine"
	bslog "github.com/cuemby/bundlestore/pkg/log"
)

var (
	configPath = flag.String("config", "bundlestore.yaml", "Path to the engine configuration file")
	repair     = flag.Bool("repair", false, "Repair findings in place")
	dryRun     = flag.Bool("dry-run", false, "Report findings only; overrides -repair")
	backupPath = flag.String("backup", "", "Copy the database file here before repairing (sqlite file-based DSNs only)")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags)
	log.Println("bundlestore-fsck - consistency checker")
	log.Println("=======================================")

	cfg, err := engine.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	repairing := *repair && !*dryRun
	log.Printf("Config: %s", *configPath)
	log.Printf("Repair: %v", repairing)

	if repairing && *backupPath != "" {
		if src, ok := sqliteFilePath(cfg.DSN); ok {
			log.Printf("Creating backup: %s", *backupPath)
			if err := copyFile(src, *backupPath); err != nil {
				log.Fatalf("backup failed: %v", err)
			}
			log.Println("✓ Backup created")
		} else {
			log.Println("⚠ DSN is not a plain sqlite file path; skipping backup")
		}
	}

	bslog.Init(bslog.Config{Level: bslog.WarnLevel})
	eng, err := engine.Open(context.Background(), *cfg, bslog.WithSchema(cfg.Schema))
	if err != nil {
		log.Fatalf("open engine: %v", err)
	}
	defer eng.Close()

	report, err := eng.CheckConsistency(context.Background(), repairing)
	if err != nil {
		log.Fatalf("consistency check failed: %v", err)
	}

	log.Printf("Scanned %d bundles", report.Scanned)
	log.Printf("Found %d findings", len(report.Findings))
	for _, f := range report.Findings {
		log.Printf("  [%s] %s: %s", f.Kind, f.BundleID, f.Detail)
		bslog.WithNodeID(f.BundleID.String()).Warn().Str("kind", string(f.Kind)).Msg(f.Detail)
	}
	if repairing {
		log.Printf("Repaired %d bundles", report.Repaired)
	} else if len(report.Findings) > 0 {
		log.Println("Run again with -repair to fix the findings above.")
	}

	if len(report.Findings) > 0 && !repairing {
		os.Exit(1)
	}
}

// sqliteFilePath extracts the underlying file path from a
// "file:<path>[?query]" DSN, as internal/engine.Config.DSN uses for
// the sqlite driver. Reports false for anything else (":memory:",
// a non-file DSN), since there is no single file to back up.
func sqliteFilePath(dsn string) (string, bool) {
	const prefix = "file:"
	if !strings.HasPrefix(dsn, prefix) {
		return "", false
	}
	path := strings.TrimPrefix(dsn, prefix)
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || strings.Contains(path, ":memory:") {
		return "", false
	}
	return path, true
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
