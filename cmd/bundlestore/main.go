package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/cuemby/bundlestore/internal/engine"
	"github.com/cuemby/bundlestore/pkg/log"
	"github.com/cuemby/bundlestore/pkg/metrics"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

var (
	configPath string
	logLevel   string
	logJSON    bool
	listenAddr string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "bundlestore",
	Short:   "Bundle-oriented persistence engine server",
	Long:    "bundlestore serves a Jackrabbit-style bundle persistence engine: one SQL-backed store of node bundles with externalized binary values and a consistency checker, reachable over /metrics and /healthz.",
	Version: Version,
	RunE:    runServe,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("bundlestore version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "bundlestore.yaml", "Path to the engine configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Output logs in JSON format")
	rootCmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:9090", "Address to serve /metrics and /healthz on")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := engine.LoadConfig(configPath)
	if err != nil {
		return err
	}

	ctx := context.Background()
	eng, err := engine.Open(ctx, *cfg, log.WithSchema(cfg.Schema))
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	defer eng.Close()

	collector := metrics.NewCollector(eng)
	collector.Start()
	defer collector.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		snap := eng.Stats()
		if !snap.Up {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "database unreachable")
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	server := &http.Server{Addr: listenAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	log.WithComponent("engine").Info().Str("listen", listenAddr).Msg("bundlestore serving /metrics and /healthz")
	fmt.Printf("✓ bundlestore listening\n")
	fmt.Printf("  - Metrics: http://%s/metrics\n", listenAddr)
	fmt.Printf("  - Health:  http://%s/healthz\n", listenAddr)
	fmt.Println("Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
