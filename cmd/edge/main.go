// Command edge is the per-store POS edge node process: it owns the
// local order engine, event log, audit chain, and the mTLS listener
// POS terminals connect to, plus (when enabled) the CloudLink
// connection back to the control plane.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build).
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "edge",
	Short:   "edge is the per-store point-of-sale edge node",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("edge version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("data-dir", "", "Local bbolt data directory (overrides EDGECORE_DATA_DIR)")
	rootCmd.PersistentFlags().String("listen-addr", "", "Terminal-facing mTLS listen address (overrides EDGECORE_LISTEN_ADDR)")
	rootCmd.PersistentFlags().String("tenant-id", "", "Tenant id this edge belongs to (overrides EDGECORE_TENANT_ID)")
	rootCmd.PersistentFlags().String("edge-id", "", "This edge's device id (overrides EDGECORE_EDGE_ID)")
	rootCmd.PersistentFlags().String("cloud-addr", "", "Cloud control plane address (overrides EDGECORE_CLOUD_ADDR)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (overrides EDGECORE_LOG_LEVEL)")
	rootCmd.PersistentFlags().String("metrics-addr", "", "Metrics/health HTTP listen address (overrides EDGECORE_METRICS_ADDR)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(enrollTerminalCmd)
}
