// Command cloud is the multi-tenant control-plane process: it owns the
// Postgres-backed catalog/subscription/archive store, the root and
// tenant certificate authorities, and the mTLS listener every tenant's
// edge nodes dial into over CloudLink.
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
	Use:     "cloud",
	Short:   "cloud is the fieldmesh control-plane process",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("cloud version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("data-dir", "", "Local bbolt data directory for PKI metadata (overrides EDGECORE_CLOUD_DATA_DIR)")
	rootCmd.PersistentFlags().String("listen-addr", "", "Edge-facing mTLS listen address (overrides EDGECORE_CLOUD_LISTEN_ADDR)")
	rootCmd.PersistentFlags().String("database-url", "", "Postgres connection string (overrides EDGECORE_DATABASE_URL)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (overrides EDGECORE_LOG_LEVEL)")
	rootCmd.PersistentFlags().String("metrics-addr", "", "Metrics/health HTTP listen address (overrides EDGECORE_METRICS_ADDR)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(onboardTenantCmd)
}
