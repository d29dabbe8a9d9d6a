// Command posctl is the platform operator's admin CLI: bulk catalog
// apply and tenant/subscription management against the control
// plane's Postgres store, run from wherever cmd/cloud's database is
// reachable.
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
	Use:     "posctl",
	Short:   "posctl administers tenants and catalogs on the fieldmesh control plane",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("posctl version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().String("database-url", "", "Postgres connection string (overrides EDGECORE_DATABASE_URL)")

	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(activateTenantCmd)
}
