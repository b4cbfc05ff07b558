package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "fimwatch",
	Short: "A file integrity monitor with baselines and backups",
	Long: `Fimwatch watches directory trees, records a content-hash baseline for every
file and subdirectory, and reports additions, modifications and deletions as
they happen.

Features:
- Content-hash baselines stored in an embedded database
- Real-time change detection with event deduplication
- Automatic and manual backups with restore
- Periodic reconciliation scans
- Audit log of every change, scan and backup
- Admin interface and Prometheus monitoring`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Add global flags
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "Set log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringP("data-dir", "d", "data", "Data directory for the database and backups")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (YAML, TOML or JSON)")
	rootCmd.PersistentFlags().String("admin-addr", "", "Send commands to a running monitor at this admin address")
}
