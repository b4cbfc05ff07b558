package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:   "logs [dir]",
	Short: "Show the audit log",
	Long:  `Show the most recent audit log entries for a directory, or for every directory`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLogs,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of every root in a running monitor",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

// Logs command flags
var (
	logsLimit int
	logsJSON  bool
)

func init() {
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(statusCmd)

	logsCmd.Flags().IntVarP(&logsLimit, "limit", "n", 50, "Maximum number of entries")
	logsCmd.Flags().BoolVar(&logsJSON, "json", false, "Print entries as JSON")
}

func runLogs(cmd *cobra.Command, args []string) error {
	sup, done, err := operator(cmd)
	if err != nil {
		return err
	}
	defer done()

	root := ""
	if len(args) == 1 {
		root = args[0]
	}
	entries, err := sup.GetRecentLogs(root, logsLimit)
	if err != nil {
		return fmt.Errorf("reading logs: %w", err)
	}
	if logsJSON {
		return printJSON(cmd, entries)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tCATEGORY\tLEVEL\tUSER\tMESSAGE")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format(time.DateTime),
			e.Category,
			strings.ToUpper(string(e.Level)),
			e.Username,
			e.Message,
		)
	}
	return w.Flush()
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("admin-addr")
	if addr == "" {
		return fmt.Errorf("status requires --admin-addr of a running monitor")
	}

	sup, done, err := operator(cmd)
	if err != nil {
		return err
	}
	defer done()

	states := sup.Status()
	if states == nil {
		return fmt.Errorf("no monitor reachable at %s", addr)
	}
	return printJSON(cmd, states)
}
