package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var baselineCmd = &cobra.Command{
	Use:   "baseline",
	Short: "Baseline management commands",
	Long:  `Commands for inspecting, rebuilding and verifying recorded baselines`,
}

var baselineResetCmd = &cobra.Command{
	Use:   "reset <dir> [dir...]",
	Short: "Discard and rebuild the baseline of directories",
	Long: `Delete every recorded entry and change for the directories and record a
fresh baseline from their current contents.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBaselineReset,
}

var baselineShowCmd = &cobra.Command{
	Use:   "show [dir]",
	Short: "Print the current baseline",
	Long:  `Print the current baseline of one directory, or of every monitored directory`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBaselineShow,
}

var baselineScanCmd = &cobra.Command{
	Use:   "scan <dir>",
	Short: "Compare a directory against its baseline",
	Long: `Compare a directory against its recorded baseline and report added, modified
and deleted paths without recording anything. Exits non-zero when changes are
found.`,
	Args: cobra.ExactArgs(1),
	RunE: runBaselineScan,
}

// Baseline reset command flags
var resetUser string

func init() {
	rootCmd.AddCommand(baselineCmd)
	baselineCmd.AddCommand(baselineResetCmd)
	baselineCmd.AddCommand(baselineShowCmd)
	baselineCmd.AddCommand(baselineScanCmd)

	baselineResetCmd.Flags().StringVarP(&resetUser, "user", "u", currentUser(), "User recorded in the audit log")
}

func runBaselineReset(cmd *cobra.Command, args []string) error {
	sup, done, err := operator(cmd)
	if err != nil {
		return err
	}
	defer done()

	if err := sup.ResetBaseline(cmd.Context(), resetUser, args); err != nil {
		return fmt.Errorf("resetting baseline: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Baseline reset for %d director(ies)\n", len(args))
	return nil
}

func runBaselineShow(cmd *cobra.Command, args []string) error {
	sup, done, err := operator(cmd)
	if err != nil {
		return err
	}
	defer done()

	root := ""
	if len(args) == 1 {
		root = args[0]
	}
	baselines, err := sup.GetBaseline(root)
	if err != nil {
		return fmt.Errorf("reading baseline: %w", err)
	}
	return printJSON(cmd, baselines)
}

func runBaselineScan(cmd *cobra.Command, args []string) error {
	sup, done, err := operator(cmd)
	if err != nil {
		return err
	}
	defer done()

	report, err := sup.Scan(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("scanning %s: %w", args[0], err)
	}
	if err := printJSON(cmd, report); err != nil {
		return err
	}
	if report.HasChanges() {
		return fmt.Errorf("%s differs from its baseline: %d added, %d modified, %d deleted",
			args[0], len(report.Added), len(report.Modified), len(report.Deleted))
	}
	return nil
}
