package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/aditya/fimwatch/pkg/supervisor"
	"github.com/spf13/cobra"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor <dir> [dir...]",
	Short: "Baseline and watch directories until interrupted",
	Long: `Record a baseline for every directory, take an initial backup, and watch the
trees for changes until SIGINT or SIGTERM. Each change is recorded in the
database and triggers an automatic backup of its root.

Directories passed with --baseline-only are baselined and backed up but not
watched.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runMonitor,
}

// Monitor command flags
var (
	monitorUser         string
	monitorBaselineOnly []string
	monitorEvents       string
)

func init() {
	rootCmd.AddCommand(monitorCmd)

	monitorCmd.Flags().StringVarP(&monitorUser, "user", "u", currentUser(), "User recorded in the audit log")
	monitorCmd.Flags().StringSliceVar(&monitorBaselineOnly, "baseline-only", nil, "Directories to baseline without watching")
	monitorCmd.Flags().StringVar(&monitorEvents, "events", "", `Write changes as JSON lines to this file ("-" for stdout)`)
	monitorCmd.Flags().StringSliceP("exclude", "x", nil, "Glob patterns to ignore (repeatable)")
	monitorCmd.Flags().BoolP("recursive", "r", true, "Watch subdirectories")
	monitorCmd.Flags().Duration("scan-interval", 0, "Reconcile roots against the tree at this interval (0 disables)")
	monitorCmd.Flags().String("store", "bolt", "Store driver (bolt, sqlite, memory)")
	monitorCmd.Flags().Int("admin-port", 9001, "Admin server port")
	monitorCmd.Flags().Int("monitor-port", 9002, "Monitoring HTTP port")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	app, err := NewApplication(cfg, nil)
	if err != nil {
		return fmt.Errorf("creating application: %w", err)
	}
	defer app.Close()

	var changes io.Writer
	switch monitorEvents {
	case "":
	case "-":
		changes = cmd.OutOrStdout()
	default:
		f, err := os.OpenFile(monitorEvents, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("opening events file: %w", err)
		}
		defer f.Close()
		changes = f
	}

	roots := append([]string{}, args...)
	roots = append(roots, monitorBaselineOnly...)
	opts := supervisor.StartOptions{
		Username:     monitorUser,
		Roots:        roots,
		Excluded:     monitorBaselineOnly,
		Recursive:    cfg.Watch.Recursive,
		ScanInterval: cfg.ScanInterval,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return app.Run(ctx, opts, changes)
}

// currentUser returns the login name for audit records.
func currentUser() string {
	for _, key := range []string{"USER", "USERNAME", "LOGNAME"} {
		if u := os.Getenv(key); u != "" {
			return u
		}
	}
	return "system"
}
