package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Backup management commands",
	Long:  `Commands for creating, listing, restoring and cleaning up backups of monitored directories`,
}

var backupCreateCmd = &cobra.Command{
	Use:   "create <dir>",
	Short: "Take a manual backup of a directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupCreate,
}

var backupListCmd = &cobra.Command{
	Use:   "list [dir]",
	Short: "List backups, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBackupList,
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <backup-id>",
	Short: "Restore a backup",
	Long:  `Copy a backup back into its source directory, or into --dest when given`,
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupRestore,
}

var backupCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove expired and old restored backups",
	Args:  cobra.NoArgs,
	RunE:  runBackupCleanup,
}

// Backup command flags
var (
	backupUser       string
	restoreDest      string
	cleanupOlderThan time.Duration
)

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupRestoreCmd)
	backupCmd.AddCommand(backupCleanupCmd)

	backupCmd.PersistentFlags().StringVarP(&backupUser, "user", "u", currentUser(), "User recorded in the audit log")
	backupRestoreCmd.Flags().StringVar(&restoreDest, "dest", "", "Restore into this directory instead of the source")
	backupCleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 7*24*time.Hour, "Remove restored backups completed before this age")
}

func runBackupCreate(cmd *cobra.Command, args []string) error {
	sup, done, err := operator(cmd)
	if err != nil {
		return err
	}
	defer done()

	rec, err := sup.Backup(cmd.Context(), args[0], backupUser)
	if err != nil {
		return fmt.Errorf("backing up %s: %w", args[0], err)
	}
	if err := printJSON(cmd, rec); err != nil {
		return err
	}
	if rec.Error != "" {
		return fmt.Errorf("backup %s failed: %s", rec.ID, rec.Error)
	}
	return nil
}

func runBackupList(cmd *cobra.Command, args []string) error {
	sup, done, err := operator(cmd)
	if err != nil {
		return err
	}
	defer done()

	root := ""
	if len(args) == 1 {
		root = args[0]
	}
	records, err := sup.ListBackups(root)
	if err != nil {
		return fmt.Errorf("listing backups: %w", err)
	}
	return printJSON(cmd, records)
}

func runBackupRestore(cmd *cobra.Command, args []string) error {
	sup, done, err := operator(cmd)
	if err != nil {
		return err
	}
	defer done()

	result, err := sup.Restore(cmd.Context(), args[0], restoreDest, backupUser)
	if err != nil {
		return fmt.Errorf("restoring %s: %w", args[0], err)
	}
	if err := printJSON(cmd, result); err != nil {
		return err
	}
	if len(result.Failed) > 0 {
		return fmt.Errorf("%d file(s) could not be restored", len(result.Failed))
	}
	return nil
}

func runBackupCleanup(cmd *cobra.Command, args []string) error {
	sup, done, err := operator(cmd)
	if err != nil {
		return err
	}
	defer done()

	removed, err := sup.CleanupBackups(cmd.Context(), cleanupOlderThan)
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d backup(s)\n", removed)
	return err
}
