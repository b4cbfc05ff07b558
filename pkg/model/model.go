// Package model holds the records shared by the integrity monitoring engine.
package model

import (
	"time"
)

const (
	// DigestTimeout marks an entry whose digest could not be computed in time.
	DigestTimeout = "TIMEOUT_ERROR"
	// DigestError marks an entry whose digest computation failed.
	DigestError = "HASH_ERROR"
)

// Kind distinguishes files from directories.
type Kind string

const (
	KindFile      Kind = "file"
	KindDirectory Kind = "directory"
)

// Status is the lifecycle status of an Entry.
type Status string

const (
	StatusCurrent  Status = "current"
	StatusAdded    Status = "added"
	StatusModified Status = "modified"
	StatusDeleted  Status = "deleted"
)

// EventType is the type of a filesystem notification.
type EventType string

const (
	EventCreated  EventType = "created"
	EventModified EventType = "modified"
	EventDeleted  EventType = "deleted"
)

// MonitoredRoot is a directory tree under active or historical monitoring.
type MonitoredRoot struct {
	Path         string        `json:"path"`
	Recursive    bool          `json:"recursive"`
	ScanInterval time.Duration `json:"scan_interval"`
	Active       bool          `json:"active"`
	LastScan     time.Time     `json:"last_scan"`
}

// Entry is the recorded state of one file or subdirectory under a root.
type Entry struct {
	Root           string    `json:"root"`
	RelPath        string    `json:"rel_path"`
	Kind           Kind      `json:"kind"`
	Digest         string    `json:"digest"`
	Size           int64     `json:"size,omitempty"`
	ModifiedAt     time.Time `json:"modified_at"`
	Status         Status    `json:"status"`
	DetectedAt     time.Time `json:"detected_at"`
	PreviousDigest string    `json:"previous_digest,omitempty"`
}

// BaselineItem is the projection of a current Entry used for comparisons.
type BaselineItem struct {
	Digest     string    `json:"digest"`
	ModifiedAt time.Time `json:"modified_at"`
	Kind       Kind      `json:"kind"`
	Size       int64     `json:"size,omitempty"`
}

// PendingEvent is an in-flight filesystem notification.
type PendingEvent struct {
	Type  EventType
	Path  string
	IsDir bool
	At    time.Time
}

// ChangeKind classifies a detected change.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
)

// Change is a classified change produced by the change processor.
type Change struct {
	ID             string     `json:"id"`
	Kind           ChangeKind `json:"kind"`
	Root           string     `json:"root"`
	Path           string     `json:"path"`
	RelPath        string     `json:"rel_path"`
	IsDir          bool       `json:"is_dir"`
	Digest         string     `json:"digest,omitempty"`
	PreviousDigest string     `json:"previous_digest,omitempty"`
	Timestamp      time.Time  `json:"timestamp"`
}

// BackupKind says who initiated a backup.
type BackupKind string

const (
	BackupAutomatic BackupKind = "automatic"
	BackupManual    BackupKind = "manual"
)

// BackupStatus is the outcome of a backup pass.
type BackupStatus string

const (
	BackupSuccess BackupStatus = "success"
	BackupFailed  BackupStatus = "failed"
)

// BackupRecord describes one completed (or failed) backup operation.
type BackupRecord struct {
	ID           string        `json:"id"`
	SourceRoot   string        `json:"source_root"`
	Location     string        `json:"location"`
	Kind         BackupKind    `json:"kind"`
	Status       BackupStatus  `json:"status"`
	Digest       string        `json:"digest"`
	Size         int64         `json:"size"`
	Files        int           `json:"files"`
	CompletedAt  time.Time     `json:"completed_at"`
	ExpiresAt    time.Time     `json:"expires_at"`
	PerformedBy  string        `json:"performed_by"`
	Restored     bool          `json:"restored"`
	RestoreCount int           `json:"restore_count"`
	Duration     time.Duration `json:"duration"`
	New          []string      `json:"new,omitempty"`
	Changed      []string      `json:"changed,omitempty"`
	Deleted      []string      `json:"deleted,omitempty"`
	Failed       []FileFailure `json:"failed,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// FileFailure records a per-file copy failure.
type FileFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// RestoreResult summarizes a restore.
type RestoreResult struct {
	BackupID    string        `json:"backup_id"`
	Destination string        `json:"destination"`
	Restored    []string      `json:"restored"`
	Failed      []FileFailure `json:"failed,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// ScanReport is the outcome of comparing a tree against its stored baseline.
type ScanReport struct {
	Root      string   `json:"root"`
	Added     []string `json:"added"`
	Modified  []string `json:"modified"`
	Deleted   []string `json:"deleted"`
	Unchanged []string `json:"unchanged"`
}

// HasChanges reports whether the scan found any difference.
func (r ScanReport) HasChanges() bool {
	return len(r.Added)+len(r.Modified)+len(r.Deleted) > 0
}

// LogCategory groups audit log entries.
type LogCategory string

const (
	LogScan    LogCategory = "scan"
	LogChange  LogCategory = "change"
	LogAlert   LogCategory = "alert"
	LogSystem  LogCategory = "system"
	LogBackup  LogCategory = "backup"
	LogRestore LogCategory = "restore"
)

// LogLevel is the severity of an audit log entry.
type LogLevel string

const (
	LevelInfo     LogLevel = "info"
	LevelWarning  LogLevel = "warning"
	LevelError    LogLevel = "error"
	LevelCritical LogLevel = "critical"
)

// LogEntry is one audit log record kept by the store.
type LogEntry struct {
	ID        uint64         `json:"id"`
	Category  LogCategory    `json:"category"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Root      string         `json:"root,omitempty"`
	Username  string         `json:"username,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// RootState is the monitoring state of a root within a session.
type RootState string

const (
	StateUninitialized      RootState = "uninitialized"
	StateBaselineInProgress RootState = "baseline_in_progress"
	StateWatching           RootState = "watching"
	StateStopping           RootState = "stopping"
	StateStopped            RootState = "stopped"
)
