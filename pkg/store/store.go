// Package store persists baselines, change history, audit logs and backup
// records for the monitoring engine.
package store

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/aditya/fimwatch/pkg/model"
)

// Store is the Baseline Store. It is the single source of truth for the
// current state of every monitored path. Implementations serialize writes per
// path; writers to different paths do not block each other beyond the
// underlying transaction.
type Store interface {
	// UpsertEntry records e and returns its key. Entries with status current
	// replace the current row for (root, rel path). Added and modified
	// entries are appended to the path's history and promoted to the
	// current row; deleted entries are appended and retire the current row.
	UpsertEntry(e model.Entry) (string, error)
	// GetEntry returns the current entry for a path or model.ErrNotFound.
	GetEntry(root, relPath string) (model.Entry, error)
	// GetCurrentBaseline returns every current entry under root.
	GetCurrentBaseline(root string) (map[string]model.BaselineItem, error)
	// History returns the change trail for a path, oldest first. An empty
	// relPath returns the trail for the whole root.
	History(root, relPath string) ([]model.Entry, error)
	// DeleteRootRecords removes current entries and history for root.
	DeleteRootRecords(root string) error

	UpsertRoot(r model.MonitoredRoot) error
	GetRoot(path string) (model.MonitoredRoot, error)
	SetRootActive(path string, active bool) error
	ListMonitoredRoots() ([]string, error)
	ListRoots() ([]model.MonitoredRoot, error)

	AppendLog(e model.LogEntry) error
	// RecentLogs returns up to limit entries, newest first. An empty root
	// returns entries for every root.
	RecentLogs(root string, limit int) ([]model.LogEntry, error)

	SaveBackup(r model.BackupRecord) error
	GetBackup(id string) (model.BackupRecord, error)
	// ListBackups returns backups newest first. An empty root lists all.
	ListBackups(root string) ([]model.BackupRecord, error)
	DeleteBackup(id string) error

	Close() error
}

// Config selects and configures a Store implementation.
type Config struct {
	// Driver is one of "bolt", "sqlite" or "memory".
	Driver string
	// Path is the database file for the bolt and sqlite drivers.
	Path string
}

// Open creates the store described by cfg.
func Open(cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "bolt":
		return OpenBolt(cfg.Path)
	case "sqlite":
		return OpenSQL(cfg.Path)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// NormalizeRoot returns the canonical form of a root path used as key.
func NormalizeRoot(root string) string {
	if abs, err := filepath.Abs(root); err == nil {
		return filepath.Clean(abs)
	}
	return filepath.Clean(root)
}

// EntryKey returns the identifier of the entry for (root, relPath).
func EntryKey(root, relPath string) string {
	return root + "\x00" + filepath.ToSlash(relPath)
}

// split derives the current-row write and the history append implied by an
// upsert of e.
func split(e model.Entry) (current *model.Entry, trail *model.Entry, retire bool) {
	e.Root = NormalizeRoot(e.Root)
	e.RelPath = filepath.ToSlash(e.RelPath)
	if e.DetectedAt.IsZero() {
		e.DetectedAt = time.Now()
	}

	switch e.Status {
	case model.StatusCurrent, "":
		e.Status = model.StatusCurrent
		return &e, nil, false
	case model.StatusDeleted:
		return nil, &e, true
	default:
		cur := e
		cur.Status = model.StatusCurrent
		cur.PreviousDigest = ""
		return &cur, &e, false
	}
}

func target(current, trail *model.Entry) (root, relPath string) {
	if current != nil {
		return current.Root, current.RelPath
	}
	return trail.Root, trail.RelPath
}

func toBaselineItem(e model.Entry) model.BaselineItem {
	return model.BaselineItem{
		Digest:     e.Digest,
		ModifiedAt: e.ModifiedAt,
		Kind:       e.Kind,
		Size:       e.Size,
	}
}
