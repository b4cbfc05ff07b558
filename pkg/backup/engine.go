// Package backup takes timestamped snapshot copies of monitored roots and
// restores them.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/aditya/fimwatch/pkg/hasher"
	"github.com/aditya/fimwatch/pkg/model"
	"github.com/aditya/fimwatch/pkg/monitoring"
	"github.com/aditya/fimwatch/pkg/pathmatch"
	"github.com/aditya/fimwatch/pkg/store"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultRetention is how long a backup is kept before it expires.
	DefaultRetention = 30 * 24 * time.Hour

	timestampLayout = "20060102_150405"
)

// ErrInsufficientSpace is returned when the backup volume cannot hold a
// snapshot of the root.
var ErrInsufficientSpace = errors.New("insufficient space on backup volume")

// Config holds configuration for the Engine.
type Config struct {
	Store   store.Store
	Hasher  *hasher.Hasher
	Exclude *pathmatch.Matcher
	// Root is the directory under which every backup namespace lives.
	Root      string
	Retention time.Duration
	Logger    *logrus.Logger
	Metrics   *monitoring.Metrics
	// FreeSpace reports the free bytes on the volume holding path.
	FreeSpace func(path string) (uint64, error)
}

// Engine performs backups and restores.
type Engine struct {
	cfg    Config
	logger *logrus.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

type sourceFile struct {
	rel  string
	path string
	info fs.FileInfo
}

// NewEngine creates an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("backup engine requires a store")
	}
	if cfg.Root == "" {
		return nil, fmt.Errorf("backup root cannot be empty")
	}
	if cfg.Hasher == nil {
		cfg.Hasher = hasher.Default()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.FreeSpace == nil {
		cfg.FreeSpace = diskFree
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving backup root: %w", err)
	}
	cfg.Root = filepath.Clean(root)

	return &Engine{
		cfg:    cfg,
		logger: cfg.Logger,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

func diskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("reading disk usage for %s: %w", path, err)
	}
	return usage.Free, nil
}

func (e *Engine) lockRoot(root string) func() {
	e.mu.Lock()
	l, ok := e.locks[root]
	if !ok {
		l = &sync.Mutex{}
		e.locks[root] = l
	}
	e.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Root returns the absolute directory holding every backup.
func (e *Engine) Root() string {
	return e.cfg.Root
}

// Owns reports whether path is the backup root or lies inside it.
func (e *Engine) Owns(path string) bool {
	return pathmatch.Within(store.NormalizeRoot(path), e.cfg.Root)
}

// Backup copies every non-excluded file under root into a new timestamped
// location and reports which files are new, changed or deleted relative to
// the stored baseline. The record is saved whether the pass succeeds or
// fails; on failure it is returned together with the error.
func (e *Engine) Backup(ctx context.Context, root, performedBy string, kind model.BackupKind) (*model.BackupRecord, error) {
	root = store.NormalizeRoot(root)
	unlock := e.lockRoot(root)
	defer unlock()

	start := time.Now()
	rec := &model.BackupRecord{
		ID:          uuid.NewString(),
		SourceRoot:  root,
		Kind:        kind,
		PerformedBy: performedBy,
	}

	err := e.snapshot(ctx, rec, start)
	e.finish(rec, start, err)
	if err != nil {
		return rec, err
	}
	return rec, nil
}

func (e *Engine) snapshot(ctx context.Context, rec *model.BackupRecord, start time.Time) error {
	root := rec.SourceRoot

	if e.Owns(root) {
		return fmt.Errorf("backing up %s: it lies inside the backup root %s", root, e.cfg.Root)
	}

	info, err := os.Stat(root)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("backing up %s: %w", root, model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("backing up %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("backing up %s: not a directory", root)
	}

	dirs, files, others, total, err := e.plan(ctx, root)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(e.cfg.Root, 0755); err != nil {
		return fmt.Errorf("creating backup root: %w", err)
	}
	free, err := e.cfg.FreeSpace(e.cfg.Root)
	if err != nil {
		e.logger.WithError(err).Warn("Skipping free space check")
	} else if free < uint64(total) {
		return fmt.Errorf("need %d bytes, %d free: %w", total, free, ErrInsufficientSpace)
	}

	location, err := e.allocate(root, start)
	if err != nil {
		return err
	}
	rec.Location = location

	baseline, err := e.cfg.Store.GetCurrentBaseline(root)
	if err != nil {
		return fmt.Errorf("reading baseline for %s: %w", root, err)
	}

	for _, rel := range dirs {
		if err := os.MkdirAll(filepath.Join(location, filepath.FromSlash(rel)), 0755); err != nil {
			return fmt.Errorf("creating %s in backup: %w", rel, err)
		}
	}

	var failures *multierror.Error
	seen := make(map[string]struct{}, len(files)+len(others))
	// Symlinks and other non-regular entries are not copied but still exist.
	for _, rel := range others {
		seen[rel] = struct{}{}
	}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("backup of %s interrupted: %w", root, err)
		}
		seen[f.rel] = struct{}{}

		digest, err := e.cfg.Hasher.HashFile(f.path)
		if err == nil {
			err = copyFile(f.path, filepath.Join(location, filepath.FromSlash(f.rel)), f.info)
		}
		if err != nil {
			rec.Failed = append(rec.Failed, model.FileFailure{Path: f.rel, Error: err.Error()})
			failures = multierror.Append(failures, err)
			continue
		}

		rec.Files++
		rec.Size += f.info.Size()

		item, ok := baseline[f.rel]
		switch {
		case !ok:
			rec.New = append(rec.New, f.rel)
		case item.Digest != digest || f.info.ModTime().After(item.ModifiedAt):
			rec.Changed = append(rec.Changed, f.rel)
		}
	}

	// Files the watcher already retired from the baseline are still in the
	// previous snapshot, so deletions are reported against both.
	known := e.previousFiles(root, rec.ID)
	for rel, item := range baseline {
		if item.Kind == model.KindFile {
			known[rel] = struct{}{}
		}
	}
	for rel := range known {
		if _, ok := seen[rel]; !ok {
			rec.Deleted = append(rec.Deleted, rel)
		}
	}
	sort.Strings(rec.Deleted)

	rec.Digest, err = e.cfg.Hasher.HashDirectory(location)
	if err != nil {
		return fmt.Errorf("hashing backup %s: %w", location, err)
	}

	if failures != nil {
		rec.Error = failures.Error()
		e.logger.WithField("failed", len(rec.Failed)).Warn("Some files could not be backed up")
	}
	return nil
}

// plan lists the directories and regular files to copy, relative to root,
// and the non-regular entries that are present but not copied. The backup
// root and reserved paths are skipped when they sit inside root.
func (e *Engine) plan(ctx context.Context, root string) (dirs []string, files []sourceFile, others []string, total int64, err error) {
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if walkErr != nil {
			if path == root {
				return walkErr
			}
			e.logger.WithError(walkErr).WithField("path", path).Warn("Skipping unreadable path")
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path == root {
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if pathmatch.Within(path, e.cfg.Root) || e.cfg.Exclude.Excludes(path, rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			dirs = append(dirs, rel)
			return nil
		}
		if !d.Type().IsRegular() {
			others = append(others, rel)
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			e.logger.WithError(infoErr).WithField("path", path).Warn("Skipping unreadable file")
			return nil
		}
		files = append(files, sourceFile{rel: rel, path: path, info: info})
		total += info.Size()
		return nil
	})
	if err != nil {
		return nil, nil, nil, 0, fmt.Errorf("walking %s: %w", root, err)
	}
	return dirs, files, others, total, nil
}

// previousFiles lists the files held by the newest successful backup of
// root other than skipID. It returns an empty set when there is none.
func (e *Engine) previousFiles(root, skipID string) map[string]struct{} {
	files := make(map[string]struct{})

	records, err := e.cfg.Store.ListBackups(root)
	if err != nil {
		e.logger.WithError(err).WithField("root", root).Warn("Failed to list previous backups")
		return files
	}

	for _, prev := range records {
		if prev.ID == skipID || prev.Status != model.BackupSuccess || prev.Location == "" {
			continue
		}
		err := filepath.WalkDir(prev.Location, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if !d.Type().IsRegular() {
				return nil
			}
			rel, relErr := filepath.Rel(prev.Location, path)
			if relErr == nil && !e.cfg.Exclude.Match(filepath.ToSlash(rel)) {
				files[filepath.ToSlash(rel)] = struct{}{}
			}
			return nil
		})
		if err != nil {
			e.logger.WithError(err).WithField("backup_id", prev.ID).Warn("Failed to read previous backup")
		}
		return files
	}
	return files
}

// allocate creates <root>/<base(source)>/<timestamp>, adding a numeric
// suffix when a backup already used the timestamp.
func (e *Engine) allocate(source string, at time.Time) (string, error) {
	base := filepath.Join(e.cfg.Root, filepath.Base(source), at.Format(timestampLayout))
	if err := os.MkdirAll(filepath.Dir(base), 0755); err != nil {
		return "", fmt.Errorf("creating backup namespace: %w", err)
	}

	location := base
	for i := 1; ; i++ {
		err := os.Mkdir(location, 0755)
		if err == nil {
			return location, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("creating backup location: %w", err)
		}
		location = fmt.Sprintf("%s_%d", base, i)
	}
}

func (e *Engine) finish(rec *model.BackupRecord, start time.Time, err error) {
	rec.CompletedAt = time.Now()
	rec.Duration = rec.CompletedAt.Sub(start)
	rec.ExpiresAt = rec.CompletedAt.Add(e.cfg.Retention)
	rec.Status = model.BackupSuccess
	level := model.LevelInfo
	if err != nil {
		rec.Status = model.BackupFailed
		rec.Error = err.Error()
		level = model.LevelError
	}

	if saveErr := e.cfg.Store.SaveBackup(*rec); saveErr != nil {
		e.logger.WithError(saveErr).WithField("backup_id", rec.ID).Error("Failed to save backup record")
	}
	e.cfg.Metrics.RecordBackup(rec.Status, rec.Duration)

	details := map[string]any{
		"backup_id": rec.ID,
		"status":    string(rec.Status),
		"duration":  rec.Duration.String(),
		"location":  rec.Location,
		"kind":      string(rec.Kind),
		"file_changes": map[string]any{
			"new":     len(rec.New),
			"changed": len(rec.Changed),
			"deleted": len(rec.Deleted),
		},
	}
	if err != nil {
		details["error"] = err.Error()
	}
	if logErr := e.cfg.Store.AppendLog(model.LogEntry{
		Category:  model.LogBackup,
		Level:     level,
		Message:   fmt.Sprintf("Backup of %s %s", rec.SourceRoot, rec.Status),
		Root:      rec.SourceRoot,
		Username:  rec.PerformedBy,
		Details:   details,
		Timestamp: rec.CompletedAt,
	}); logErr != nil {
		e.logger.WithError(logErr).Warn("Failed to write backup log")
	}

	entry := e.logger.WithFields(logrus.Fields{
		"root":     rec.SourceRoot,
		"backup":   rec.ID,
		"files":    rec.Files,
		"new":      len(rec.New),
		"changed":  len(rec.Changed),
		"deleted":  len(rec.Deleted),
		"duration": rec.Duration,
	})
	if err != nil {
		entry.WithError(err).Error("❌ Backup failed")
	} else {
		entry.Info("💾 Backup completed")
	}
}

// Restore copies every file of a backup to destination, or to the backup's
// source root when destination is empty. Per-file failures are collected
// and do not abort the restore.
func (e *Engine) Restore(ctx context.Context, backupID, destination, performedBy string) (*model.RestoreResult, error) {
	rec, err := e.cfg.Store.GetBackup(backupID)
	if err != nil {
		return nil, err
	}
	if rec.Status != model.BackupSuccess {
		return nil, fmt.Errorf("backup %s did not complete and cannot be restored", backupID)
	}
	if destination == "" {
		destination = rec.SourceRoot
	}
	destination = store.NormalizeRoot(destination)

	start := time.Now()
	result := &model.RestoreResult{BackupID: backupID, Destination: destination}

	var failures *multierror.Error
	err = filepath.WalkDir(rec.Location, func(path string, d fs.DirEntry, walkErr error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if walkErr != nil {
			if path == rec.Location {
				return walkErr
			}
			result.Failed = append(result.Failed, model.FileFailure{Path: path, Error: walkErr.Error()})
			failures = multierror.Append(failures, walkErr)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, relErr := filepath.Rel(rec.Location, path)
		if relErr != nil {
			return nil
		}
		target := filepath.Join(destination, rel)

		if d.IsDir() {
			if mkErr := os.MkdirAll(target, 0755); mkErr != nil {
				result.Failed = append(result.Failed, model.FileFailure{Path: filepath.ToSlash(rel), Error: mkErr.Error()})
				failures = multierror.Append(failures, mkErr)
				return filepath.SkipDir
			}
			return nil
		}

		info, infoErr := d.Info()
		if infoErr == nil {
			infoErr = copyFile(path, target, info)
		}
		if infoErr != nil {
			result.Failed = append(result.Failed, model.FileFailure{Path: filepath.ToSlash(rel), Error: infoErr.Error()})
			failures = multierror.Append(failures, infoErr)
			return nil
		}
		result.Restored = append(result.Restored, filepath.ToSlash(rel))
		return nil
	})
	result.Duration = time.Since(start)
	if err != nil {
		return result, fmt.Errorf("restoring backup %s: %w", backupID, err)
	}

	rec.Restored = true
	rec.RestoreCount++
	if err := e.cfg.Store.SaveBackup(rec); err != nil {
		e.logger.WithError(err).WithField("backup_id", backupID).Error("Failed to update backup record")
	}
	e.cfg.Metrics.AddFilesRestored(len(result.Restored))

	level := model.LevelInfo
	details := map[string]any{
		"backup_id":      backupID,
		"destination":    destination,
		"restored_files": len(result.Restored),
		"failed_files":   len(result.Failed),
		"duration":       result.Duration.String(),
	}
	if failures != nil {
		level = model.LevelWarning
		details["error"] = failures.Error()
	}
	if logErr := e.cfg.Store.AppendLog(model.LogEntry{
		Category:  model.LogRestore,
		Level:     level,
		Message:   fmt.Sprintf("Restored backup %s to %s", backupID, destination),
		Root:      rec.SourceRoot,
		Username:  performedBy,
		Details:   details,
		Timestamp: time.Now(),
	}); logErr != nil {
		e.logger.WithError(logErr).Warn("Failed to write restore log")
	}

	e.logger.WithFields(logrus.Fields{
		"backup":      backupID,
		"destination": destination,
		"restored":    len(result.Restored),
		"failed":      len(result.Failed),
	}).Info("♻️ Restore completed")
	return result, nil
}

// List returns the backups of root, newest first. An empty root lists all.
func (e *Engine) List(root string) ([]model.BackupRecord, error) {
	return e.cfg.Store.ListBackups(root)
}

// Cleanup deletes backups that have expired, and restored backups older
// than olderThan, together with their directories. It returns how many
// were removed.
func (e *Engine) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	records, err := e.cfg.Store.ListBackups("")
	if err != nil {
		return 0, err
	}

	now := time.Now()
	cutoff := now.Add(-olderThan)
	removed := 0
	var errs *multierror.Error

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		expired := !rec.ExpiresAt.IsZero() && rec.ExpiresAt.Before(now)
		stale := rec.Restored && rec.CompletedAt.Before(cutoff)
		if !expired && !stale {
			continue
		}

		if rec.Location != "" {
			if err := os.RemoveAll(rec.Location); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("removing %s: %w", rec.Location, err))
				continue
			}
		}
		if err := e.cfg.Store.DeleteBackup(rec.ID); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		removed++
	}

	if removed > 0 {
		if err := e.cfg.Store.AppendLog(model.LogEntry{
			Category:  model.LogBackup,
			Level:     model.LevelInfo,
			Message:   fmt.Sprintf("Removed %d old backups", removed),
			Details:   map[string]any{"removed": removed, "older_than": olderThan.String()},
			Timestamp: now,
		}); err != nil {
			e.logger.WithError(err).Warn("Failed to write cleanup log")
		}
	}
	e.logger.WithField("removed", removed).Info("🧹 Backup cleanup finished")
	return removed, errs.ErrorOrNil()
}

// copyFile copies src to dst, creating parent directories and preserving
// the permission bits and modification time.
func copyFile(src, dst string, info fs.FileInfo) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := out.ReadFrom(in); err != nil {
		out.Close()
		return fmt.Errorf("copying %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
