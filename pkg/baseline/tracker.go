// Package baseline establishes and reconciles the recorded state of
// monitored directory trees.
package baseline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/aditya/fimwatch/pkg/hasher"
	"github.com/aditya/fimwatch/pkg/model"
	"github.com/aditya/fimwatch/pkg/pathmatch"
	"github.com/aditya/fimwatch/pkg/store"
	"github.com/sirupsen/logrus"
)

// Config holds configuration for the Tracker.
type Config struct {
	Store   store.Store
	Hasher  *hasher.Hasher
	Exclude *pathmatch.Matcher
	// Recursive descends into subdirectories. Otherwise only the root's
	// immediate children are recorded.
	Recursive bool
	Logger    *logrus.Logger
}

// Tracker walks monitored roots and records their state in the store.
type Tracker struct {
	store     store.Store
	hasher    *hasher.Hasher
	exclude   *pathmatch.Matcher
	recursive bool
	logger    *logrus.Logger
}

// NewTracker creates a Tracker.
func NewTracker(cfg Config) (*Tracker, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("baseline tracker requires a store")
	}
	if cfg.Hasher == nil {
		cfg.Hasher = hasher.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Tracker{
		store:     cfg.Store,
		hasher:    cfg.Hasher,
		exclude:   cfg.Exclude,
		recursive: cfg.Recursive,
		logger:    cfg.Logger,
	}, nil
}

// Track records the current state of every file and directory under root
// with status current. Unreadable entries are logged and skipped.
func (t *Tracker) Track(ctx context.Context, root, username string) (map[string]model.Entry, error) {
	root, err := checkRoot(root)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	entries := make(map[string]model.Entry)

	err = t.walk(ctx, root, func(e model.Entry) {
		e.Status = model.StatusCurrent
		e.DetectedAt = start
		if _, err := t.store.UpsertEntry(e); err != nil {
			t.logger.WithError(err).WithField("path", e.RelPath).Warn("Failed to record baseline entry")
			return
		}
		entries[e.RelPath] = e
	})
	if err != nil {
		return nil, err
	}

	if err := t.touchRoot(root, start); err != nil {
		t.logger.WithError(err).WithField("root", root).Warn("Failed to update monitored root")
	}

	t.appendLog(model.LogEntry{
		Category: model.LogScan,
		Level:    model.LevelInfo,
		Message:  fmt.Sprintf("Baseline established for %s", root),
		Root:     root,
		Username: username,
		Details: map[string]any{
			"entries":  len(entries),
			"duration": time.Since(start).String(),
		},
	})

	t.logger.WithFields(logrus.Fields{
		"root":     root,
		"entries":  len(entries),
		"duration": time.Since(start),
	}).Info("✅ Baseline established")
	return entries, nil
}

// Scan compares the tree under root with its stored baseline without
// changing the store.
func (t *Tracker) Scan(ctx context.Context, root string) (model.ScanReport, error) {
	report, _, err := t.diff(ctx, root)
	return report, err
}

// Reconcile scans root and records every difference: new paths as added,
// changed ones as modified and missing ones as deleted.
func (t *Tracker) Reconcile(ctx context.Context, root, username string) (model.ScanReport, error) {
	report, found, err := t.diff(ctx, root)
	if err != nil {
		return report, err
	}
	root = report.Root

	baseline, err := t.store.GetCurrentBaseline(root)
	if err != nil {
		return report, fmt.Errorf("reading baseline for %s: %w", root, err)
	}

	now := time.Now()
	record := func(e model.Entry) {
		e.DetectedAt = now
		if _, err := t.store.UpsertEntry(e); err != nil {
			t.logger.WithError(err).WithField("path", e.RelPath).Warn("Failed to record reconciled entry")
		}
	}

	for _, rel := range report.Added {
		e := found[rel]
		e.Status = model.StatusAdded
		record(e)
	}
	for _, rel := range report.Modified {
		e := found[rel]
		e.Status = model.StatusModified
		e.PreviousDigest = baseline[rel].Digest
		record(e)
	}
	for _, rel := range report.Deleted {
		item := baseline[rel]
		record(model.Entry{
			Root:       root,
			RelPath:    rel,
			Kind:       item.Kind,
			Digest:     item.Digest,
			Size:       item.Size,
			ModifiedAt: item.ModifiedAt,
			Status:     model.StatusDeleted,
		})
	}

	if err := t.touchRoot(root, now); err != nil {
		t.logger.WithError(err).WithField("root", root).Warn("Failed to update monitored root")
	}

	level := model.LevelInfo
	if report.HasChanges() {
		level = model.LevelWarning
	}
	t.appendLog(model.LogEntry{
		Category: model.LogScan,
		Level:    level,
		Message:  fmt.Sprintf("Scan of %s found %d changes", root, len(report.Added)+len(report.Modified)+len(report.Deleted)),
		Root:     root,
		Username: username,
		Details: map[string]any{
			"added":     report.Added,
			"modified":  report.Modified,
			"deleted":   report.Deleted,
			"unchanged": len(report.Unchanged),
		},
	})
	return report, nil
}

func (t *Tracker) diff(ctx context.Context, root string) (model.ScanReport, map[string]model.Entry, error) {
	root, err := checkRoot(root)
	if err != nil {
		return model.ScanReport{}, nil, err
	}
	report := model.ScanReport{Root: root}

	baseline, err := t.store.GetCurrentBaseline(root)
	if err != nil {
		return report, nil, fmt.Errorf("reading baseline for %s: %w", root, err)
	}

	found := make(map[string]model.Entry)
	err = t.walk(ctx, root, func(e model.Entry) {
		found[e.RelPath] = e
	})
	if err != nil {
		return report, nil, err
	}

	for rel, e := range found {
		item, ok := baseline[rel]
		switch {
		case !ok:
			report.Added = append(report.Added, rel)
		case item.Digest != e.Digest:
			report.Modified = append(report.Modified, rel)
		default:
			report.Unchanged = append(report.Unchanged, rel)
		}
	}
	for rel := range baseline {
		if _, ok := found[rel]; !ok {
			report.Deleted = append(report.Deleted, rel)
		}
	}

	sort.Strings(report.Added)
	sort.Strings(report.Modified)
	sort.Strings(report.Deleted)
	sort.Strings(report.Unchanged)
	return report, found, nil
}

// walk visits every non-excluded entry below root top-down and reports its
// digest, size and modification time.
func (t *Tracker) walk(ctx context.Context, root string, visit func(model.Entry)) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == root {
				return fmt.Errorf("walking %s: %w", root, err)
			}
			t.logger.WithError(err).WithField("path", path).Warn("Skipping unreadable path")
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if t.exclude.Excludes(path, rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		e, err := t.describe(root, rel, path, d)
		if err != nil {
			t.logger.WithError(err).WithField("path", path).Warn("Skipping unreadable entry")
		} else {
			visit(e)
		}

		if d.IsDir() && !t.recursive {
			return filepath.SkipDir
		}
		return nil
	})
}

func (t *Tracker) describe(root, rel, path string, d fs.DirEntry) (model.Entry, error) {
	info, err := d.Info()
	if err != nil {
		return model.Entry{}, err
	}

	e := model.Entry{
		Root:       root,
		RelPath:    rel,
		Kind:       model.KindFile,
		ModifiedAt: info.ModTime(),
	}

	switch {
	case d.IsDir():
		e.Kind = model.KindDirectory
		e.Digest, err = t.hasher.HashDirectory(path)
	case info.Mode().IsRegular():
		e.Size = info.Size()
		e.Digest, err = t.hasher.HashFile(path)
	default:
		e.Digest = t.hasher.Placeholder(path)
	}

	if errors.Is(err, model.ErrNotRegularFile) || errors.Is(err, model.ErrFileTooLarge) {
		e.Digest, err = t.hasher.Placeholder(path), nil
	}
	return e, err
}

func (t *Tracker) touchRoot(root string, at time.Time) error {
	r, err := t.store.GetRoot(root)
	if errors.Is(err, model.ErrNotFound) {
		r = model.MonitoredRoot{Path: root, Recursive: t.recursive}
	} else if err != nil {
		return err
	}
	r.Active = true
	r.LastScan = at
	return t.store.UpsertRoot(r)
}

func (t *Tracker) appendLog(e model.LogEntry) {
	e.Timestamp = time.Now()
	if err := t.store.AppendLog(e); err != nil {
		t.logger.WithError(err).Warn("Failed to write scan log")
	}
}

func checkRoot(root string) (string, error) {
	root = store.NormalizeRoot(root)
	info, err := os.Stat(root)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("root %s: %w", root, model.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("root %s: %w", root, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("root %s is not a directory", root)
	}
	return root, nil
}
