// Package supervisor owns the lifecycle of a monitoring session: baseline,
// initial backup, watching, periodic reconciliation and teardown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aditya/fimwatch/pkg/backup"
	"github.com/aditya/fimwatch/pkg/baseline"
	"github.com/aditya/fimwatch/pkg/events"
	"github.com/aditya/fimwatch/pkg/hasher"
	"github.com/aditya/fimwatch/pkg/model"
	"github.com/aditya/fimwatch/pkg/monitoring"
	"github.com/aditya/fimwatch/pkg/pathmatch"
	"github.com/aditya/fimwatch/pkg/store"
	"github.com/aditya/fimwatch/pkg/watcher"
	"github.com/aditya/fimwatch/pkg/workerpool"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

const (
	DefaultBaselineTimeout = 30 * time.Second
	DefaultObserverJoin    = 5 * time.Second
	DefaultLoopJoin        = 3 * time.Second
	DefaultPoolGrace       = 5 * time.Second
)

// ErrNoBackupEngine is returned by backup operations when none is configured.
var ErrNoBackupEngine = errors.New("backups are not configured")

// Config wires the supervisor to the store and tunes the session it builds.
type Config struct {
	Store   store.Store
	Hasher  *hasher.Hasher
	Backup  *backup.Engine
	Sink    events.Sink
	Exclude *pathmatch.Matcher

	PoolSize        int
	HashTimeout     time.Duration
	BaselineTimeout time.Duration
	BackupCooldown  time.Duration
	CacheTTL        time.Duration
	DedupWindow     time.Duration
	ObserverJoin    time.Duration
	LoopJoin        time.Duration
	PoolGrace       time.Duration

	Logger  *logrus.Logger
	Metrics *monitoring.Metrics
}

// StartOptions describes the session to start.
type StartOptions struct {
	Username string
	Roots    []string
	// Excluded roots get a baseline and initial backup but are not watched.
	Excluded  []string
	Recursive bool
	// ScanInterval enables periodic reconciliation when positive.
	ScanInterval time.Duration
}

// StartReport lists the outcome for every requested root.
type StartReport struct {
	Watching []string         `json:"watching"`
	Skipped  []string         `json:"skipped,omitempty"`
	Failed   map[string]error `json:"-"`
}

// Errors returns the failed roots with their messages, sorted by root.
func (r StartReport) Errors() []string {
	roots := make([]string, 0, len(r.Failed))
	for root := range r.Failed {
		roots = append(roots, root)
	}
	sort.Strings(roots)

	out := make([]string, 0, len(roots))
	for _, root := range roots {
		out = append(out, fmt.Sprintf("%s: %v", root, r.Failed[root]))
	}
	return out
}

type session struct {
	username string
	roots    []string
	interval time.Duration

	pool    *workerpool.Pool
	tracker *baseline.Tracker
	watcher *watcher.FileWatcher
	proc    *watcher.Processor

	cancel   context.CancelFunc
	loopDone chan struct{}
	scanDone chan struct{}
}

// Supervisor starts and stops monitoring sessions and answers operational
// queries. At most one session is active at a time.
type Supervisor struct {
	cfg    Config
	logger *logrus.Logger

	mu      sync.Mutex
	session *session

	stateMu sync.RWMutex
	states  map[string]model.RootState
}

// New creates a Supervisor with no active session.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("supervisor requires a store")
	}
	if cfg.Hasher == nil {
		cfg.Hasher = hasher.Default()
	}
	if cfg.Sink == nil {
		cfg.Sink = events.Discard
	}
	if cfg.BaselineTimeout <= 0 {
		cfg.BaselineTimeout = DefaultBaselineTimeout
	}
	if cfg.ObserverJoin <= 0 {
		cfg.ObserverJoin = DefaultObserverJoin
	}
	if cfg.LoopJoin <= 0 {
		cfg.LoopJoin = DefaultLoopJoin
	}
	if cfg.PoolGrace <= 0 {
		cfg.PoolGrace = DefaultPoolGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	// Backups written inside a monitored root must never be baselined,
	// watched or copied again.
	if cfg.Backup != nil {
		cfg.Exclude = cfg.Exclude.WithReserved(cfg.Backup.Root())
	}

	return &Supervisor{
		cfg:    cfg,
		logger: cfg.Logger,
		states: make(map[string]model.RootState),
	}, nil
}

// Start stops any running session and starts a new one over opts.Roots.
// Roots that are missing or fail their baseline are reported in the
// returned StartReport and do not prevent the others from starting.
func (s *Supervisor) Start(ctx context.Context, opts StartOptions) (StartReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.stopLocked(); err != nil {
		s.logger.WithError(err).Warn("Previous session did not stop cleanly")
	}
	s.stateMu.Lock()
	s.states = make(map[string]model.RootState)
	s.stateMu.Unlock()

	report := StartReport{Failed: make(map[string]error)}
	excluded := make(map[string]bool, len(opts.Excluded))
	for _, root := range opts.Excluded {
		excluded[store.NormalizeRoot(root)] = true
	}

	pool := workerpool.New(s.cfg.PoolSize, s.logger)
	tracker, err := baseline.NewTracker(baseline.Config{
		Store:     s.cfg.Store,
		Hasher:    s.cfg.Hasher,
		Exclude:   s.cfg.Exclude,
		Recursive: opts.Recursive,
		Logger:    s.logger,
	})
	if err != nil {
		pool.Shutdown(0)
		return report, err
	}

	fw, err := watcher.NewFileWatcher(watcher.Config{
		Recursive:   opts.Recursive,
		Exclude:     s.cfg.Exclude,
		JoinTimeout: s.cfg.ObserverJoin,
		Pool:        pool,
		Logger:      s.logger,
		Metrics:     s.cfg.Metrics,
	})
	if err != nil {
		pool.Shutdown(0)
		return report, err
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &session{
		username: opts.Username,
		interval: opts.ScanInterval,
		pool:     pool,
		tracker:  tracker,
		watcher:  fw,
		cancel:   cancel,
		loopDone: make(chan struct{}),
		scanDone: make(chan struct{}),
	}

	var backupFn watcher.BackupFunc
	if s.cfg.Backup != nil {
		backupFn = func(root string) {
			if _, err := s.cfg.Backup.Backup(sessCtx, root, opts.Username, model.BackupAutomatic); err != nil {
				s.logger.WithError(err).WithField("root", root).Warn("Automatic backup failed")
			}
		}
	}

	sess.proc, err = watcher.NewProcessor(watcher.ProcessorConfig{
		Store:          s.cfg.Store,
		Hasher:         s.cfg.Hasher,
		Pool:           pool,
		Cache:          watcher.NewHashCache(s.cfg.CacheTTL),
		Dedup:          watcher.NewDeduplicator(s.cfg.DedupWindow),
		Sink:           s.cfg.Sink,
		Backup:         backupFn,
		Username:       opts.Username,
		HashTimeout:    s.cfg.HashTimeout,
		BackupCooldown: s.cfg.BackupCooldown,
		Logger:         s.logger,
		Metrics:        s.cfg.Metrics,
	})
	if err != nil {
		cancel()
		fw.Stop()
		pool.Shutdown(0)
		return report, err
	}

	seen := make(map[string]bool, len(opts.Roots))
	for _, root := range opts.Roots {
		root = store.NormalizeRoot(root)
		if seen[root] {
			continue
		}
		seen[root] = true

		if err := s.startRoot(ctx, sess, root, opts, excluded[root]); err != nil {
			report.Failed[root] = err
			s.clearState(root)
			s.logger.WithError(err).WithField("root", root).Error("❌ Failed to start monitoring root")
			s.appendLog(model.LogEntry{
				Category: model.LogAlert,
				Level:    model.LevelError,
				Message:  fmt.Sprintf("Could not monitor %s", root),
				Root:     root,
				Username: opts.Username,
				Details:  map[string]any{"error": err.Error()},
			})
			continue
		}

		if excluded[root] {
			report.Skipped = append(report.Skipped, root)
			s.clearState(root)
			continue
		}
		report.Watching = append(report.Watching, root)
		sess.roots = append(sess.roots, root)
	}

	fw.Start()
	go func() {
		defer close(sess.loopDone)
		sess.proc.Run(sessCtx, fw.Events())
	}()
	go func() {
		defer close(sess.scanDone)
		s.reconcileLoop(sessCtx, sess)
	}()

	for _, root := range sess.roots {
		s.setState(root, model.StateWatching)
	}
	s.session = sess

	s.appendLog(model.LogEntry{
		Category: model.LogSystem,
		Level:    model.LevelInfo,
		Message:  fmt.Sprintf("Monitoring started for %d roots", len(report.Watching)),
		Username: opts.Username,
		Details: map[string]any{
			"watching": report.Watching,
			"skipped":  report.Skipped,
			"failed":   report.Errors(),
		},
	})
	s.logger.WithFields(logrus.Fields{
		"watching": len(report.Watching),
		"skipped":  len(report.Skipped),
		"failed":   len(report.Failed),
	}).Info("🚀 Monitoring session started")
	return report, nil
}

// startRoot baselines root on the pool, takes the initial backup and
// subscribes to it unless skipWatch is set.
func (s *Supervisor) startRoot(ctx context.Context, sess *session, root string, opts StartOptions, skipWatch bool) error {
	if s.cfg.Exclude.Reserved(root) {
		return fmt.Errorf("%s holds fimwatch data or backups and cannot be monitored", root)
	}
	s.setState(root, model.StateBaselineInProgress)

	if err := s.runBaseline(ctx, sess.pool, sess.tracker, root, opts.Username); err != nil {
		return err
	}

	r, err := s.cfg.Store.GetRoot(root)
	if err != nil {
		return fmt.Errorf("reading root %s: %w", root, err)
	}
	r.Recursive = opts.Recursive
	r.ScanInterval = opts.ScanInterval
	r.Active = !skipWatch
	if err := s.cfg.Store.UpsertRoot(r); err != nil {
		return fmt.Errorf("saving root %s: %w", root, err)
	}

	if s.cfg.Backup != nil {
		if _, err := s.cfg.Backup.Backup(ctx, root, opts.Username, model.BackupAutomatic); err != nil {
			s.logger.WithError(err).WithField("root", root).Warn("Initial backup failed")
		}
	}

	if skipWatch {
		return nil
	}
	if err := sess.watcher.AddRoot(root); err != nil {
		return err
	}
	sess.proc.AddRoot(root)
	return nil
}

// runBaseline tracks root on pool, bounded by the baseline timeout. A nil
// pool runs the walk on the calling goroutine.
func (s *Supervisor) runBaseline(ctx context.Context, pool *workerpool.Pool, tracker *baseline.Tracker, root, username string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.BaselineTimeout)
	defer cancel()

	if pool == nil {
		_, err := tracker.Track(ctx, root, username)
		return err
	}

	h := pool.Submit(func() (any, error) {
		return tracker.Track(ctx, root, username)
	})
	_, err := h.Await(s.cfg.BaselineTimeout)
	return err
}

func (s *Supervisor) reconcileLoop(ctx context.Context, sess *session) {
	if sess.interval <= 0 {
		return
	}

	ticker := time.NewTicker(sess.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, root := range sess.roots {
				h := sess.pool.Submit(func() (any, error) {
					return sess.tracker.Reconcile(ctx, root, sess.username)
				})
				res, err := h.Wait(ctx)
				if err != nil {
					if ctx.Err() == nil {
						s.logger.WithError(err).WithField("root", root).Warn("Scheduled scan failed")
					}
					continue
				}
				if report, ok := res.(model.ScanReport); ok && report.HasChanges() {
					s.logger.WithFields(logrus.Fields{
						"root":     root,
						"added":    len(report.Added),
						"modified": len(report.Modified),
						"deleted":  len(report.Deleted),
					}).Warn("⚠️ Scheduled scan found changes")
				}
			}
		}
	}
}

// Stop ends the active session. It is safe to call before Start and more
// than once.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *Supervisor) stopLocked() error {
	sess := s.session
	if sess == nil {
		return nil
	}
	s.session = nil

	for _, root := range sess.roots {
		s.setState(root, model.StateStopping)
	}

	var errs *multierror.Error

	sess.proc.Stop()
	sess.cancel()
	if err := sess.watcher.Stop(); err != nil {
		errs = multierror.Append(errs, err)
	}

	for name, done := range map[string]chan struct{}{"change processor": sess.loopDone, "scan loop": sess.scanDone} {
		select {
		case <-done:
		case <-time.After(s.cfg.LoopJoin):
			errs = multierror.Append(errs, fmt.Errorf("%s did not stop within %s: %w", name, s.cfg.LoopJoin, model.ErrTimeout))
		}
	}

	if !sess.pool.Shutdown(s.cfg.PoolGrace) {
		s.logger.Warn("Worker pool did not drain before the grace period")
	}

	for _, root := range sess.roots {
		if err := s.cfg.Store.SetRootActive(root, false); err != nil && !errors.Is(err, model.ErrNotFound) {
			errs = multierror.Append(errs, err)
		}
		s.setState(root, model.StateStopped)
	}

	s.appendLog(model.LogEntry{
		Category: model.LogSystem,
		Level:    model.LevelInfo,
		Message:  fmt.Sprintf("Monitoring stopped for %d roots", len(sess.roots)),
		Username: sess.username,
	})
	s.logger.Info("🛑 Monitoring session stopped")
	return errs.ErrorOrNil()
}

// ResetBaseline discards the stored entries of each root and records a
// fresh baseline. It returns the first failure after trying every root.
func (s *Supervisor) ResetBaseline(ctx context.Context, username string, roots []string) error {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()

	var pool *workerpool.Pool
	var tracker *baseline.Tracker
	if sess != nil {
		pool, tracker = sess.pool, sess.tracker
	} else {
		t, err := s.newTracker(true)
		if err != nil {
			return err
		}
		tracker = t
	}

	var errs *multierror.Error
	for _, root := range roots {
		root = store.NormalizeRoot(root)
		if err := s.cfg.Store.DeleteRootRecords(root); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("clearing %s: %w", root, err))
			continue
		}
		if err := s.runBaseline(ctx, pool, tracker, root, username); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("baselining %s: %w", root, err))
			continue
		}
		s.appendLog(model.LogEntry{
			Category: model.LogScan,
			Level:    model.LevelWarning,
			Message:  fmt.Sprintf("Baseline reset for %s", root),
			Root:     root,
			Username: username,
		})
	}
	return errs.ErrorOrNil()
}

// GetBaseline returns the current baseline of root, or of every monitored
// root when root is empty, keyed by root.
func (s *Supervisor) GetBaseline(root string) (map[string]map[string]model.BaselineItem, error) {
	var roots []string
	if root != "" {
		roots = []string{store.NormalizeRoot(root)}
	} else {
		var err error
		if roots, err = s.cfg.Store.ListMonitoredRoots(); err != nil {
			return nil, err
		}
	}

	out := make(map[string]map[string]model.BaselineItem, len(roots))
	for _, r := range roots {
		items, err := s.cfg.Store.GetCurrentBaseline(r)
		if err != nil {
			return nil, fmt.Errorf("reading baseline for %s: %w", r, err)
		}
		out[r] = items
	}
	return out, nil
}

// GetRecentLogs returns up to limit audit entries, newest first.
func (s *Supervisor) GetRecentLogs(root string, limit int) ([]model.LogEntry, error) {
	if root != "" {
		root = store.NormalizeRoot(root)
	}
	return s.cfg.Store.RecentLogs(root, limit)
}

// Status returns the monitoring state of every root in the current or most
// recent session.
func (s *Supervisor) Status() map[string]model.RootState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	out := make(map[string]model.RootState, len(s.states))
	for root, state := range s.states {
		out[root] = state
	}
	return out
}

// Scan compares root with its stored baseline without recording anything.
func (s *Supervisor) Scan(ctx context.Context, root string) (model.ScanReport, error) {
	tracker, err := s.newTracker(true)
	if err != nil {
		return model.ScanReport{}, err
	}
	return tracker.Scan(ctx, root)
}

// Backup takes a manual backup of root.
func (s *Supervisor) Backup(ctx context.Context, root, username string) (*model.BackupRecord, error) {
	if s.cfg.Backup == nil {
		return nil, ErrNoBackupEngine
	}
	return s.cfg.Backup.Backup(ctx, root, username, model.BackupManual)
}

// Restore writes a backup back to destination, or to its source root.
func (s *Supervisor) Restore(ctx context.Context, backupID, destination, username string) (*model.RestoreResult, error) {
	if s.cfg.Backup == nil {
		return nil, ErrNoBackupEngine
	}
	return s.cfg.Backup.Restore(ctx, backupID, destination, username)
}

// ListBackups returns the backups of root, newest first.
func (s *Supervisor) ListBackups(root string) ([]model.BackupRecord, error) {
	if s.cfg.Backup == nil {
		return nil, ErrNoBackupEngine
	}
	if root != "" {
		root = store.NormalizeRoot(root)
	}
	return s.cfg.Backup.List(root)
}

// CleanupBackups removes expired backups and restored backups older than
// olderThan, returning how many were removed.
func (s *Supervisor) CleanupBackups(ctx context.Context, olderThan time.Duration) (int, error) {
	if s.cfg.Backup == nil {
		return 0, ErrNoBackupEngine
	}
	return s.cfg.Backup.Cleanup(ctx, olderThan)
}

func (s *Supervisor) newTracker(recursive bool) (*baseline.Tracker, error) {
	return baseline.NewTracker(baseline.Config{
		Store:     s.cfg.Store,
		Hasher:    s.cfg.Hasher,
		Exclude:   s.cfg.Exclude,
		Recursive: recursive,
		Logger:    s.logger,
	})
}

func (s *Supervisor) setState(root string, state model.RootState) {
	s.stateMu.Lock()
	s.states[root] = state
	s.stateMu.Unlock()
}

func (s *Supervisor) clearState(root string) {
	s.stateMu.Lock()
	delete(s.states, root)
	s.stateMu.Unlock()
}

func (s *Supervisor) appendLog(e model.LogEntry) {
	e.Timestamp = time.Now()
	if err := s.cfg.Store.AppendLog(e); err != nil {
		s.logger.WithError(err).Warn("Failed to write audit log")
	}
}
