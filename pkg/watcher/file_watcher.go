// Package watcher turns filesystem notifications under monitored roots into
// classified, persisted changes.
package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aditya/fimwatch/pkg/model"
	"github.com/aditya/fimwatch/pkg/monitoring"
	"github.com/aditya/fimwatch/pkg/pathmatch"
	"github.com/aditya/fimwatch/pkg/workerpool"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const (
	defaultBufferSize     = 4096
	defaultEnqueueTimeout = time.Second
	defaultJoinTimeout    = 5 * time.Second
)

// Config holds configuration for the FileWatcher.
type Config struct {
	// Recursive subscribes to every subdirectory, including ones created later.
	Recursive bool
	// Exclude drops events for matching paths relative to their root.
	Exclude *pathmatch.Matcher
	// BufferSize bounds the queue of pending events.
	BufferSize int
	// EnqueueTimeout is how long delivery waits on a full queue before
	// dropping the event.
	EnqueueTimeout time.Duration
	// JoinTimeout bounds Stop.
	JoinTimeout time.Duration
	// Pool runs the walk of newly created directories. Without one the walk
	// gets its own goroutine.
	Pool    *workerpool.Pool
	Logger  *logrus.Logger
	Metrics *monitoring.Metrics
}

// FileWatcher subscribes to filesystem notifications for a set of roots and
// emits them as PendingEvents. Its delivery goroutine only filters and
// enqueues; hashing happens downstream.
type FileWatcher struct {
	cfg     Config
	watcher *fsnotify.Watcher
	events  chan model.PendingEvent
	done    chan struct{}
	exited  chan struct{}
	logger  *logrus.Logger

	mu    sync.RWMutex
	roots []string

	// sendMu lets background walks enqueue without racing the close of
	// events.
	sendMu sync.RWMutex
	closed bool

	startOnce sync.Once
	stopOnce  sync.Once
	stopErr   error
}

// NewFileWatcher creates a watcher with no roots.
func NewFileWatcher(cfg Config) (*FileWatcher, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = defaultEnqueueTimeout
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	return &FileWatcher{
		cfg:     cfg,
		watcher: w,
		events:  make(chan model.PendingEvent, cfg.BufferSize),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
		logger:  cfg.Logger,
	}, nil
}

// Events returns the channel of pending events. It is closed after Stop.
func (fw *FileWatcher) Events() <-chan model.PendingEvent {
	return fw.events
}

// AddRoot subscribes to root, and to its subdirectories when recursive.
func (fw *FileWatcher) AddRoot(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("watching %s: %w", root, model.ErrNotFound)
		}
		return fmt.Errorf("watching %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watching %s: not a directory", root)
	}

	root = filepath.Clean(root)
	if fw.cfg.Recursive {
		if err := fw.addDirectoryRecursive(root, root, false); err != nil {
			return err
		}
	} else if err := fw.watcher.Add(root); err != nil {
		return fmt.Errorf("adding %s to watcher: %w", root, err)
	}

	fw.mu.Lock()
	fw.roots = append(fw.roots, root)
	fw.mu.Unlock()

	fw.logger.WithField("root", root).Info("🔍 Watching root")
	return nil
}

// Roots returns the subscribed roots.
func (fw *FileWatcher) Roots() []string {
	fw.mu.RLock()
	defer fw.mu.RUnlock()
	return append([]string(nil), fw.roots...)
}

// Start begins delivering events.
func (fw *FileWatcher) Start() {
	fw.startOnce.Do(func() {
		go fw.watchFiles()
	})
}

// Stop cancels the subscription and waits up to the join timeout for the
// delivery goroutine to exit. The Events channel is closed once it has.
func (fw *FileWatcher) Stop() error {
	fw.stopOnce.Do(func() {
		close(fw.done)
		if err := fw.watcher.Close(); err != nil {
			fw.stopErr = fmt.Errorf("closing file watcher: %w", err)
		}

		// Never started: nothing to join.
		fw.startOnce.Do(func() {
			fw.closeEvents()
			close(fw.exited)
		})

		select {
		case <-fw.exited:
		case <-time.After(fw.cfg.JoinTimeout):
			fw.stopErr = fmt.Errorf("file watcher did not stop within %s: %w", fw.cfg.JoinTimeout, model.ErrTimeout)
			fw.logger.Warn("File watcher join timed out")
		}
	})
	return fw.stopErr
}

func (fw *FileWatcher) watchFiles() {
	defer close(fw.exited)
	defer fw.closeEvents()

	for {
		select {
		case <-fw.done:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			fw.handleFileEvent(event)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.WithError(err).Error("File watcher error")
		}
	}
}

func (fw *FileWatcher) closeEvents() {
	fw.sendMu.Lock()
	defer fw.sendMu.Unlock()
	if !fw.closed {
		fw.closed = true
		close(fw.events)
	}
}

func (fw *FileWatcher) handleFileEvent(event fsnotify.Event) {
	defer func() {
		if r := recover(); r != nil {
			fw.logger.WithField("path", event.Name).Errorf("Recovered panic handling file event: %v", r)
		}
	}()

	root, ok := fw.rootFor(event.Name)
	if !ok {
		return
	}
	rel, err := filepath.Rel(root, event.Name)
	if err != nil || rel == "." {
		return
	}
	if fw.cfg.Exclude.Excludes(event.Name, rel) {
		return
	}

	typ, ok := mapOp(event.Op)
	if !ok {
		return
	}

	ev := model.PendingEvent{Type: typ, Path: event.Name, At: time.Now()}
	if typ != model.EventDeleted {
		info, err := os.Lstat(event.Name)
		if err != nil {
			// Removed before we looked; the remove event follows.
			return
		}
		ev.IsDir = info.IsDir()

		if ev.IsDir && typ == model.EventCreated && fw.cfg.Recursive {
			fw.enqueue(ev)
			fw.watchNewDirectory(root, event.Name)
			return
		}
	}

	fw.enqueue(ev)
}

// watchNewDirectory subscribes to dir at once and walks its subtree off the
// delivery goroutine, so a large tree moved into a root does not stall
// notification delivery.
func (fw *FileWatcher) watchNewDirectory(root, dir string) {
	if err := fw.watcher.Add(dir); err != nil {
		fw.logger.WithError(err).WithField("path", dir).Warn("Failed to watch new directory")
		return
	}

	walk := func() {
		if err := fw.addDirectoryRecursive(root, dir, true); err != nil {
			fw.logger.WithError(err).WithField("path", dir).Warn("Failed to watch new directory")
		}
	}
	if fw.cfg.Pool != nil {
		fw.cfg.Pool.Go(walk)
		return
	}
	go walk()
}

// mapOp translates an fsnotify op. Create wins over Write when both are set.
func mapOp(op fsnotify.Op) (model.EventType, bool) {
	switch {
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return model.EventDeleted, true
	case op.Has(fsnotify.Create):
		return model.EventCreated, true
	case op.Has(fsnotify.Write), op.Has(fsnotify.Chmod):
		return model.EventModified, true
	default:
		return "", false
	}
}

func (fw *FileWatcher) enqueue(ev model.PendingEvent) {
	fw.sendMu.RLock()
	defer fw.sendMu.RUnlock()
	if fw.closed {
		return
	}

	select {
	case fw.events <- ev:
		return
	default:
	}

	timer := time.NewTimer(fw.cfg.EnqueueTimeout)
	defer timer.Stop()

	select {
	case fw.events <- ev:
	case <-fw.done:
	case <-timer.C:
		fw.cfg.Metrics.IncrementEventsDropped()
		fw.logger.WithFields(logrus.Fields{
			"path": ev.Path,
			"type": ev.Type,
		}).Warn("Event queue full, dropping event")
	}
}

// addDirectoryRecursive watches dir and every non-excluded subdirectory.
// When announce is set, entries found in a newly created directory are
// emitted as created events since their own notifications predate the watch.
func (fw *FileWatcher) addDirectoryRecursive(root, dir string, announce bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		select {
		case <-fw.done:
			return filepath.SkipAll
		default:
		}
		if err != nil {
			fw.logger.WithError(err).WithField("path", path).Warn("Skipping unreadable path")
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if rel, relErr := filepath.Rel(root, path); relErr == nil && rel != "." && fw.cfg.Exclude.Excludes(path, rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if announce && path != dir {
			fw.enqueue(model.PendingEvent{Type: model.EventCreated, Path: path, IsDir: d.IsDir(), At: time.Now()})
		}
		if !d.IsDir() {
			return nil
		}
		if err := fw.watcher.Add(path); err != nil {
			return fmt.Errorf("adding %s to watcher: %w", path, err)
		}
		return nil
	})
}

// rootFor returns the most specific subscribed root containing path.
func (fw *FileWatcher) rootFor(path string) (string, bool) {
	fw.mu.RLock()
	defer fw.mu.RUnlock()
	return longestRoot(fw.roots, path)
}

func longestRoot(roots []string, path string) (string, bool) {
	best := ""
	for _, root := range roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			if len(root) > len(best) {
				best = root
			}
		}
	}
	return best, best != ""
}
