package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aditya/fimwatch/pkg/events"
	"github.com/aditya/fimwatch/pkg/hasher"
	"github.com/aditya/fimwatch/pkg/model"
	"github.com/aditya/fimwatch/pkg/monitoring"
	"github.com/aditya/fimwatch/pkg/store"
	"github.com/aditya/fimwatch/pkg/workerpool"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// DefaultHashTimeout bounds each digest computation.
	DefaultHashTimeout = 10 * time.Second
	// DefaultBackupCooldown is the minimum gap between automatic backups of
	// one root.
	DefaultBackupCooldown = 5 * time.Second
)

// BackupFunc backs up a whole root. It runs on the worker pool.
type BackupFunc func(root string)

// ProcessorConfig wires the change processor to its collaborators.
type ProcessorConfig struct {
	Store  store.Store
	Hasher *hasher.Hasher
	Pool   *workerpool.Pool
	Cache  *HashCache
	Dedup  *Deduplicator
	Sink   events.Sink
	Backup BackupFunc

	Username       string
	HashTimeout    time.Duration
	BackupCooldown time.Duration

	Logger  *logrus.Logger
	Metrics *monitoring.Metrics
}

// Processor classifies pending events against the baseline store, records
// the resulting changes and triggers backups. Events are handled one at a
// time in arrival order.
type Processor struct {
	cfg    ProcessorConfig
	logger *logrus.Logger

	mu      sync.RWMutex
	roots   []string
	backups map[string]*rootBackup

	stopped atomic.Bool
}

// NewProcessor validates cfg and fills in defaults.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("processor requires a store")
	}
	if cfg.Pool == nil {
		return nil, fmt.Errorf("processor requires a worker pool")
	}
	if cfg.Hasher == nil {
		cfg.Hasher = hasher.Default()
	}
	if cfg.Cache == nil {
		cfg.Cache = NewHashCache(DefaultCacheTTL)
	}
	if cfg.Dedup == nil {
		cfg.Dedup = NewDeduplicator(DefaultDedupWindow)
	}
	if cfg.Sink == nil {
		cfg.Sink = events.Discard
	}
	if cfg.HashTimeout <= 0 {
		cfg.HashTimeout = DefaultHashTimeout
	}
	if cfg.BackupCooldown <= 0 {
		cfg.BackupCooldown = DefaultBackupCooldown
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	return &Processor{
		cfg:     cfg,
		logger:  cfg.Logger,
		backups: make(map[string]*rootBackup),
	}, nil
}

// AddRoot registers a root whose events should be processed.
func (p *Processor) AddRoot(root string) {
	root = store.NormalizeRoot(root)

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.roots {
		if r == root {
			return
		}
	}
	p.roots = append(p.roots, root)
	p.backups[root] = &rootBackup{limiter: rate.NewLimiter(rate.Every(p.cfg.BackupCooldown), 1)}
}

// rootBackup tracks the automatic backups of one root. Guarded by
// Processor.mu.
type rootBackup struct {
	limiter *rate.Limiter
	running bool
	// rerun is set when the cooldown elapsed while a backup was running.
	rerun bool
}

// Stop makes the processor discard any further results.
func (p *Processor) Stop() {
	p.stopped.Store(true)
}

// Run handles events until the channel is closed or ctx is done.
func (p *Processor) Run(ctx context.Context, in <-chan model.PendingEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			p.safeHandle(ev)
		}
	}
}

func (p *Processor) safeHandle(ev model.PendingEvent) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithFields(logrus.Fields{
				"path":      ev.Path,
				"operation": ev.Type,
			}).Errorf("Recovered panic processing event: %v", r)
		}
	}()

	if _, err := p.Handle(ev); err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"path":      ev.Path,
			"operation": ev.Type,
		}).Error("Failed to process event")
	}
}

// Handle processes one event. It returns the classified change, or nil when
// the event was filtered, deduplicated or changed nothing.
func (p *Processor) Handle(ev model.PendingEvent) (*model.Change, error) {
	if p.stopped.Load() {
		return nil, nil
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	root, rel, ok := p.resolve(ev.Path)
	if !ok {
		return nil, nil
	}

	p.cfg.Metrics.IncrementEventsReceived()
	if !p.cfg.Dedup.ShouldProcess(ev.Type, ev.Path) {
		p.cfg.Metrics.IncrementEventsDeduplicated()
		return nil, nil
	}

	var (
		change *model.Change
		err    error
	)
	if ev.Type == model.EventDeleted {
		change, err = p.classifyDelete(root, rel, ev)
	} else {
		change, err = p.classifyWrite(root, rel, ev)
	}
	if err != nil || change == nil {
		return nil, err
	}

	if ev.Type != model.EventDeleted {
		p.maybeBackup(root)
	}

	p.cfg.Metrics.RecordChange(change.Kind)
	p.cfg.Sink.Publish(*change)
	p.audit(*change)
	return change, nil
}

func (p *Processor) classifyDelete(root, rel string, ev model.PendingEvent) (*model.Change, error) {
	prev, err := p.cfg.Store.GetEntry(root, rel)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up %s: %w", rel, err)
	}

	p.cfg.Cache.Invalidate(ev.Path)

	_, err = p.cfg.Store.UpsertEntry(model.Entry{
		Root:       root,
		RelPath:    rel,
		Kind:       prev.Kind,
		Digest:     prev.Digest,
		Size:       prev.Size,
		ModifiedAt: prev.ModifiedAt,
		Status:     model.StatusDeleted,
		DetectedAt: ev.At,
	})
	if err != nil {
		return nil, fmt.Errorf("recording deletion of %s: %w", rel, err)
	}
	if prev.Kind == model.KindDirectory {
		p.retireChildren(root, rel, ev.At)
	}

	return &model.Change{
		ID:        uuid.NewString(),
		Kind:      model.ChangeDeleted,
		Root:      root,
		Path:      ev.Path,
		RelPath:   rel,
		IsDir:     prev.Kind == model.KindDirectory,
		Digest:    prev.Digest,
		Timestamp: ev.At,
	}, nil
}

// retireChildren marks every current entry below a deleted directory as
// deleted. Their own remove notifications then find nothing to do.
func (p *Processor) retireChildren(root, rel string, at time.Time) {
	baseline, err := p.cfg.Store.GetCurrentBaseline(root)
	if err != nil {
		p.logger.WithError(err).WithField("path", rel).Warn("Failed to read baseline for deleted directory")
		return
	}

	prefix := rel + "/"
	for child, item := range baseline {
		if !strings.HasPrefix(child, prefix) {
			continue
		}
		_, err := p.cfg.Store.UpsertEntry(model.Entry{
			Root:       root,
			RelPath:    child,
			Kind:       item.Kind,
			Digest:     item.Digest,
			Size:       item.Size,
			ModifiedAt: item.ModifiedAt,
			Status:     model.StatusDeleted,
			DetectedAt: at,
		})
		if err != nil {
			p.logger.WithError(err).WithField("path", child).Warn("Failed to retire entry")
		}
	}
}

func (p *Processor) classifyWrite(root, rel string, ev model.PendingEvent) (*model.Change, error) {
	info, err := os.Lstat(ev.Path)
	if err != nil {
		// Gone before we got to it; the delete event is on its way.
		return nil, nil
	}
	isDir := info.IsDir()

	digest := p.digest(ev.Path, info)
	if p.stopped.Load() {
		return nil, nil
	}

	entry := model.Entry{
		Root:       root,
		RelPath:    rel,
		Kind:       model.KindFile,
		Digest:     digest,
		ModifiedAt: info.ModTime(),
		DetectedAt: ev.At,
	}
	if isDir {
		entry.Kind = model.KindDirectory
	} else {
		entry.Size = info.Size()
	}

	change := &model.Change{
		ID:        uuid.NewString(),
		Root:      root,
		Path:      ev.Path,
		RelPath:   rel,
		IsDir:     isDir,
		Digest:    digest,
		Timestamp: ev.At,
	}

	prev, err := p.cfg.Store.GetEntry(root, rel)
	switch {
	case errors.Is(err, model.ErrNotFound):
		entry.Status = model.StatusAdded
		change.Kind = model.ChangeAdded
	case err != nil:
		return nil, fmt.Errorf("looking up %s: %w", rel, err)
	case prev.Digest == digest:
		return nil, nil
	default:
		entry.Status = model.StatusModified
		entry.PreviousDigest = prev.Digest
		change.Kind = model.ChangeModified
		change.PreviousDigest = prev.Digest
	}

	if _, err := p.cfg.Store.UpsertEntry(entry); err != nil {
		return nil, fmt.Errorf("recording %s of %s: %w", change.Kind, rel, err)
	}
	return change, nil
}

// digest hashes path on the worker pool, bounded by the hash timeout. The
// cache entry is stamped with size and mtime so a rewrite inside the TTL is
// rehashed. Failures degrade to a sentinel or placeholder digest.
func (p *Processor) digest(path string, info os.FileInfo) string {
	isDir := info.IsDir()
	stamp := Stamp(info)

	h := p.cfg.Pool.Submit(func() (any, error) {
		return p.cfg.Cache.Compute(path, stamp, func() (string, error) {
			return p.cfg.Hasher.Hash(path, isDir)
		})
	})

	v, err := h.Await(p.cfg.HashTimeout)
	if err == nil {
		return v.(string)
	}

	log := p.logger.WithError(err).WithField("path", path)
	switch {
	case errors.Is(err, model.ErrTimeout):
		p.cfg.Metrics.IncrementHashTimeouts()
		log.Warn("Hash computation timed out")
		return model.DigestTimeout
	case errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrNotRegularFile), errors.Is(err, model.ErrFileTooLarge):
		log.Debug("Using placeholder digest")
		return p.cfg.Hasher.Placeholder(path)
	default:
		p.cfg.Metrics.IncrementHashErrors()
		log.Warn("Hash computation failed")
		return model.DigestError
	}
}

// maybeBackup dispatches a backup of root once per cooldown. While one is
// running, further requests collapse into a single rerun.
func (p *Processor) maybeBackup(root string) {
	if p.cfg.Backup == nil {
		return
	}

	p.mu.Lock()
	state := p.backups[root]
	if state == nil || !state.limiter.Allow() {
		p.mu.Unlock()
		return
	}
	if state.running {
		state.rerun = true
		p.mu.Unlock()
		p.logger.WithField("root", root).Debug("Backup in progress, rerun scheduled")
		return
	}
	state.running = true
	p.mu.Unlock()

	p.cfg.Pool.Go(func() { p.runBackup(root, state) })
}

func (p *Processor) runBackup(root string, state *rootBackup) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithField("root", root).Errorf("Recovered panic during backup: %v", r)
			p.mu.Lock()
			state.running, state.rerun = false, false
			p.mu.Unlock()
		}
	}()

	for {
		p.cfg.Backup(root)

		p.mu.Lock()
		if !state.rerun || p.stopped.Load() {
			state.running, state.rerun = false, false
			p.mu.Unlock()
			return
		}
		state.rerun = false
		p.mu.Unlock()
	}
}

func (p *Processor) audit(c model.Change) {
	level := model.LevelWarning
	if c.Kind == model.ChangeAdded {
		level = model.LevelInfo
	}

	details := map[string]any{
		"change_id": c.ID,
		"path":      c.RelPath,
		"kind":      string(c.Kind),
		"digest":    c.Digest,
		"is_dir":    c.IsDir,
	}
	if c.PreviousDigest != "" {
		details["previous_digest"] = c.PreviousDigest
	}

	err := p.cfg.Store.AppendLog(model.LogEntry{
		Category:  model.LogChange,
		Level:     level,
		Message:   fmt.Sprintf("File %s: %s", c.Kind, c.RelPath),
		Root:      c.Root,
		Username:  p.cfg.Username,
		Details:   details,
		Timestamp: c.Timestamp,
	})
	if err != nil {
		p.logger.WithError(err).WithField("path", c.Path).Warn("Failed to write change log")
	}

	p.logger.WithFields(logrus.Fields{
		"root": c.Root,
		"path": c.RelPath,
		"kind": c.Kind,
	}).Info("📝 Change detected")
}

// resolve returns the registered root containing path and the slash
// separated path relative to it.
func (p *Processor) resolve(path string) (root, rel string, ok bool) {
	p.mu.RLock()
	root, ok = longestRoot(p.roots, filepath.Clean(path))
	p.mu.RUnlock()
	if !ok {
		return "", "", false
	}

	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return "", "", false
	}
	return root, filepath.ToSlash(rel), true
}
