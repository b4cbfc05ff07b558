package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aditya/fimwatch/pkg/events"
	"github.com/aditya/fimwatch/pkg/hasher"
	"github.com/aditya/fimwatch/pkg/model"
	"github.com/aditya/fimwatch/pkg/monitoring"
	"github.com/aditya/fimwatch/pkg/store"
	"github.com/aditya/fimwatch/pkg/workerpool"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type processorFixture struct {
	root    string
	store   *store.MemoryStore
	stream  *events.Stream
	metrics *monitoring.Metrics
	proc    *Processor
	backups int32
}

func newProcessorFixture(t *testing.T, cooldown time.Duration) *processorFixture {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	pool := workerpool.New(2, logger)
	t.Cleanup(func() { pool.Shutdown(time.Second) })

	f := &processorFixture{
		root:    store.NormalizeRoot(t.TempDir()),
		store:   store.NewMemoryStore(),
		stream:  events.NewStream(16),
		metrics: monitoring.NewMetrics("test", logger),
	}

	proc, err := NewProcessor(ProcessorConfig{
		Store:          f.store,
		Pool:           pool,
		Sink:           f.stream,
		Dedup:          NewDeduplicator(time.Nanosecond),
		Username:       "tester",
		BackupCooldown: cooldown,
		Backup:         func(string) { atomic.AddInt32(&f.backups, 1) },
		Logger:         logger,
		Metrics:        f.metrics,
	})
	require.NoError(t, err)
	proc.AddRoot(f.root)
	f.proc = proc
	return f
}

func (f *processorFixture) write(t *testing.T, rel, content string) string {
	t.Helper()
	path := filepath.Join(f.root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func (f *processorFixture) handle(t *testing.T, typ model.EventType, path string) *model.Change {
	t.Helper()
	// Distinct timestamps keep the tiny dedup window from merging events.
	time.Sleep(time.Millisecond)
	c, err := f.proc.Handle(model.PendingEvent{Type: typ, Path: path, At: time.Now()})
	require.NoError(t, err)
	return c
}

func TestNewProcessor_Validation(t *testing.T) {
	_, err := NewProcessor(ProcessorConfig{})
	assert.Error(t, err)

	_, err = NewProcessor(ProcessorConfig{Store: store.NewMemoryStore()})
	assert.Error(t, err)
}

func TestProcessor_AddedModifiedDeleted(t *testing.T) {
	f := newProcessorFixture(t, time.Hour)
	h := hasher.Default()

	path := f.write(t, "new.txt", "hello")
	added := f.handle(t, model.EventCreated, path)
	require.NotNil(t, added)
	assert.Equal(t, model.ChangeAdded, added.Kind)
	assert.Equal(t, "new.txt", added.RelPath)
	assert.NotEmpty(t, added.ID)

	want, err := h.HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, want, added.Digest)

	entry, err := f.store.GetEntry(f.root, "new.txt")
	require.NoError(t, err)
	assert.Equal(t, want, entry.Digest)
	assert.Equal(t, int64(5), entry.Size)

	f.write(t, "new.txt", "hello, world")
	modified := f.handle(t, model.EventModified, path)
	require.NotNil(t, modified)
	assert.Equal(t, model.ChangeModified, modified.Kind)
	assert.Equal(t, want, modified.PreviousDigest)
	assert.NotEqual(t, want, modified.Digest)

	require.NoError(t, os.Remove(path))
	deleted := f.handle(t, model.EventDeleted, path)
	require.NotNil(t, deleted)
	assert.Equal(t, model.ChangeDeleted, deleted.Kind)
	assert.Equal(t, modified.Digest, deleted.Digest)

	_, err = f.store.GetEntry(f.root, "new.txt")
	assert.ErrorIs(t, err, model.ErrNotFound)

	history, err := f.store.History(f.root, "new.txt")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, model.StatusAdded, history[0].Status)
	assert.Equal(t, model.StatusModified, history[1].Status)
	assert.Equal(t, model.StatusDeleted, history[2].Status)

	assert.Equal(t, 3, f.stream.Len())
	stats := f.metrics.Snapshot()
	assert.Equal(t, int64(1), stats.ChangesAdded)
	assert.Equal(t, int64(1), stats.ChangesModified)
	assert.Equal(t, int64(1), stats.ChangesDeleted)

	logs, err := f.store.RecentLogs(f.root, 10)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, model.LogChange, logs[0].Category)
	assert.Equal(t, "tester", logs[0].Username)
}

func TestProcessor_IdenticalContentIsNoop(t *testing.T) {
	f := newProcessorFixture(t, time.Hour)

	path := f.write(t, "same.txt", "content")
	require.NotNil(t, f.handle(t, model.EventCreated, path))

	// Same bytes, new mtime.
	f.write(t, "same.txt", "content")
	assert.Nil(t, f.handle(t, model.EventModified, path))
	assert.Equal(t, 1, f.stream.Len())
}

func TestProcessor_IgnoresPathsOutsideRoots(t *testing.T) {
	f := newProcessorFixture(t, time.Hour)

	outside := filepath.Join(t.TempDir(), "x.txt")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0644))

	assert.Nil(t, f.handle(t, model.EventCreated, outside))
	assert.Nil(t, f.handle(t, model.EventCreated, f.root))
	assert.Zero(t, f.metrics.Snapshot().EventsReceived)
}

func TestProcessor_DeleteUnknownPathIsNoop(t *testing.T) {
	f := newProcessorFixture(t, time.Hour)
	assert.Nil(t, f.handle(t, model.EventDeleted, filepath.Join(f.root, "ghost")))
}

func TestProcessor_VanishedFileIsSkipped(t *testing.T) {
	f := newProcessorFixture(t, time.Hour)
	assert.Nil(t, f.handle(t, model.EventCreated, filepath.Join(f.root, "gone.txt")))
}

func TestProcessor_Deduplicates(t *testing.T) {
	f := newProcessorFixture(t, time.Hour)
	f.proc.cfg.Dedup = NewDeduplicator(time.Minute)

	path := f.write(t, "dup.txt", "a")
	require.NotNil(t, f.handle(t, model.EventCreated, path))
	assert.Nil(t, f.handle(t, model.EventCreated, path))
	assert.Equal(t, int64(1), f.metrics.Snapshot().EventsDeduplicated)
}

func TestProcessor_DirectoryDeleteRetiresChildren(t *testing.T) {
	f := newProcessorFixture(t, time.Hour)

	dir := filepath.Join(f.root, "dir")
	child := f.write(t, "dir/child.txt", "c")
	require.NotNil(t, f.handle(t, model.EventCreated, dir))
	require.NotNil(t, f.handle(t, model.EventCreated, child))

	require.NoError(t, os.RemoveAll(dir))
	deleted := f.handle(t, model.EventDeleted, dir)
	require.NotNil(t, deleted)
	assert.True(t, deleted.IsDir)

	baseline, err := f.store.GetCurrentBaseline(f.root)
	require.NoError(t, err)
	assert.Empty(t, baseline)

	assert.Nil(t, f.handle(t, model.EventDeleted, child))
}

func TestProcessor_BackupCooldownPerRoot(t *testing.T) {
	f := newProcessorFixture(t, time.Hour)

	for i, name := range []string{"a.txt", "b.txt", "c.txt"} {
		path := f.write(t, name, name)
		require.NotNil(t, f.handle(t, model.EventCreated, path), "event %d", i)
	}

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&f.backups) == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.backups))
}

func TestProcessor_DeleteDoesNotTriggerBackup(t *testing.T) {
	f := newProcessorFixture(t, time.Hour)

	require.NoError(t, f.store.UpsertRoot(model.MonitoredRoot{Path: f.root}))
	_, err := f.store.UpsertEntry(model.Entry{Root: f.root, RelPath: "old.txt", Kind: model.KindFile, Digest: "d"})
	require.NoError(t, err)

	require.NotNil(t, f.handle(t, model.EventDeleted, filepath.Join(f.root, "old.txt")))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&f.backups))
}

func TestProcessor_StoppedDiscards(t *testing.T) {
	f := newProcessorFixture(t, time.Hour)
	f.proc.Stop()

	path := f.write(t, "late.txt", "x")
	assert.Nil(t, f.handle(t, model.EventCreated, path))

	_, err := f.store.GetEntry(f.root, "late.txt")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestProcessor_HashTimeoutUsesSentinel(t *testing.T) {
	f := newProcessorFixture(t, time.Hour)
	f.proc.cfg.HashTimeout = 20 * time.Millisecond

	// Occupy both workers so the hash task cannot start in time.
	block := make(chan struct{})
	defer close(block)
	for i := 0; i < 2; i++ {
		f.proc.cfg.Pool.Go(func() { <-block })
	}

	path := f.write(t, "slow.txt", "x")
	c := f.handle(t, model.EventCreated, path)
	require.NotNil(t, c)
	assert.Equal(t, model.DigestTimeout, c.Digest)
	assert.Equal(t, int64(1), f.metrics.Snapshot().HashTimeouts)
}

func TestProcessor_RunStopsOnClosedChannel(t *testing.T) {
	f := newProcessorFixture(t, time.Hour)

	in := make(chan model.PendingEvent, 2)
	path := f.write(t, "run.txt", "x")
	in <- model.PendingEvent{Type: model.EventCreated, Path: path, At: time.Now()}
	close(in)

	done := make(chan struct{})
	go func() {
		f.proc.Run(context.Background(), in)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	_, err := f.store.GetEntry(f.root, "run.txt")
	assert.NoError(t, err)
}

func TestProcessor_CacheHoldsOneEntryPerPath(t *testing.T) {
	f := newProcessorFixture(t, time.Hour)

	path := f.write(t, "busy.txt", "x")
	require.NotNil(t, f.handle(t, model.EventCreated, path))
	content := "x"
	for i := 0; i < 20; i++ {
		content += "y"
		f.write(t, "busy.txt", content)
		require.NotNil(t, f.handle(t, model.EventModified, path), "rewrite %d", i)
	}
	assert.Equal(t, 1, f.proc.cfg.Cache.Len())

	require.NoError(t, os.Remove(path))
	require.NotNil(t, f.handle(t, model.EventDeleted, path))
	assert.Equal(t, 0, f.proc.cfg.Cache.Len())
}

func TestProcessor_BackupsCollapseWhileRunning(t *testing.T) {
	f := newProcessorFixture(t, time.Millisecond)
	f.proc.cfg.HashTimeout = time.Second

	var started int32
	release := make(chan struct{})
	f.proc.cfg.Backup = func(string) {
		if atomic.AddInt32(&started, 1) == 1 {
			<-release
		}
	}

	var changes []*model.Change
	for _, name := range []string{"a.txt", "b.txt", "c.txt", "d.txt"} {
		path := f.write(t, name, name)
		changes = append(changes, f.handle(t, model.EventCreated, path))
		time.Sleep(5 * time.Millisecond)
	}

	// The first backup holds one of two workers; the rest become a rerun.
	for i, c := range changes {
		require.NotNil(t, c, "change %d", i)
		assert.NotEqual(t, model.DigestTimeout, c.Digest, "change %d", i)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&started))

	close(release)
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&started) == 2 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&started))
}
