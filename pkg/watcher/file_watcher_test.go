package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aditya/fimwatch/pkg/model"
	"github.com/aditya/fimwatch/pkg/pathmatch"
	"github.com/aditya/fimwatch/pkg/workerpool"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWatcher(t *testing.T, cfg Config) *FileWatcher {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
		cfg.Logger.SetLevel(logrus.WarnLevel)
	}
	fw, err := NewFileWatcher(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { fw.Stop() })
	return fw
}

// waitForEvent returns the first event for path with the given type.
func waitForEvent(t *testing.T, fw *FileWatcher, typ model.EventType, path string) model.PendingEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-fw.Events():
			require.True(t, ok, "event channel closed")
			if ev.Type == typ && ev.Path == path {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event for %s", typ, path)
		}
	}
}

func TestMapOp(t *testing.T) {
	tests := []struct {
		op   fsnotify.Op
		want model.EventType
		ok   bool
	}{
		{fsnotify.Create, model.EventCreated, true},
		{fsnotify.Write, model.EventModified, true},
		{fsnotify.Chmod, model.EventModified, true},
		{fsnotify.Remove, model.EventDeleted, true},
		{fsnotify.Rename, model.EventDeleted, true},
		{fsnotify.Create | fsnotify.Write, model.EventCreated, true},
		{0, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.op.String(), func(t *testing.T) {
			got, ok := mapOp(tt.op)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLongestRoot(t *testing.T) {
	roots := []string{"/data", "/data/nested", "/other"}

	tests := []struct {
		path string
		want string
		ok   bool
	}{
		{"/data/a.txt", "/data", true},
		{"/data/nested/b.txt", "/data/nested", true},
		{"/database/c.txt", "", false},
		{"/other", "/other", true},
		{"/elsewhere/x", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := longestRoot(roots, tt.path)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFileWatcher_AddRootErrors(t *testing.T) {
	fw := newTestWatcher(t, Config{})

	err := fw.AddRoot(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, model.ErrNotFound)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	assert.Error(t, fw.AddRoot(file))
	assert.Empty(t, fw.Roots())
}

func TestFileWatcher_DetectsLifecycle(t *testing.T) {
	root := t.TempDir()
	fw := newTestWatcher(t, Config{Recursive: true})
	require.NoError(t, fw.AddRoot(root))
	fw.Start()

	path := filepath.Join(root, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("one"), 0644))
	ev := waitForEvent(t, fw, model.EventCreated, path)
	assert.False(t, ev.IsDir)
	assert.False(t, ev.At.IsZero())

	require.NoError(t, os.WriteFile(path, []byte("two"), 0644))
	waitForEvent(t, fw, model.EventModified, path)

	require.NoError(t, os.Remove(path))
	waitForEvent(t, fw, model.EventDeleted, path)
}

func TestFileWatcher_WatchesNewSubdirectories(t *testing.T) {
	root := t.TempDir()
	fw := newTestWatcher(t, Config{Recursive: true})
	require.NoError(t, fw.AddRoot(root))
	fw.Start()

	sub := filepath.Join(root, "sub")
	require.NoError(t, os.Mkdir(sub, 0755))
	ev := waitForEvent(t, fw, model.EventCreated, sub)
	assert.True(t, ev.IsDir)

	nested := filepath.Join(sub, "nested.txt")
	require.NoError(t, os.WriteFile(nested, []byte("x"), 0644))
	waitForEvent(t, fw, model.EventCreated, nested)
}

func TestFileWatcher_Exclude(t *testing.T) {
	root := t.TempDir()
	fw := newTestWatcher(t, Config{Recursive: true, Exclude: pathmatch.MustCompile("*.tmp")})
	require.NoError(t, fw.AddRoot(root))
	fw.Start()

	require.NoError(t, os.WriteFile(filepath.Join(root, "skip.tmp"), []byte("x"), 0644))
	kept := filepath.Join(root, "kept.txt")
	require.NoError(t, os.WriteFile(kept, []byte("x"), 0644))

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-fw.Events():
			require.NotEqual(t, ".tmp", filepath.Ext(ev.Path))
			if ev.Path == kept {
				return
			}
		case <-deadline:
			t.Fatal("no event for kept file")
		}
	}
}

func TestFileWatcher_IgnoresReservedPaths(t *testing.T) {
	root := t.TempDir()
	data := filepath.Join(root, "data")
	require.NoError(t, os.MkdirAll(filepath.Join(data, "backups"), 0755))

	fw := newTestWatcher(t, Config{Recursive: true, Exclude: pathmatch.MustCompile().WithReserved(data)})
	require.NoError(t, fw.AddRoot(root))
	fw.Start()

	require.NoError(t, os.WriteFile(filepath.Join(data, "backups", "copy.txt"), []byte("x"), 0644))
	kept := filepath.Join(root, "kept.txt")
	require.NoError(t, os.WriteFile(kept, []byte("x"), 0644))

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-fw.Events():
			require.False(t, pathmatch.Within(ev.Path, data), "event for %s", ev.Path)
			if ev.Path == kept {
				return
			}
		case <-deadline:
			t.Fatal("no event for kept file")
		}
	}
}

func TestFileWatcher_NewDirectoryWalkDoesNotBlockDelivery(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	pool := workerpool.New(1, logger)
	t.Cleanup(func() { pool.Shutdown(time.Second) })

	release := make(chan struct{})
	pool.Go(func() { <-release })

	root := t.TempDir()
	fw := newTestWatcher(t, Config{Recursive: true, Pool: pool, Logger: logger})
	require.NoError(t, fw.AddRoot(root))
	fw.Start()

	// A populated tree moved in only reports the top directory.
	staging := filepath.Join(t.TempDir(), "tree")
	require.NoError(t, os.MkdirAll(filepath.Join(staging, "inner"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "inner", "deep.txt"), []byte("x"), 0644))
	moved := filepath.Join(root, "tree")
	require.NoError(t, os.Rename(staging, moved))
	waitForEvent(t, fw, model.EventCreated, moved)

	// The walk is parked behind the busy worker; delivery carries on.
	after := filepath.Join(root, "after.txt")
	require.NoError(t, os.WriteFile(after, []byte("x"), 0644))
	waitForEvent(t, fw, model.EventCreated, after)

	close(release)
	waitForEvent(t, fw, model.EventCreated, filepath.Join(moved, "inner", "deep.txt"))
}

func TestFileWatcher_StopClosesEvents(t *testing.T) {
	fw := newTestWatcher(t, Config{})
	require.NoError(t, fw.AddRoot(t.TempDir()))
	fw.Start()

	require.NoError(t, fw.Stop())
	require.NoError(t, fw.Stop())

	select {
	case _, ok := <-fw.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("events channel not closed")
	}
}

func TestFileWatcher_StopBeforeStart(t *testing.T) {
	fw := newTestWatcher(t, Config{})
	assert.NoError(t, fw.Stop())

	_, ok := <-fw.Events()
	assert.False(t, ok)
}

func TestFileWatcher_EnqueueDropsWhenFull(t *testing.T) {
	fw := newTestWatcher(t, Config{BufferSize: 1, EnqueueTimeout: 10 * time.Millisecond})

	fw.enqueue(model.PendingEvent{Type: model.EventCreated, Path: "/a"})
	start := time.Now()
	fw.enqueue(model.PendingEvent{Type: model.EventCreated, Path: "/b"})
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)

	ev := <-fw.Events()
	assert.Equal(t, "/a", ev.Path)
}
