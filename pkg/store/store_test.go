package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/aditya/fimwatch/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type factory struct {
	name string
	open func(t *testing.T) Store
}

func factories() []factory {
	return []factory{
		{"memory", func(t *testing.T) Store { return NewMemoryStore() }},
		{"bolt", func(t *testing.T) Store {
			s, err := OpenBolt(filepath.Join(t.TempDir(), "fim.db"))
			require.NoError(t, err)
			return s
		}},
		{"sqlite", func(t *testing.T) Store {
			s, err := OpenSQL(filepath.Join(t.TempDir(), "fim.sqlite"))
			require.NoError(t, err)
			return s
		}},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			s := f.open(t)
			defer s.Close()
			fn(t, s)
		})
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default driver", Config{Path: filepath.Join(dir, "a.db")}, false},
		{"bolt", Config{Driver: "bolt", Path: filepath.Join(dir, "b.db")}, false},
		{"sqlite", Config{Driver: "sqlite", Path: filepath.Join(dir, "c.sqlite")}, false},
		{"memory", Config{Driver: "memory"}, false},
		{"unknown", Config{Driver: "postgres"}, true},
		{"bolt without path", Config{Driver: "bolt"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, s.Close())
		})
	}
}

func TestUpsertEntry_CurrentReplaces(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		root := t.TempDir()

		_, err := s.UpsertEntry(model.Entry{Root: root, RelPath: "a.txt", Kind: model.KindFile, Digest: "d1", Status: model.StatusCurrent})
		require.NoError(t, err)
		key, err := s.UpsertEntry(model.Entry{Root: root, RelPath: "a.txt", Kind: model.KindFile, Digest: "d2", Size: 4})
		require.NoError(t, err)
		assert.Equal(t, EntryKey(NormalizeRoot(root), "a.txt"), key)

		e, err := s.GetEntry(root, "a.txt")
		require.NoError(t, err)
		assert.Equal(t, "d2", e.Digest)
		assert.Equal(t, int64(4), e.Size)
		assert.Equal(t, model.StatusCurrent, e.Status)

		baseline, err := s.GetCurrentBaseline(root)
		require.NoError(t, err)
		assert.Len(t, baseline, 1)

		history, err := s.History(root, "a.txt")
		require.NoError(t, err)
		assert.Empty(t, history)
	})
}

func TestUpsertEntry_ChangeTrail(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		root := t.TempDir()

		_, err := s.UpsertEntry(model.Entry{Root: root, RelPath: "sub/b.txt", Kind: model.KindFile, Digest: "d1", Status: model.StatusAdded})
		require.NoError(t, err)
		_, err = s.UpsertEntry(model.Entry{Root: root, RelPath: "sub/b.txt", Kind: model.KindFile, Digest: "d2", PreviousDigest: "d1", Status: model.StatusModified})
		require.NoError(t, err)

		e, err := s.GetEntry(root, "sub/b.txt")
		require.NoError(t, err)
		assert.Equal(t, "d2", e.Digest)
		assert.Equal(t, model.StatusCurrent, e.Status)
		assert.Empty(t, e.PreviousDigest)

		_, err = s.UpsertEntry(model.Entry{Root: root, RelPath: "sub/b.txt", Kind: model.KindFile, Digest: "d2", Status: model.StatusDeleted})
		require.NoError(t, err)

		_, err = s.GetEntry(root, "sub/b.txt")
		assert.ErrorIs(t, err, model.ErrNotFound)

		history, err := s.History(root, "sub/b.txt")
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.Equal(t, model.StatusAdded, history[0].Status)
		assert.Equal(t, model.StatusModified, history[1].Status)
		assert.Equal(t, "d1", history[1].PreviousDigest)
		assert.Equal(t, model.StatusDeleted, history[2].Status)

		all, err := s.History(root, "")
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})
}

func TestGetEntry_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.GetEntry(t.TempDir(), "missing")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestDeleteRootRecords(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		rootA := t.TempDir()
		rootB := t.TempDir()

		for _, root := range []string{rootA, rootB} {
			_, err := s.UpsertEntry(model.Entry{Root: root, RelPath: "f", Kind: model.KindFile, Digest: "x", Status: model.StatusAdded})
			require.NoError(t, err)
		}

		require.NoError(t, s.DeleteRootRecords(rootA))
		require.NoError(t, s.DeleteRootRecords(rootA))

		baseline, err := s.GetCurrentBaseline(rootA)
		require.NoError(t, err)
		assert.Empty(t, baseline)
		history, err := s.History(rootA, "")
		require.NoError(t, err)
		assert.Empty(t, history)

		baseline, err = s.GetCurrentBaseline(rootB)
		require.NoError(t, err)
		assert.Len(t, baseline, 1)
	})
}

func TestRoots(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		root := t.TempDir()
		scanned := time.Now().Truncate(time.Second)

		require.NoError(t, s.UpsertRoot(model.MonitoredRoot{Path: root, Recursive: true, ScanInterval: time.Minute, Active: true, LastScan: scanned}))

		r, err := s.GetRoot(root)
		require.NoError(t, err)
		assert.True(t, r.Active)
		assert.True(t, r.Recursive)
		assert.Equal(t, time.Minute, r.ScanInterval)
		assert.True(t, scanned.Equal(r.LastScan))

		require.NoError(t, s.SetRootActive(root, false))
		r, err = s.GetRoot(root)
		require.NoError(t, err)
		assert.False(t, r.Active)

		paths, err := s.ListMonitoredRoots()
		require.NoError(t, err)
		assert.Equal(t, []string{NormalizeRoot(root)}, paths)

		assert.ErrorIs(t, s.SetRootActive(filepath.Join(root, "nope"), true), model.ErrNotFound)
		_, err = s.GetRoot(filepath.Join(root, "nope"))
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestLogs(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		rootA := t.TempDir()
		rootB := t.TempDir()

		for i, root := range []string{rootA, rootB, rootA} {
			require.NoError(t, s.AppendLog(model.LogEntry{
				Category:  model.LogScan,
				Level:     model.LevelInfo,
				Message:   "entry",
				Root:      root,
				Details:   map[string]any{"n": float64(i)},
				Timestamp: time.Now(),
			}))
		}

		all, err := s.RecentLogs("", 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Greater(t, all[0].ID, all[1].ID)
		assert.Equal(t, float64(2), all[0].Details["n"])

		onlyA, err := s.RecentLogs(rootA, 10)
		require.NoError(t, err)
		assert.Len(t, onlyA, 2)

		limited, err := s.RecentLogs("", 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})
}

func TestBackups(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		root := t.TempDir()
		now := time.Now()

		older := model.BackupRecord{ID: "b1", SourceRoot: root, Status: model.BackupSuccess, CompletedAt: now.Add(-time.Hour), New: []string{"a"}}
		newer := model.BackupRecord{ID: "b2", SourceRoot: root, Status: model.BackupSuccess, CompletedAt: now}
		require.NoError(t, s.SaveBackup(older))
		require.NoError(t, s.SaveBackup(newer))
		require.NoError(t, s.SaveBackup(model.BackupRecord{ID: "other", SourceRoot: t.TempDir(), CompletedAt: now}))

		list, err := s.ListBackups(root)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "b2", list[0].ID)
		assert.Equal(t, "b1", list[1].ID)

		all, err := s.ListBackups("")
		require.NoError(t, err)
		assert.Len(t, all, 3)

		got, err := s.GetBackup("b1")
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, got.New)

		got.Restored = true
		got.RestoreCount++
		require.NoError(t, s.SaveBackup(got))
		got, err = s.GetBackup("b1")
		require.NoError(t, err)
		assert.True(t, got.Restored)
		assert.Equal(t, 1, got.RestoreCount)

		require.NoError(t, s.DeleteBackup("b1"))
		_, err = s.GetBackup("b1")
		assert.ErrorIs(t, err, model.ErrNotFound)
		assert.ErrorIs(t, s.DeleteBackup("b1"), model.ErrNotFound)
	})
}

func TestBoltStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fim.db")
	root := t.TempDir()

	s, err := OpenBolt(path)
	require.NoError(t, err)
	_, err = s.UpsertEntry(model.Entry{Root: root, RelPath: "keep", Kind: model.KindFile, Digest: "d"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenBolt(path)
	require.NoError(t, err)
	defer s.Close()

	e, err := s.GetEntry(root, "keep")
	require.NoError(t, err)
	assert.Equal(t, "d", e.Digest)
	assert.Equal(t, path, s.Path())
}

func TestNormalizeRoot(t *testing.T) {
	abs, err := filepath.Abs("x")
	require.NoError(t, err)
	assert.Equal(t, abs, NormalizeRoot("x/"))
	assert.Equal(t, abs, NormalizeRoot("./x/../x"))
}
