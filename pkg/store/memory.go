package store

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/aditya/fimwatch/pkg/model"
)

// MemoryStore keeps everything in process memory. It is used for ephemeral
// sessions and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]map[string]model.Entry
	history map[string][]model.Entry
	roots   map[string]model.MonitoredRoot
	logs    []model.LogEntry
	backups map[string]model.BackupRecord
	nextLog uint64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]map[string]model.Entry),
		history: make(map[string][]model.Entry),
		roots:   make(map[string]model.MonitoredRoot),
		backups: make(map[string]model.BackupRecord),
	}
}

func (m *MemoryStore) UpsertEntry(e model.Entry) (string, error) {
	current, trail, retire := split(e)

	m.mu.Lock()
	defer m.mu.Unlock()

	root, rel := target(current, trail)

	if trail != nil {
		m.history[root] = append(m.history[root], *trail)
	}
	if retire {
		delete(m.entries[root], rel)
	}
	if current != nil {
		if m.entries[root] == nil {
			m.entries[root] = make(map[string]model.Entry)
		}
		m.entries[root][rel] = *current
	}
	return EntryKey(root, rel), nil
}

func (m *MemoryStore) GetEntry(root, relPath string) (model.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[NormalizeRoot(root)][filepath.ToSlash(relPath)]
	if !ok {
		return model.Entry{}, fmt.Errorf("entry %s in %s: %w", relPath, root, model.ErrNotFound)
	}
	return e, nil
}

func (m *MemoryStore) GetCurrentBaseline(root string) (map[string]model.BaselineItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.entries[NormalizeRoot(root)]
	out := make(map[string]model.BaselineItem, len(entries))
	for rel, e := range entries {
		out[rel] = toBaselineItem(e)
	}
	return out, nil
}

func (m *MemoryStore) History(root, relPath string) ([]model.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	relPath = filepath.ToSlash(relPath)
	var out []model.Entry
	for _, e := range m.history[NormalizeRoot(root)] {
		if relPath == "" || e.RelPath == relPath {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteRootRecords(root string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	root = NormalizeRoot(root)
	delete(m.entries, root)
	delete(m.history, root)
	return nil
}

func (m *MemoryStore) UpsertRoot(r model.MonitoredRoot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r.Path = NormalizeRoot(r.Path)
	m.roots[r.Path] = r
	return nil
}

func (m *MemoryStore) GetRoot(path string) (model.MonitoredRoot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.roots[NormalizeRoot(path)]
	if !ok {
		return model.MonitoredRoot{}, fmt.Errorf("root %s: %w", path, model.ErrNotFound)
	}
	return r, nil
}

func (m *MemoryStore) SetRootActive(path string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path = NormalizeRoot(path)
	r, ok := m.roots[path]
	if !ok {
		return fmt.Errorf("root %s: %w", path, model.ErrNotFound)
	}
	r.Active = active
	m.roots[path] = r
	return nil
}

func (m *MemoryStore) ListMonitoredRoots() ([]string, error) {
	roots, _ := m.ListRoots()
	out := make([]string, 0, len(roots))
	for _, r := range roots {
		out = append(out, r.Path)
	}
	return out, nil
}

func (m *MemoryStore) ListRoots() ([]model.MonitoredRoot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.MonitoredRoot, 0, len(m.roots))
	for _, r := range m.roots {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *MemoryStore) AppendLog(e model.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextLog++
	e.ID = m.nextLog
	if e.Root != "" {
		e.Root = NormalizeRoot(e.Root)
	}
	m.logs = append(m.logs, e)
	return nil
}

func (m *MemoryStore) RecentLogs(root string, limit int) ([]model.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if root != "" {
		root = NormalizeRoot(root)
	}
	var out []model.LogEntry
	for i := len(m.logs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if root == "" || m.logs[i].Root == root {
			out = append(out, m.logs[i])
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveBackup(r model.BackupRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r.SourceRoot = NormalizeRoot(r.SourceRoot)
	m.backups[r.ID] = r
	return nil
}

func (m *MemoryStore) GetBackup(id string) (model.BackupRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.backups[id]
	if !ok {
		return model.BackupRecord{}, fmt.Errorf("backup %s: %w", id, model.ErrNotFound)
	}
	return r, nil
}

func (m *MemoryStore) ListBackups(root string) ([]model.BackupRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if root != "" {
		root = NormalizeRoot(root)
	}
	var out []model.BackupRecord
	for _, r := range m.backups {
		if root == "" || r.SourceRoot == root {
			out = append(out, r)
		}
	}
	sortBackups(out)
	return out, nil
}

func (m *MemoryStore) DeleteBackup(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.backups[id]; !ok {
		return fmt.Errorf("backup %s: %w", id, model.ErrNotFound)
	}
	delete(m.backups, id)
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func sortBackups(records []model.BackupRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CompletedAt.After(records[j].CompletedAt)
	})
}
