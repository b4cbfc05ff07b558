package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aditya/fimwatch/pkg/model"
	"github.com/boltdb/bolt"
)

var (
	bucketRoots   = []byte("roots")
	bucketEntries = []byte("entries")
	bucketHistory = []byte("history")
	bucketLogs    = []byte("logs")
	bucketBackups = []byte("backups")
)

// BoltStore persists records in an embedded bolt database. Entries and
// history are kept in one nested bucket per root so a root can be dropped in
// a single transaction.
type BoltStore struct {
	db   *bolt.DB
	path string
}

// OpenBolt opens (creating if needed) the bolt database at path.
func OpenBolt(path string) (*BoltStore, error) {
	if path == "" {
		return nil, fmt.Errorf("bolt store path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if errors.Is(err, bolt.ErrTimeout) {
		return nil, fmt.Errorf("bolt store %s is locked by another process: %w", path, err)
	}
	if err != nil {
		return nil, fmt.Errorf("opening bolt store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketRoots, bucketEntries, bucketHistory, bucketLogs, bucketBackups} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, path: path}, nil
}

// Path returns the database file location.
func (s *BoltStore) Path() string {
	return s.path
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return b.Put(key, data)
}

func (s *BoltStore) UpsertEntry(e model.Entry) (string, error) {
	current, trail, retire := split(e)

	root, rel := target(current, trail)

	err := s.db.Update(func(tx *bolt.Tx) error {
		entries, err := tx.Bucket(bucketEntries).CreateBucketIfNotExists([]byte(root))
		if err != nil {
			return err
		}

		if trail != nil {
			history, err := tx.Bucket(bucketHistory).CreateBucketIfNotExists([]byte(root))
			if err != nil {
				return err
			}
			seq, err := history.NextSequence()
			if err != nil {
				return err
			}
			if err := putJSON(history, itob(seq), trail); err != nil {
				return err
			}
		}
		if retire {
			if err := entries.Delete([]byte(rel)); err != nil {
				return err
			}
		}
		if current != nil {
			return putJSON(entries, []byte(rel), current)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("upserting entry %s: %w", rel, err)
	}
	return EntryKey(root, rel), nil
}

func (s *BoltStore) GetEntry(root, relPath string) (model.Entry, error) {
	root = NormalizeRoot(root)
	relPath = filepath.ToSlash(relPath)

	var e model.Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketEntries).Bucket([]byte(root))
		if entries == nil {
			return model.ErrNotFound
		}
		data := entries.Get([]byte(relPath))
		if data == nil {
			return model.ErrNotFound
		}
		return json.Unmarshal(data, &e)
	})
	if err != nil {
		return model.Entry{}, fmt.Errorf("entry %s in %s: %w", relPath, root, err)
	}
	return e, nil
}

func (s *BoltStore) GetCurrentBaseline(root string) (map[string]model.BaselineItem, error) {
	root = NormalizeRoot(root)
	out := make(map[string]model.BaselineItem)

	err := s.db.View(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketEntries).Bucket([]byte(root))
		if entries == nil {
			return nil
		}
		return entries.ForEach(func(k, v []byte) error {
			var e model.Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decoding entry %s: %w", k, err)
			}
			out[string(k)] = toBaselineItem(e)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading baseline for %s: %w", root, err)
	}
	return out, nil
}

func (s *BoltStore) History(root, relPath string) ([]model.Entry, error) {
	root = NormalizeRoot(root)
	relPath = filepath.ToSlash(relPath)

	var out []model.Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		history := tx.Bucket(bucketHistory).Bucket([]byte(root))
		if history == nil {
			return nil
		}
		return history.ForEach(func(_, v []byte) error {
			var e model.Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if relPath == "" || e.RelPath == relPath {
				out = append(out, e)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading history for %s: %w", root, err)
	}
	return out, nil
}

func (s *BoltStore) DeleteRootRecords(root string) error {
	root = NormalizeRoot(root)
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketHistory} {
			parent := tx.Bucket(name)
			if parent.Bucket([]byte(root)) == nil {
				continue
			}
			if err := parent.DeleteBucket([]byte(root)); err != nil {
				return fmt.Errorf("deleting %s records for %s: %w", name, root, err)
			}
		}
		return nil
	})
}

func (s *BoltStore) UpsertRoot(r model.MonitoredRoot) error {
	r.Path = NormalizeRoot(r.Path)
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketRoots), []byte(r.Path), r)
	})
}

func (s *BoltStore) GetRoot(path string) (model.MonitoredRoot, error) {
	path = NormalizeRoot(path)

	var r model.MonitoredRoot
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRoots).Get([]byte(path))
		if data == nil {
			return model.ErrNotFound
		}
		return json.Unmarshal(data, &r)
	})
	if err != nil {
		return model.MonitoredRoot{}, fmt.Errorf("root %s: %w", path, err)
	}
	return r, nil
}

func (s *BoltStore) SetRootActive(path string, active bool) error {
	path = NormalizeRoot(path)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoots)
		data := b.Get([]byte(path))
		if data == nil {
			return fmt.Errorf("root %s: %w", path, model.ErrNotFound)
		}
		var r model.MonitoredRoot
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		r.Active = active
		return putJSON(b, []byte(path), r)
	})
}

func (s *BoltStore) ListMonitoredRoots() ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRoots).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListRoots() ([]model.MonitoredRoot, error) {
	var out []model.MonitoredRoot
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRoots).ForEach(func(_, v []byte) error {
			var r model.MonitoredRoot
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) AppendLog(e model.LogEntry) error {
	if e.Root != "" {
		e.Root = NormalizeRoot(e.Root)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLogs)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		e.ID = seq
		return putJSON(b, itob(seq), e)
	})
}

func (s *BoltStore) RecentLogs(root string, limit int) ([]model.LogEntry, error) {
	if root != "" {
		root = NormalizeRoot(root)
	}

	var out []model.LogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLogs).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var e model.LogEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if root == "" || e.Root == root {
				out = append(out, e)
			}
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) SaveBackup(r model.BackupRecord) error {
	r.SourceRoot = NormalizeRoot(r.SourceRoot)
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketBackups), []byte(r.ID), r)
	})
}

func (s *BoltStore) GetBackup(id string) (model.BackupRecord, error) {
	var r model.BackupRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBackups).Get([]byte(id))
		if data == nil {
			return model.ErrNotFound
		}
		return json.Unmarshal(data, &r)
	})
	if err != nil {
		return model.BackupRecord{}, fmt.Errorf("backup %s: %w", id, err)
	}
	return r, nil
}

func (s *BoltStore) ListBackups(root string) ([]model.BackupRecord, error) {
	if root != "" {
		root = NormalizeRoot(root)
	}

	var out []model.BackupRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBackups).ForEach(func(_, v []byte) error {
			var r model.BackupRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if root == "" || r.SourceRoot == root {
				out = append(out, r)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortBackups(out)
	return out, nil
}

func (s *BoltStore) DeleteBackup(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBackups)
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("backup %s: %w", id, model.ErrNotFound)
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
