package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aditya/fimwatch/pkg/model"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS roots (
	path          TEXT PRIMARY KEY,
	recursive     INTEGER NOT NULL DEFAULT 1,
	scan_interval INTEGER NOT NULL DEFAULT 0,
	active        INTEGER NOT NULL DEFAULT 1,
	last_scan     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS entries (
	root        TEXT NOT NULL,
	rel_path    TEXT NOT NULL,
	kind        TEXT NOT NULL,
	digest      TEXT NOT NULL,
	size        INTEGER NOT NULL DEFAULT 0,
	modified_at INTEGER NOT NULL DEFAULT 0,
	detected_at INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (root, rel_path)
);

CREATE TABLE IF NOT EXISTS history (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	root            TEXT NOT NULL,
	rel_path        TEXT NOT NULL,
	kind            TEXT NOT NULL,
	digest          TEXT NOT NULL,
	previous_digest TEXT NOT NULL DEFAULT '',
	size            INTEGER NOT NULL DEFAULT 0,
	modified_at     INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL,
	detected_at     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_history_path ON history(root, rel_path);

CREATE TABLE IF NOT EXISTS logs (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	category  TEXT NOT NULL,
	level     TEXT NOT NULL,
	message   TEXT NOT NULL,
	root      TEXT NOT NULL DEFAULT '',
	username  TEXT NOT NULL DEFAULT '',
	details   TEXT NOT NULL DEFAULT '',
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_logs_root ON logs(root);

CREATE TABLE IF NOT EXISTS backups (
	id           TEXT PRIMARY KEY,
	source_root  TEXT NOT NULL,
	completed_at INTEGER NOT NULL,
	record       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_backups_root ON backups(source_root);
`

// SQLStore persists records in an embedded SQLite database.
type SQLStore struct {
	db   *sql.DB
	path string
}

// OpenSQL opens (creating if needed) the SQLite database at path and
// applies the schema.
func OpenSQL(path string) (*SQLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite store path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging sqlite store: %w", err)
	}

	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqlSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &SQLStore{db: db, path: path}, nil
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLStore) UpsertEntry(e model.Entry) (string, error) {
	current, trail, retire := split(e)
	root, rel := target(current, trail)

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if trail != nil {
		_, err := tx.Exec(`INSERT INTO history
			(root, rel_path, kind, digest, previous_digest, size, modified_at, status, detected_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			trail.Root, trail.RelPath, string(trail.Kind), trail.Digest, trail.PreviousDigest,
			trail.Size, toUnix(trail.ModifiedAt), string(trail.Status), toUnix(trail.DetectedAt))
		if err != nil {
			return "", fmt.Errorf("appending history for %s: %w", rel, err)
		}
	}
	if retire {
		if _, err := tx.Exec(`DELETE FROM entries WHERE root = ? AND rel_path = ?`, root, rel); err != nil {
			return "", fmt.Errorf("retiring entry %s: %w", rel, err)
		}
	}
	if current != nil {
		_, err := tx.Exec(`INSERT INTO entries (root, rel_path, kind, digest, size, modified_at, detected_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(root, rel_path) DO UPDATE SET
				kind = excluded.kind,
				digest = excluded.digest,
				size = excluded.size,
				modified_at = excluded.modified_at,
				detected_at = excluded.detected_at`,
			current.Root, current.RelPath, string(current.Kind), current.Digest,
			current.Size, toUnix(current.ModifiedAt), toUnix(current.DetectedAt))
		if err != nil {
			return "", fmt.Errorf("upserting entry %s: %w", rel, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing entry %s: %w", rel, err)
	}
	return EntryKey(root, rel), nil
}

func (s *SQLStore) GetEntry(root, relPath string) (model.Entry, error) {
	root = NormalizeRoot(root)
	relPath = filepath.ToSlash(relPath)

	var (
		e                  model.Entry
		kind               string
		modified, detected int64
	)
	err := s.db.QueryRow(`SELECT kind, digest, size, modified_at, detected_at
		FROM entries WHERE root = ? AND rel_path = ?`, root, relPath).
		Scan(&kind, &e.Digest, &e.Size, &modified, &detected)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Entry{}, fmt.Errorf("entry %s in %s: %w", relPath, root, model.ErrNotFound)
	}
	if err != nil {
		return model.Entry{}, fmt.Errorf("reading entry %s: %w", relPath, err)
	}

	e.Root = root
	e.RelPath = relPath
	e.Kind = model.Kind(kind)
	e.Status = model.StatusCurrent
	e.ModifiedAt = fromUnix(modified)
	e.DetectedAt = fromUnix(detected)
	return e, nil
}

func (s *SQLStore) GetCurrentBaseline(root string) (map[string]model.BaselineItem, error) {
	root = NormalizeRoot(root)

	rows, err := s.db.Query(`SELECT rel_path, kind, digest, size, modified_at FROM entries WHERE root = ?`, root)
	if err != nil {
		return nil, fmt.Errorf("reading baseline for %s: %w", root, err)
	}
	defer rows.Close()

	out := make(map[string]model.BaselineItem)
	for rows.Next() {
		var (
			rel, kind string
			item      model.BaselineItem
			modified  int64
		)
		if err := rows.Scan(&rel, &kind, &item.Digest, &item.Size, &modified); err != nil {
			return nil, err
		}
		item.Kind = model.Kind(kind)
		item.ModifiedAt = fromUnix(modified)
		out[rel] = item
	}
	return out, rows.Err()
}

func (s *SQLStore) History(root, relPath string) ([]model.Entry, error) {
	root = NormalizeRoot(root)
	relPath = filepath.ToSlash(relPath)

	rows, err := s.db.Query(`SELECT rel_path, kind, digest, previous_digest, size, modified_at, status, detected_at
		FROM history WHERE root = ? AND (? = '' OR rel_path = ?) ORDER BY id`, root, relPath, relPath)
	if err != nil {
		return nil, fmt.Errorf("reading history for %s: %w", root, err)
	}
	defer rows.Close()

	var out []model.Entry
	for rows.Next() {
		var (
			e                  model.Entry
			kind, status       string
			modified, detected int64
		)
		if err := rows.Scan(&e.RelPath, &kind, &e.Digest, &e.PreviousDigest, &e.Size, &modified, &status, &detected); err != nil {
			return nil, err
		}
		e.Root = root
		e.Kind = model.Kind(kind)
		e.Status = model.Status(status)
		e.ModifiedAt = fromUnix(modified)
		e.DetectedAt = fromUnix(detected)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteRootRecords(root string) error {
	root = NormalizeRoot(root)

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM entries WHERE root = ?`, root); err != nil {
		return fmt.Errorf("deleting entries for %s: %w", root, err)
	}
	if _, err := tx.Exec(`DELETE FROM history WHERE root = ?`, root); err != nil {
		return fmt.Errorf("deleting history for %s: %w", root, err)
	}
	return tx.Commit()
}

func (s *SQLStore) UpsertRoot(r model.MonitoredRoot) error {
	r.Path = NormalizeRoot(r.Path)
	_, err := s.db.Exec(`INSERT INTO roots (path, recursive, scan_interval, active, last_scan)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			recursive = excluded.recursive,
			scan_interval = excluded.scan_interval,
			active = excluded.active,
			last_scan = excluded.last_scan`,
		r.Path, boolInt(r.Recursive), int64(r.ScanInterval), boolInt(r.Active), toUnix(r.LastScan))
	if err != nil {
		return fmt.Errorf("upserting root %s: %w", r.Path, err)
	}
	return nil
}

func scanRoot(scan func(dest ...any) error) (model.MonitoredRoot, error) {
	var (
		r                 model.MonitoredRoot
		recursive, active int
		interval, last    int64
	)
	if err := scan(&r.Path, &recursive, &interval, &active, &last); err != nil {
		return model.MonitoredRoot{}, err
	}
	r.Recursive = recursive == 1
	r.Active = active == 1
	r.ScanInterval = time.Duration(interval)
	r.LastScan = fromUnix(last)
	return r, nil
}

func (s *SQLStore) GetRoot(path string) (model.MonitoredRoot, error) {
	path = NormalizeRoot(path)
	row := s.db.QueryRow(`SELECT path, recursive, scan_interval, active, last_scan FROM roots WHERE path = ?`, path)
	r, err := scanRoot(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return model.MonitoredRoot{}, fmt.Errorf("root %s: %w", path, model.ErrNotFound)
	}
	return r, err
}

func (s *SQLStore) SetRootActive(path string, active bool) error {
	path = NormalizeRoot(path)
	res, err := s.db.Exec(`UPDATE roots SET active = ? WHERE path = ?`, boolInt(active), path)
	if err != nil {
		return fmt.Errorf("updating root %s: %w", path, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("root %s: %w", path, model.ErrNotFound)
	}
	return nil
}

func (s *SQLStore) ListMonitoredRoots() ([]string, error) {
	roots, err := s.ListRoots()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(roots))
	for _, r := range roots {
		out = append(out, r.Path)
	}
	return out, nil
}

func (s *SQLStore) ListRoots() ([]model.MonitoredRoot, error) {
	rows, err := s.db.Query(`SELECT path, recursive, scan_interval, active, last_scan FROM roots ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("listing roots: %w", err)
	}
	defer rows.Close()

	var out []model.MonitoredRoot
	for rows.Next() {
		r, err := scanRoot(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) AppendLog(e model.LogEntry) error {
	if e.Root != "" {
		e.Root = NormalizeRoot(e.Root)
	}
	var details string
	if len(e.Details) > 0 {
		data, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("encoding log details: %w", err)
		}
		details = string(data)
	}

	_, err := s.db.Exec(`INSERT INTO logs (category, level, message, root, username, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(e.Category), string(e.Level), e.Message, e.Root, e.Username, details, toUnix(e.Timestamp))
	if err != nil {
		return fmt.Errorf("appending log: %w", err)
	}
	return nil
}

func (s *SQLStore) RecentLogs(root string, limit int) ([]model.LogEntry, error) {
	if root != "" {
		root = NormalizeRoot(root)
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.Query(`SELECT id, category, level, message, root, username, details, timestamp
		FROM logs WHERE (? = '' OR root = ?) ORDER BY id DESC LIMIT ?`, root, root, limit)
	if err != nil {
		return nil, fmt.Errorf("reading logs: %w", err)
	}
	defer rows.Close()

	var out []model.LogEntry
	for rows.Next() {
		var (
			e                        model.LogEntry
			category, level, details string
			ts                       int64
		)
		if err := rows.Scan(&e.ID, &category, &level, &e.Message, &e.Root, &e.Username, &details, &ts); err != nil {
			return nil, err
		}
		e.Category = model.LogCategory(category)
		e.Level = model.LogLevel(level)
		e.Timestamp = fromUnix(ts)
		if details != "" {
			if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
				return nil, fmt.Errorf("decoding log details: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) SaveBackup(r model.BackupRecord) error {
	r.SourceRoot = NormalizeRoot(r.SourceRoot)
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding backup %s: %w", r.ID, err)
	}
	_, err = s.db.Exec(`INSERT INTO backups (id, source_root, completed_at, record) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_root = excluded.source_root,
			completed_at = excluded.completed_at,
			record = excluded.record`,
		r.ID, r.SourceRoot, toUnix(r.CompletedAt), string(data))
	if err != nil {
		return fmt.Errorf("saving backup %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQLStore) GetBackup(id string) (model.BackupRecord, error) {
	var data string
	err := s.db.QueryRow(`SELECT record FROM backups WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return model.BackupRecord{}, fmt.Errorf("backup %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.BackupRecord{}, fmt.Errorf("reading backup %s: %w", id, err)
	}

	var r model.BackupRecord
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return model.BackupRecord{}, fmt.Errorf("decoding backup %s: %w", id, err)
	}
	return r, nil
}

func (s *SQLStore) ListBackups(root string) ([]model.BackupRecord, error) {
	if root != "" {
		root = NormalizeRoot(root)
	}

	rows, err := s.db.Query(`SELECT record FROM backups WHERE (? = '' OR source_root = ?)
		ORDER BY completed_at DESC`, root, root)
	if err != nil {
		return nil, fmt.Errorf("listing backups: %w", err)
	}
	defer rows.Close()

	var out []model.BackupRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var r model.BackupRecord
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteBackup(id string) error {
	res, err := s.db.Exec(`DELETE FROM backups WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting backup %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("backup %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
