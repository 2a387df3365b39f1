package storage

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteTier is a SQLite-backed storage tier. It backs the durable tier of
// the engine: values written here survive process restarts.
type SQLiteTier struct {
	db    *sql.DB
	quota int64 // 0 = unlimited
}

// NewSQLiteTier opens (creating if needed) a SQLite-backed tier at path with
// the given byte quota (0 = unlimited).
func NewSQLiteTier(path string, quota int64) (*SQLiteTier, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	s := &SQLiteTier{db: db, quota: quota}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// init creates the key-value table.
func (s *SQLiteTier) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL
		);
	`)
	return err
}

// Read returns the value for key.
func (s *SQLiteTier) Read(key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Write stores value under key. The quota is checked against the stored byte
// total before the row is touched, so a rejected write changes nothing.
func (s *SQLiteTier) Write(key string, value []byte) error {
	if s.quota > 0 {
		var used int64
		var current int64
		if err := s.db.QueryRow("SELECT COALESCE(SUM(LENGTH(value)), 0) FROM kv").Scan(&used); err != nil {
			return err
		}
		s.db.QueryRow("SELECT LENGTH(value) FROM kv WHERE key = ?", key).Scan(&current)
		if used-current+int64(len(value)) > s.quota {
			return quotaError(key, int64(len(value)), s.quota)
		}
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO kv (key, value) VALUES (?, ?)
	`, key, value)
	return err
}

// Delete removes key. Absent keys are ignored.
func (s *SQLiteTier) Delete(key string) error {
	_, err := s.db.Exec("DELETE FROM kv WHERE key = ?", key)
	return err
}

// Keys returns all keys with the given prefix, sorted.
func (s *SQLiteTier) Keys(prefix string) ([]string, error) {
	rows, err := s.db.Query(
		"SELECT key FROM kv WHERE key LIKE ? || '%' ORDER BY key", prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteTier) Close() error {
	return s.db.Close()
}
