// Package server implements the reference sync server: the canonical,
// server-side home of panel states, filter presets, and layouts. It backs
// cmd/persistd and serves as the fixture the client-side facades are tested
// against.
package server

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/parcelview/persist/internal/record"
)

// Store holds canonical records in SQLite. Versions are server-assigned:
// every save bumps past both the stored copy and whatever version the client
// claimed, so returned baselines always dominate.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the canonical record database.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			kind TEXT NOT NULL,
			id TEXT NOT NULL,
			version INTEGER NOT NULL,
			updated_at TEXT NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (kind, id)
		);
	`)
	return err
}

// Get retrieves one canonical record.
func (s *Store) Get(kind record.Kind, id string) (*record.Record, bool, error) {
	var version int
	var updatedAt string
	var payload []byte

	err := s.db.QueryRow(`
		SELECT version, updated_at, payload FROM records WHERE kind = ? AND id = ?
	`, string(kind), id).Scan(&version, &updatedAt, &payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	ts, _ := time.Parse(time.RFC3339Nano, updatedAt)
	return &record.Record{
		ID:        id,
		Kind:      kind,
		Version:   version,
		UpdatedAt: ts,
		Payload:   payload,
	}, true, nil
}

// List returns all canonical records of a kind.
func (s *Store) List(kind record.Kind) ([]*record.Record, error) {
	rows, err := s.db.Query(`
		SELECT id, version, updated_at, payload FROM records WHERE kind = ? ORDER BY id
	`, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*record.Record
	for rows.Next() {
		var id, updatedAt string
		var version int
		var payload []byte
		if err := rows.Scan(&id, &version, &updatedAt, &payload); err != nil {
			return nil, err
		}
		ts, _ := time.Parse(time.RFC3339Nano, updatedAt)
		records = append(records, &record.Record{
			ID:        id,
			Kind:      kind,
			Version:   version,
			UpdatedAt: ts,
			Payload:   payload,
		})
	}
	return records, rows.Err()
}

// Save writes a record and returns the canonical copy with its new version.
func (s *Store) Save(rec *record.Record) (*record.Record, error) {
	stored, ok, err := s.Get(rec.Kind, rec.ID)
	if err != nil {
		return nil, err
	}

	version := rec.Version
	if ok && stored.Version > version {
		version = stored.Version
	}
	version++

	canonical := rec.Clone()
	canonical.Version = version
	canonical.UpdatedAt = time.Now()

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO records (kind, id, version, updated_at, payload)
		VALUES (?, ?, ?, ?, ?)
	`, string(canonical.Kind), canonical.ID, canonical.Version,
		canonical.UpdatedAt.Format(time.RFC3339Nano), []byte(canonical.Payload))
	if err != nil {
		return nil, err
	}
	return canonical, nil
}

// Delete removes a record, reporting whether it existed.
func (s *Store) Delete(kind record.Kind, id string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM records WHERE kind = ? AND id = ?`, string(kind), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Clear drops all records of the given kinds.
func (s *Store) Clear(kinds ...record.Kind) error {
	for _, kind := range kinds {
		if _, err := s.db.Exec(`DELETE FROM records WHERE kind = ?`, string(kind)); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
