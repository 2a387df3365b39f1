// Package backup implements the rotating snapshot log that makes local
// mutations recoverable. Each tier carries one log, shared across all record
// kinds, stored under a single reserved key. The log is bounded: a burst of
// saves evicts the oldest snapshots regardless of which kind produced them.
package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/parcelview/persist/internal/record"
	"github.com/parcelview/persist/internal/storage"
)

// ReservedKey is the per-tier key holding the snapshot log. Record keys all
// contain a "<kind>_" prefix, so this name cannot collide.
const ReservedKey = "stateBackups"

// DefaultCapacity is the number of snapshots retained per tier.
const DefaultCapacity = 5

// ErrNotFound is returned by Restore for an index with no snapshot.
var ErrNotFound = errors.New("snapshot not found")

// Entry describes one snapshot in a tier's log.
type Entry struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Records   int       `json:"records"`
}

// snapshot is a point-in-time copy of every record in a tier, keyed by
// storage key with the stored envelope bytes kept verbatim.
type snapshot struct {
	Timestamp time.Time                  `json:"timestamp"`
	Records   map[string]json.RawMessage `json:"records"`
}

// Manager captures, lists, and restores snapshots. The log is ordered
// newest-first: index 0 is the most recent snapshot and eviction truncates
// the tail.
type Manager struct {
	capacity  int
	now       func() time.Time
	verbosity int
}

// NewManager creates a snapshot manager. capacity <= 0 selects
// DefaultCapacity.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Manager{capacity: capacity, now: time.Now}
}

// SetVerbosity sets the verbosity level for snapshot logging.
func (m *Manager) SetVerbosity(level int) {
	m.verbosity = level
}

// Capture copies every record currently in the tier into a new snapshot and
// pushes it onto the tier's log, evicting the oldest snapshot past capacity.
func (m *Manager) Capture(tier storage.Tier) error {
	keys, err := tier.Keys("")
	if err != nil {
		return fmt.Errorf("capture: enumerate keys: %w", err)
	}

	snap := snapshot{
		Timestamp: m.now(),
		Records:   make(map[string]json.RawMessage),
	}
	for _, key := range keys {
		if _, _, ok := record.ParseKey(key); !ok {
			continue // reserved or foreign key
		}
		data, found, err := tier.Read(key)
		if err != nil || !found {
			continue
		}
		snap.Records[key] = json.RawMessage(data)
	}

	snaps, err := m.load(tier)
	if err != nil {
		return err
	}

	snaps = append([]snapshot{snap}, snaps...)
	if len(snaps) > m.capacity {
		snaps = snaps[:m.capacity]
	}

	if err := m.save(tier, snaps); err != nil {
		return err
	}
	if m.verbosity >= 2 {
		log.Printf("[v2] snapshot captured: %d records, log depth %d", len(snap.Records), len(snaps))
	}
	return nil
}

// List returns the tier's snapshots, newest first.
func (m *Manager) List(tier storage.Tier) ([]Entry, error) {
	snaps, err := m.load(tier)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, len(snaps))
	for i, s := range snaps {
		entries[i] = Entry{Index: i, Timestamp: s.Timestamp, Records: len(s.Records)}
	}
	return entries, nil
}

// Restore writes every record of the snapshot at index back into the tier
// verbatim, original version numbers included: a restore is a rollback, not
// a forward edit. The current state is captured first so the restore itself
// is undoable.
func (m *Manager) Restore(tier storage.Tier, index int) error {
	snaps, err := m.load(tier)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(snaps) {
		return fmt.Errorf("restore index %d: %w", index, ErrNotFound)
	}
	target := snaps[index]

	if err := m.Capture(tier); err != nil {
		return fmt.Errorf("restore: pre-restore capture: %w", err)
	}

	for key, data := range target.Records {
		if err := tier.Write(key, data); err != nil {
			return fmt.Errorf("restore %s: %w", key, err)
		}
	}
	if m.verbosity >= 1 {
		log.Printf("[v1] snapshot restored: index=%d records=%d", index, len(target.Records))
	}
	return nil
}

// load reads a tier's snapshot log. A missing or unreadable log is treated
// as empty.
func (m *Manager) load(tier storage.Tier) ([]snapshot, error) {
	data, ok, err := tier.Read(ReservedKey)
	if err != nil || !ok {
		return nil, nil
	}
	var snaps []snapshot
	if err := json.Unmarshal(data, &snaps); err != nil {
		if m.verbosity >= 1 {
			log.Printf("[v1] discarding corrupt snapshot log: %v", err)
		}
		return nil, nil
	}
	return snaps, nil
}

// save writes a tier's snapshot log.
func (m *Manager) save(tier storage.Tier, snaps []snapshot) error {
	data, err := json.Marshal(snaps)
	if err != nil {
		return fmt.Errorf("encode snapshot log: %v: %w", err, storage.ErrSerialization)
	}
	return tier.Write(ReservedKey, data)
}
