package record

import (
	"fmt"
	"log"
	"time"

	"github.com/parcelview/persist/internal/storage"
)

// now is stubbed in tests.
var now = time.Now

// Resolver reconciles two divergent copies of the same logical record.
type Resolver interface {
	// HasConflict reports whether remote supersedes local.
	HasConflict(local, remote *Record) bool

	// Merge produces a record whose version exceeds both inputs.
	Merge(local, remote *Record) *Record
}

// Validator checks a payload at write time. Malformed payloads are rejected
// at Put, not at some later read.
type Validator func(payload []byte) error

// PutResult describes the outcome of a successful write.
type PutResult struct {
	Record *Record

	// Degraded is true when the durable tier failed and the write landed in
	// the ephemeral tier instead.
	Degraded bool

	// Merged is true when a version conflict was detected and the written
	// record is the resolver's merge, not the caller's payload verbatim.
	Merged bool
}

// Store is the versioned record store. Reads prefer the durable tier and
// fall through to the ephemeral tier; writes go durable-first and degrade to
// ephemeral on quota or serialization failures.
type Store struct {
	durable    storage.Tier
	ephemeral  storage.Tier
	resolver   Resolver
	validators map[Kind]Validator
	verbosity  int
}

// NewStore creates a record store over the two tiers.
func NewStore(durable, ephemeral storage.Tier, resolver Resolver) *Store {
	return &Store{
		durable:    durable,
		ephemeral:  ephemeral,
		resolver:   resolver,
		validators: make(map[Kind]Validator),
	}
}

// SetVerbosity sets the verbosity level for store operation logging.
func (s *Store) SetVerbosity(level int) {
	s.verbosity = level
}

// RegisterValidator installs a payload validator for a kind.
func (s *Store) RegisterValidator(kind Kind, v Validator) {
	s.validators[kind] = v
}

// Get retrieves a record. When both tiers hold a copy the higher-versioned
// one wins, so reads stay coherent after a degraded write left the newer copy
// in the ephemeral tier. Ties favor the durable copy. A durable read failure
// is not absence: with nothing in the ephemeral tier to serve, the error is
// surfaced rather than letting a later write restart versioning over a
// durable copy it cannot see.
func (s *Store) Get(kind Kind, id string) (*Record, bool, error) {
	key := Key(kind, id)

	var durable *Record
	var derr error
	data, ok, err := s.durable.Read(key)
	if err != nil {
		derr = fmt.Errorf("durable read %s: %w", key, err)
		if s.verbosity >= 2 {
			log.Printf("[v2] durable read failed for %s: %v", key, err)
		}
	} else if ok {
		rec, decErr := Decode(kind, id, data)
		if decErr == nil {
			durable = rec
		} else if s.verbosity >= 2 {
			log.Printf("[v2] durable decode failed for %s: %v", key, decErr)
		}
	}

	data, ok, err = s.ephemeral.Read(key)
	if err != nil || !ok {
		if durable != nil {
			return durable, true, nil
		}
		if derr != nil {
			return nil, false, derr
		}
		return nil, false, err
	}
	shadow, err := Decode(kind, id, data)
	if err != nil {
		if durable != nil {
			return durable, true, nil
		}
		if derr != nil {
			return nil, false, derr
		}
		return nil, false, err
	}
	if durable != nil && durable.Version >= shadow.Version {
		return durable, true, nil
	}
	return shadow, true, nil
}

// All returns every record of a kind, one copy per id. Ids present in both
// tiers resolve the same way Get does: higher version wins, ties favor the
// durable copy.
func (s *Store) All(kind Kind) ([]*Record, error) {
	seen := make(map[string]*Record)
	order := []string{}

	for i, tier := range []storage.Tier{s.durable, s.ephemeral} {
		keys, err := tier.Keys(KeyPrefix(kind))
		if err != nil {
			if i == 0 {
				continue // degrade to ephemeral enumeration
			}
			return nil, err
		}
		for _, key := range keys {
			k, id, ok := ParseKey(key)
			if !ok || k != kind {
				continue
			}
			data, found, err := tier.Read(key)
			if err != nil || !found {
				continue
			}
			rec, err := Decode(kind, id, data)
			if err != nil {
				continue
			}
			if prev, dup := seen[id]; dup {
				if rec.Version > prev.Version {
					seen[id] = rec
				}
				continue
			}
			seen[id] = rec
			order = append(order, id)
		}
	}

	records := make([]*Record, 0, len(order))
	for _, id := range order {
		records = append(records, seen[id])
	}
	return records, nil
}

// Put writes a new version of a record. When expectedVersion is non-zero and
// the stored version is strictly greater, the write is routed through the
// conflict resolver instead of overwriting blindly.
func (s *Store) Put(kind Kind, id string, payload []byte, expectedVersion int) (*PutResult, error) {
	if err := s.validate(kind, payload); err != nil {
		return nil, err
	}

	stored, ok, err := s.Get(kind, id)
	if err != nil {
		return nil, err
	}

	if expectedVersion > 0 && ok && stored.Version > expectedVersion {
		local := &Record{
			ID:      id,
			Kind:    kind,
			Version: expectedVersion,
			Payload: payload,
		}
		merged := s.resolver.Merge(local, stored)
		merged, degraded, err := s.writeRecord(merged)
		if err != nil {
			return nil, err
		}
		if s.verbosity >= 2 {
			log.Printf("[v2] put %s: conflict (stored=%d expected=%d), merged to v%d",
				Key(kind, id), stored.Version, expectedVersion, merged.Version)
		}
		return &PutResult{Record: merged, Degraded: degraded, Merged: true}, nil
	}

	next := expectedVersion
	if ok && stored.Version > next {
		next = stored.Version
	}
	rec := &Record{
		ID:        id,
		Kind:      kind,
		Version:   next + 1,
		UpdatedAt: now(),
		Payload:   payload,
	}

	rec, degraded, err := s.writeRecord(rec)
	if err != nil {
		return nil, err
	}
	if s.verbosity >= 2 {
		log.Printf("[v2] put %s: v%d degraded=%v", Key(kind, id), rec.Version, degraded)
	}
	return &PutResult{Record: rec, Degraded: degraded}, nil
}

// PutBaseline writes a record carrying an externally assigned version, such
// as a server canonical copy or a merged result. If the stored copy is newer
// than the baseline, the two are merged instead, keeping versions monotonic.
func (s *Store) PutBaseline(rec *Record) (*PutResult, error) {
	if err := s.validate(rec.Kind, rec.Payload); err != nil {
		return nil, err
	}

	stored, ok, err := s.Get(rec.Kind, rec.ID)
	if err != nil {
		return nil, err
	}

	write := rec
	merged := false
	if ok && stored.Version > rec.Version {
		write = s.resolver.Merge(rec, stored)
		merged = true
	}

	write, degraded, err := s.writeRecord(write)
	if err != nil {
		return nil, err
	}
	return &PutResult{Record: write, Degraded: degraded, Merged: merged}, nil
}

// Delete removes a record from both tiers. Deleting an absent record is not
// an error.
func (s *Store) Delete(kind Kind, id string) error {
	key := Key(kind, id)
	derr := s.durable.Delete(key)
	eerr := s.ephemeral.Delete(key)
	if derr != nil {
		return derr
	}
	return eerr
}

// validate checks payload shape before any write.
func (s *Store) validate(kind Kind, payload []byte) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown record kind %q", kind)
	}
	if len(payload) == 0 {
		return fmt.Errorf("put %s: empty payload: %w", kind, storage.ErrSerialization)
	}
	if v, ok := s.validators[kind]; ok {
		if err := v(payload); err != nil {
			return fmt.Errorf("put %s: %v: %w", kind, err, storage.ErrSerialization)
		}
	}
	return nil
}

// writeRecord persists a record durable-first, degrading to the ephemeral
// tier when the durable write fails. On durable success any stale ephemeral
// shadow copy is dropped so reads stay coherent.
func (s *Store) writeRecord(rec *Record) (*Record, bool, error) {
	key := Key(rec.Kind, rec.ID)
	data, err := Encode(rec)
	if err != nil {
		return nil, false, err
	}

	derr := s.durable.Write(key, data)
	if derr == nil {
		s.ephemeral.Delete(key)
		return rec, false, nil
	}
	if s.verbosity >= 1 {
		log.Printf("[v1] durable write failed for %s, falling back to ephemeral: %v", key, derr)
	}

	// Keep the ephemeral tier's versioning monotonic even when the durable
	// tier lagged behind earlier degraded writes.
	if data2, ok, _ := s.ephemeral.Read(key); ok {
		if prev, perr := Decode(rec.Kind, rec.ID, data2); perr == nil && prev.Version >= rec.Version {
			bumped := rec.Clone()
			bumped.Version = prev.Version + 1
			rec = bumped
			if data, err = Encode(rec); err != nil {
				return nil, false, err
			}
		}
	}

	if eerr := s.ephemeral.Write(key, data); eerr != nil {
		return nil, false, fmt.Errorf("both tiers failed for %s: durable: %v; ephemeral: %w", key, derr, eerr)
	}
	return rec, true, nil
}
