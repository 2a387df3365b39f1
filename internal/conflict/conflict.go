// Package conflict decides between divergent copies of the same logical
// record. The policy is last-writer-wins by version: the higher-versioned
// copy's payload is authoritative and payloads are never combined, since
// panel, filter, and layout payloads are opaque UI state with no generally
// correct field-level merge.
package conflict

import (
	"time"

	"github.com/parcelview/persist/internal/record"
)

// Resolver implements record.Resolver with version-based precedence.
type Resolver struct {
	// Now is the clock for merged-record timestamps. Defaults to time.Now.
	Now func() time.Time
}

// New creates a resolver using the wall clock.
func New() *Resolver {
	return &Resolver{Now: time.Now}
}

// HasConflict reports whether remote supersedes local.
func (r *Resolver) HasConflict(local, remote *record.Record) bool {
	return effectiveVersion(remote) > effectiveVersion(local)
}

// Merge produces a record that dominates both inputs: the higher-versioned
// copy's payload wins and the result's version exceeds both. Ties favor the
// remote copy. Legacy records without an explicit version count as version 1.
func (r *Resolver) Merge(local, remote *record.Record) *record.Record {
	lv, rv := effectiveVersion(local), effectiveVersion(remote)

	base := remote
	if lv > rv {
		base = local
	}

	merged := base.Clone()
	merged.Version = max(lv, rv) + 1
	merged.UpdatedAt = r.Now()
	return merged
}

func effectiveVersion(rec *record.Record) int {
	if rec.Version < 1 {
		return 1
	}
	return rec.Version
}
