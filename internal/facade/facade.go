// Package facade implements the per-kind persistence services composing
// remote I/O, the versioned record store, and the conflict resolver. Facade
// methods never surface remote failures to the caller: every operation
// degrades to local-only persistence, and only exhaustion of both local
// tiers is terminal for a single operation.
package facade

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/parcelview/persist/internal/backup"
	"github.com/parcelview/persist/internal/config"
	"github.com/parcelview/persist/internal/record"
	"github.com/parcelview/persist/internal/remote"
	"github.com/parcelview/persist/internal/storage"
)

// Remote is the sync API surface a facade consumes. A nil Remote means
// local-only operation.
type Remote interface {
	Fetch(ctx context.Context, kind record.Kind, id string) (*record.Record, error)
	FetchAll(ctx context.Context, kind record.Kind) ([]*record.Record, error)
	Save(ctx context.Context, rec *record.Record) (*record.Record, error)
	Delete(ctx context.Context, kind record.Kind, id string) error
}

// Result carries an operation's value together with explicit degradation
// flags, replacing nested try/catch fallbacks with an inspectable outcome.
type Result[T any] struct {
	Value  T
	Record *record.Record

	// LocalOnly is true when the remote was unreachable (or not configured)
	// and the operation was served from local tiers alone.
	LocalOnly bool

	// Degraded is true when the durable tier failed and the record lives in
	// the ephemeral tier.
	Degraded bool

	// Merged is true when a version conflict was detected and resolved.
	Merged bool
}

// Deps are the collaborators a facade is constructed from. They are wired by
// the application bootstrap, not by package-level state.
type Deps struct {
	Store    *record.Store
	Backups  *backup.Manager
	Durable  storage.Tier
	Resolver record.Resolver
	Remote   Remote
	Config   *config.Config
}

// Facade is the generic persistence service for one record kind.
type Facade[T any] struct {
	kind record.Kind
	deps Deps
}

func newFacade[T any](kind record.Kind, deps Deps) *Facade[T] {
	return &Facade[T]{kind: kind, deps: deps}
}

// Kind returns the record kind this facade manages.
func (f *Facade[T]) Kind() record.Kind {
	return f.kind
}

// Save persists a new version of the record. The remote write is attempted
// first; on success the server's canonical copy becomes the local baseline.
// On any remote failure the write lands in local storage using the current
// local version as the optimistic-concurrency check, and the caller is never
// blocked by remote unavailability.
func (f *Facade[T]) Save(ctx context.Context, id string, value T) (*Result[T], error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("save %s %s: encode payload: %v: %w",
			f.kind, id, err, storage.ErrSerialization)
	}

	f.snapshot("save")

	expected := 0
	if stored, ok, _ := f.deps.Store.Get(f.kind, id); ok {
		expected = stored.Version
	}

	if f.deps.Remote != nil {
		candidate := &record.Record{ID: id, Kind: f.kind, Version: expected, Payload: payload}
		canonical, rerr := f.deps.Remote.Save(ctx, candidate)
		if rerr == nil {
			res, perr := f.deps.Store.PutBaseline(canonical)
			if perr != nil {
				return nil, perr
			}
			return f.result(res.Record, false, res.Degraded, res.Merged)
		}
		f.log(1, "remote save failed for %s_%s, keeping local copy: %v", f.kind, id, rerr)
	}

	res, err := f.deps.Store.Put(f.kind, id, payload, expected)
	if err != nil {
		return nil, err
	}
	return f.result(res.Record, true, res.Degraded, res.Merged)
}

// Fetch loads a record, remote-first. When both a remote and a local copy
// are obtained, a detected conflict is merged and the merged record is
// persisted locally before being returned.
func (f *Facade[T]) Fetch(ctx context.Context, id string) (*Result[T], bool, error) {
	var remoteRec *record.Record
	localOnly := f.deps.Remote == nil

	if f.deps.Remote != nil {
		rec, err := f.deps.Remote.Fetch(ctx, f.kind, id)
		switch {
		case err == nil:
			remoteRec = rec
		case remote.IsNotFound(err):
			// Absent on the server is a normal outcome; local may still win.
		default:
			localOnly = true
			f.log(1, "remote fetch failed for %s_%s, reading local: %v", f.kind, id, err)
		}
	}

	local, ok, err := f.deps.Store.Get(f.kind, id)
	if err != nil && remoteRec == nil {
		return nil, false, err
	}

	switch {
	case remoteRec != nil && ok:
		rec, merged, err := f.reconcile(local, remoteRec)
		if err != nil {
			return nil, false, err
		}
		res, rerr := f.result(rec, false, false, merged)
		return res, true, rerr
	case remoteRec != nil:
		// First sighting: mirror the server copy as the local baseline.
		pres, err := f.deps.Store.PutBaseline(remoteRec)
		if err != nil {
			f.log(1, "mirroring %s_%s locally failed: %v", f.kind, id, err)
			res, rerr := f.result(remoteRec, false, false, false)
			return res, true, rerr
		}
		res, rerr := f.result(pres.Record, false, pres.Degraded, pres.Merged)
		return res, true, rerr
	case ok:
		res, rerr := f.result(local, localOnly, false, false)
		return res, true, rerr
	}
	return nil, false, nil
}

// FetchAll loads every record of the facade's kind. Remote copies are
// reconciled against local ones; records that exist only locally (for
// example created while offline) are included as well.
func (f *Facade[T]) FetchAll(ctx context.Context) ([]*Result[T], error) {
	locals, err := f.deps.Store.All(f.kind)
	if err != nil {
		locals = nil
	}
	byID := make(map[string]*record.Record, len(locals))
	for _, rec := range locals {
		byID[rec.ID] = rec
	}

	var results []*Result[T]

	if f.deps.Remote != nil {
		remotes, rerr := f.deps.Remote.FetchAll(ctx, f.kind)
		if rerr == nil {
			for _, rr := range remotes {
				var rec *record.Record
				var merged bool
				if local, ok := byID[rr.ID]; ok {
					rec, merged, err = f.reconcile(local, rr)
					if err != nil {
						return nil, err
					}
					delete(byID, rr.ID)
				} else {
					if pres, perr := f.deps.Store.PutBaseline(rr); perr == nil {
						rec = pres.Record
					} else {
						rec = rr
					}
				}
				res, verr := f.result(rec, false, false, merged)
				if verr != nil {
					return nil, verr
				}
				results = append(results, res)
			}
			// Remaining local-only records.
			for _, rec := range byID {
				res, verr := f.result(rec, false, false, false)
				if verr != nil {
					return nil, verr
				}
				results = append(results, res)
			}
			return results, nil
		}
		f.log(1, "remote list failed for %s, serving local records: %v", f.kind, rerr)
	}

	for _, rec := range locals {
		res, verr := f.result(rec, true, false, false)
		if verr != nil {
			return nil, verr
		}
		results = append(results, res)
	}
	return results, nil
}

// Delete removes a record. The remote delete is best-effort; the local
// delete is unconditional so the UI is never stuck showing a record the
// user asked to remove.
func (f *Facade[T]) Delete(ctx context.Context, id string) (bool, error) {
	f.snapshot("delete")

	if f.deps.Remote != nil {
		if err := f.deps.Remote.Delete(ctx, f.kind, id); err != nil {
			f.log(1, "remote delete failed for %s_%s: %v", f.kind, id, err)
		}
	}

	if err := f.deps.Store.Delete(f.kind, id); err != nil {
		return false, err
	}
	return true, nil
}

// reconcile merges a diverged remote copy into local state. The merged
// record is persisted locally before being returned; if there is no
// conflict, the local copy stands.
func (f *Facade[T]) reconcile(local, remoteRec *record.Record) (*record.Record, bool, error) {
	if !f.deps.Resolver.HasConflict(local, remoteRec) {
		return local, false, nil
	}
	merged := f.deps.Resolver.Merge(local, remoteRec)
	if _, err := f.deps.Store.PutBaseline(merged); err != nil {
		return nil, false, err
	}
	f.log(2, "conflict on %s_%s: local v%d vs remote v%d, merged to v%d",
		f.kind, local.ID, local.Version, remoteRec.Version, merged.Version)
	return merged, true, nil
}

// snapshot backs up the durable tier ahead of a mutation. Failures are
// logged, not fatal: losing one backup must not block a save.
func (f *Facade[T]) snapshot(op string) {
	if f.deps.Backups == nil || f.deps.Durable == nil {
		return
	}
	if err := f.deps.Backups.Capture(f.deps.Durable); err != nil {
		f.log(1, "pre-%s snapshot failed for %s: %v", op, f.kind, err)
	}
}

// result decodes a record's payload into the facade's value type.
func (f *Facade[T]) result(rec *record.Record, localOnly, degraded, merged bool) (*Result[T], error) {
	res := &Result[T]{
		Record:    rec,
		LocalOnly: localOnly,
		Degraded:  degraded,
		Merged:    merged,
	}
	if err := json.Unmarshal(rec.Payload, &res.Value); err != nil {
		return nil, fmt.Errorf("decode %s_%s payload: %v: %w",
			f.kind, rec.ID, err, storage.ErrSerialization)
	}
	return res, nil
}

func (f *Facade[T]) log(level int, format string, args ...interface{}) {
	if f.deps.Config != nil {
		f.deps.Config.Log(level, format, args...)
	}
}
