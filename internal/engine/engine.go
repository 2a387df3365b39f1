// Package engine wires the persistence stack together. The engine is an
// explicitly constructed service whose lifecycle is owned by the application
// bootstrap; nothing in this module relies on package-level singletons or
// import order.
package engine

import (
	"github.com/parcelview/persist/internal/backup"
	"github.com/parcelview/persist/internal/conflict"
	"github.com/parcelview/persist/internal/config"
	"github.com/parcelview/persist/internal/facade"
	"github.com/parcelview/persist/internal/record"
	"github.com/parcelview/persist/internal/remote"
	"github.com/parcelview/persist/internal/storage"
)

// Engine owns the storage tiers, the record store, the snapshot logs, and
// the three persistence facades.
type Engine struct {
	cfg *config.Config

	Durable   storage.Tier
	Ephemeral storage.Tier
	Store     *record.Store
	Backups   *backup.Manager
	Resolver  *conflict.Resolver
	Client    *remote.Client

	Panels  *facade.PanelStates
	Filters *facade.FilterPresets
	Layouts *facade.Layouts

	watcher *remote.Watcher
}

// New builds an engine from configuration. With no remote URL configured the
// engine runs local-only.
func New(cfg *config.Config) (*Engine, error) {
	durable, err := storage.NewSQLiteTier(cfg.Storage.Path, cfg.Storage.QuotaBytes)
	if err != nil {
		return nil, err
	}
	ephemeral := storage.NewMemoryTier(cfg.Storage.EphemeralQuota)

	resolver := conflict.New()
	store := record.NewStore(durable, ephemeral, resolver)
	store.SetVerbosity(cfg.Verbosity())

	backups := backup.NewManager(cfg.Backup.Capacity)
	backups.SetVerbosity(cfg.Verbosity())

	e := &Engine{
		cfg:       cfg,
		Durable:   durable,
		Ephemeral: ephemeral,
		Store:     store,
		Backups:   backups,
		Resolver:  resolver,
	}

	deps := facade.Deps{
		Store:    store,
		Backups:  backups,
		Durable:  durable,
		Resolver: resolver,
		Config:   cfg,
	}
	if cfg.Remote.URL != "" {
		e.Client = remote.NewClient(cfg.Remote.URL, cfg.Remote.Timeout.Duration(), cfg)
		deps.Remote = e.Client
	}

	e.Panels = facade.NewPanelStates(deps)
	e.Filters = facade.NewFilterPresets(deps)
	e.Layouts = facade.NewLayouts(deps)

	if e.Client != nil && cfg.Remote.Watch {
		e.watcher = remote.NewWatcher(cfg.Remote.URL, e.handleUpdate, cfg)
		e.watcher.Start()
	}

	return e, nil
}

// handleUpdate reconciles a server-pushed record with local state. This is
// the opportunistic background refresh: conflicts are merged immediately
// rather than waiting for the next fetch.
func (e *Engine) handleUpdate(rec *record.Record) {
	stored, ok, err := e.Store.Get(rec.Kind, rec.ID)
	if err != nil {
		e.cfg.Log(1, "update reconcile failed for %s_%s: %v", rec.Kind, rec.ID, err)
		return
	}

	write := rec
	if ok {
		if !e.Resolver.HasConflict(stored, rec) {
			return // local copy is current or ahead
		}
		write = e.Resolver.Merge(stored, rec)
	}
	if _, err := e.Store.PutBaseline(write); err != nil {
		e.cfg.Log(1, "persisting pushed update %s_%s failed: %v", rec.Kind, rec.ID, err)
	}
}

// Close stops the update watcher and releases the storage tiers.
func (e *Engine) Close() error {
	if e.watcher != nil {
		e.watcher.Stop()
	}
	err := e.Durable.Close()
	if eerr := e.Ephemeral.Close(); err == nil {
		err = eerr
	}
	return err
}
