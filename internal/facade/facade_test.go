package facade_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelview/persist/internal/backup"
	"github.com/parcelview/persist/internal/config"
	"github.com/parcelview/persist/internal/conflict"
	"github.com/parcelview/persist/internal/facade"
	"github.com/parcelview/persist/internal/record"
	"github.com/parcelview/persist/internal/remote"
	"github.com/parcelview/persist/internal/server"
	"github.com/parcelview/persist/internal/storage"
)

type env struct {
	deps    facade.Deps
	client  *remote.Client
	ts      *httptest.Server
	durable *storage.MemoryTier
}

// newEnv builds a facade environment. withRemote selects whether a live sync
// server backs the Remote dependency.
func newEnv(t *testing.T, withRemote bool) *env {
	t.Helper()
	cfg := config.DefaultConfig()

	durable := storage.NewMemoryTier(0)
	ephemeral := storage.NewMemoryTier(0)
	resolver := conflict.New()
	store := record.NewStore(durable, ephemeral, resolver)

	e := &env{
		deps: facade.Deps{
			Store:    store,
			Backups:  backup.NewManager(cfg.Backup.Capacity),
			Durable:  durable,
			Resolver: resolver,
			Config:   cfg,
		},
		durable: durable,
	}

	if withRemote {
		canonical, err := server.OpenStore(filepath.Join(t.TempDir(), "records.db"))
		require.NoError(t, err)
		t.Cleanup(func() { canonical.Close() })

		srv := server.NewServer(cfg, canonical)
		e.ts = httptest.NewServer(srv)
		t.Cleanup(func() {
			e.ts.Close()
			srv.Close()
		})

		e.client = remote.NewClient(e.ts.URL, cfg.Remote.Timeout.Duration(), cfg)
		e.deps.Remote = e.client
	}
	return e
}

func TestSaveFetchLocalOnly(t *testing.T) {
	e := newEnv(t, false)
	panels := facade.NewPanelStates(e.deps)
	ctx := context.Background()

	res, err := panels.Save(ctx, "map-1", facade.PanelState{
		ContentType: "map",
		State:       json.RawMessage(`{"zoom":4}`),
	})
	require.NoError(t, err)
	assert.True(t, res.LocalOnly)
	assert.Equal(t, 1, res.Record.Version)

	res, err = panels.Save(ctx, "map-1", facade.PanelState{
		ContentType: "map",
		State:       json.RawMessage(`{"zoom":5}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Record.Version)

	got, found, err := panels.Fetch(ctx, "map-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "map", got.Value.ContentType)
	assert.JSONEq(t, `{"zoom":5}`, string(got.Value.State))
	assert.True(t, got.LocalOnly)

	// An absent record is not an error, just not found.
	_, found, err = panels.Fetch(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSaveRoundTripsThroughServer(t *testing.T) {
	e := newEnv(t, true)
	panels := facade.NewPanelStates(e.deps)
	ctx := context.Background()

	res, err := panels.Save(ctx, "map-1", facade.PanelState{
		ContentType: "map",
		State:       json.RawMessage(`{"zoom":4}`),
	})
	require.NoError(t, err)
	assert.False(t, res.LocalOnly)
	assert.Equal(t, 1, res.Record.Version)

	// The server copy is canonical and matches what the facade reported.
	remoteRec, err := e.client.Fetch(ctx, record.KindPanel, "map-1")
	require.NoError(t, err)
	assert.Equal(t, res.Record.Version, remoteRec.Version)
}

func TestSaveDegradesWhenRemoteUnreachable(t *testing.T) {
	e := newEnv(t, true)
	panels := facade.NewPanelStates(e.deps)
	ctx := context.Background()

	_, err := panels.Save(ctx, "map-1", facade.PanelState{
		ContentType: "map",
		State:       json.RawMessage(`{"zoom":4}`),
	})
	require.NoError(t, err)

	e.ts.Close()

	// Remote failures never surface; the save lands locally.
	res, err := panels.Save(ctx, "map-1", facade.PanelState{
		ContentType: "map",
		State:       json.RawMessage(`{"zoom":5}`),
	})
	require.NoError(t, err)
	assert.True(t, res.LocalOnly)
	assert.Equal(t, 2, res.Record.Version)

	got, found, err := panels.Fetch(ctx, "map-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"zoom":5}`, string(got.Value.State))
	assert.True(t, got.LocalOnly)
}

func TestFetchMergesDivergedCopies(t *testing.T) {
	e := newEnv(t, true)
	panels := facade.NewPanelStates(e.deps)
	ctx := context.Background()

	// Local copy sits at v2.
	for i, state := range []string{`{"zoom":1}`, `{"zoom":2}`} {
		payload, _ := json.Marshal(facade.PanelState{ContentType: "map", State: json.RawMessage(state)})
		_, err := e.deps.Store.Put(record.KindPanel, "map-1", payload, i)
		require.NoError(t, err)
	}

	// Another client advanced the server copy to v3 with zoom 8.
	serverVersion := 0
	for _, state := range []string{`{"zoom":3}`, `{"zoom":5}`, `{"zoom":8}`} {
		payload, _ := json.Marshal(facade.PanelState{ContentType: "map", State: json.RawMessage(state)})
		rec, err := e.client.Save(ctx, &record.Record{
			ID: "map-1", Kind: record.KindPanel, Version: serverVersion, Payload: payload,
		})
		require.NoError(t, err)
		serverVersion = rec.Version
	}
	require.Equal(t, 3, serverVersion)

	// Fetch detects the conflict and the higher-versioned server copy wins,
	// at a version exceeding both.
	res, found, err := panels.Fetch(ctx, "map-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, res.Merged)
	assert.Equal(t, 4, res.Record.Version)
	assert.JSONEq(t, `{"zoom":8}`, string(res.Value.State))

	// The merged record is the new local baseline.
	local, ok, err := e.deps.Store.Get(record.KindPanel, "map-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 4, local.Version)
}

func TestFetchMirrorsFirstSighting(t *testing.T) {
	e := newEnv(t, true)
	panels := facade.NewPanelStates(e.deps)
	ctx := context.Background()

	payload, _ := json.Marshal(facade.PanelState{ContentType: "map", State: json.RawMessage(`{"zoom":7}`)})
	_, err := e.client.Save(ctx, &record.Record{ID: "map-1", Kind: record.KindPanel, Payload: payload})
	require.NoError(t, err)

	res, found, err := panels.Fetch(ctx, "map-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, res.Merged)

	// The server copy is now mirrored locally for offline reads.
	local, ok, err := e.deps.Store.Get(record.KindPanel, "map-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res.Record.Version, local.Version)
}

func TestFetchAllIncludesLocalOnlyRecords(t *testing.T) {
	e := newEnv(t, true)
	panels := facade.NewPanelStates(e.deps)
	ctx := context.Background()

	// One record on the server, one created while the server was unknown to
	// it.
	_, err := panels.Save(ctx, "map-1", facade.PanelState{ContentType: "map"})
	require.NoError(t, err)

	payload, _ := json.Marshal(facade.PanelState{ContentType: "grid"})
	_, err = e.deps.Store.Put(record.KindPanel, "grid-1", payload, 0)
	require.NoError(t, err)

	results, err := panels.FetchAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)

	kinds := map[string]string{}
	for _, r := range results {
		kinds[r.Record.ID] = r.Value.ContentType
	}
	assert.Equal(t, "map", kinds["map-1"])
	assert.Equal(t, "grid", kinds["grid-1"])
}

func TestDeleteIsBestEffortRemote(t *testing.T) {
	e := newEnv(t, true)
	panels := facade.NewPanelStates(e.deps)
	ctx := context.Background()

	_, err := panels.Save(ctx, "map-1", facade.PanelState{ContentType: "map"})
	require.NoError(t, err)

	e.ts.Close()

	// The remote delete fails silently; locally the record is gone.
	ok, err := panels.Remove(ctx, "map-1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, found, err := panels.Fetch(ctx, "map-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSaveRejectsInvalidPayload(t *testing.T) {
	e := newEnv(t, false)
	panels := facade.NewPanelStates(e.deps)

	_, err := panels.Save(context.Background(), "map-1", facade.PanelState{})
	assert.True(t, storage.IsSerialization(err), "expected serialization error, got %v", err)
}

func TestMutationsAreSnapshotted(t *testing.T) {
	e := newEnv(t, false)
	panels := facade.NewPanelStates(e.deps)
	ctx := context.Background()

	_, err := panels.Save(ctx, "map-1", facade.PanelState{ContentType: "map", State: json.RawMessage(`{"zoom":1}`)})
	require.NoError(t, err)
	_, err = panels.Save(ctx, "map-1", facade.PanelState{ContentType: "map", State: json.RawMessage(`{"zoom":2}`)})
	require.NoError(t, err)

	entries, err := e.deps.Backups.List(e.durable)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// The newest snapshot predates the second save, so it holds the v1 copy.
	assert.Equal(t, 1, entries[0].Records)

	require.NoError(t, e.deps.Backups.Restore(e.durable, 0))
	res, found, err := panels.Fetch(ctx, "map-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"zoom":1}`, string(res.Value.State))
	assert.Equal(t, 1, res.Record.Version)
}

func TestFilterPresetCreate(t *testing.T) {
	e := newEnv(t, false)
	filters := facade.NewFilterPresets(e.deps)
	ctx := context.Background()

	id, res, err := filters.Create(ctx, facade.FilterPreset{
		Name:    "Under 300k",
		Filters: facade.FilterSet{"priceMax": json.RawMessage(`300000`)},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, res.Record.Version)

	got, found, err := filters.Fetch(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Under 300k", got.Value.Name)

	// Presets need a name.
	_, _, err = filters.Create(ctx, facade.FilterPreset{})
	assert.Error(t, err)
}

func TestLayoutDefaultsAreImmutable(t *testing.T) {
	e := newEnv(t, false)
	layouts := facade.NewLayouts(e.deps)
	ctx := context.Background()

	id, _, err := layouts.Create(ctx, facade.LayoutConfig{
		Name:      "Standard Dashboard",
		Type:      "dashboard",
		IsDefault: true,
		Panels: []facade.PanelDescriptor{
			{ID: "map-1", ContentType: "map", Position: facade.Position{Row: 0, Col: 0}, Size: facade.Size{Width: 50, Height: 100}},
		},
	})
	require.NoError(t, err)

	_, err = layouts.Save(ctx, id, facade.LayoutConfig{Name: "Hacked", Type: "dashboard"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "clone")
}

func TestLayoutClone(t *testing.T) {
	e := newEnv(t, false)
	layouts := facade.NewLayouts(e.deps)
	ctx := context.Background()

	id, _, err := layouts.Create(ctx, facade.LayoutConfig{
		Name:      "Standard Dashboard",
		Type:      "dashboard",
		IsDefault: true,
		Panels: []facade.PanelDescriptor{
			{ID: "map-1", ContentType: "map", Size: facade.Size{Width: 50, Height: 100}},
		},
	})
	require.NoError(t, err)

	cloneID, res, err := layouts.Clone(ctx, id, "My Dashboard")
	require.NoError(t, err)
	assert.NotEqual(t, id, cloneID)
	assert.Equal(t, "My Dashboard", res.Value.Name)
	assert.False(t, res.Value.IsDefault, "clones are user-owned")
	require.Len(t, res.Value.Panels, 1)
	assert.Equal(t, "map-1", res.Value.Panels[0].ID)

	// The clone is editable; the source is untouched.
	res.Value.Description = "tweaked"
	_, err = layouts.Save(ctx, cloneID, res.Value)
	require.NoError(t, err)

	src, found, err := layouts.Fetch(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Standard Dashboard", src.Value.Name)
	assert.True(t, src.Value.IsDefault)

	// Cloning a missing layout fails.
	_, _, err = layouts.Clone(ctx, "missing", "X")
	require.Error(t, err)
}
