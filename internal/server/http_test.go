package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/parcelview/persist/internal/config"
	"github.com/parcelview/persist/internal/record"
	"github.com/parcelview/persist/internal/remote"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "records.db"))
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	srv := NewServer(config.DefaultConfig(), store)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return ts
}

func doJSON(t *testing.T, method, url string, body, out interface{}) int {
	t.Helper()
	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode request: %v", err)
		}
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

// TestLayoutCRUD verifies the layout endpoints end to end
func TestLayoutCRUD(t *testing.T) {
	ts := newTestServer(t)

	// Create without an id: the server assigns one.
	var created remote.WireRecord
	status := doJSON(t, http.MethodPost, ts.URL+"/layouts", remote.WireRecord{
		Payload: json.RawMessage(`{"name":"Dash","panels":[]}`),
	}, &created)
	if status != http.StatusOK {
		t.Fatalf("POST /layouts returned %d", status)
	}
	if created.ID == "" || created.Version != 1 {
		t.Fatalf("Unexpected created record: %+v", created)
	}

	// Update bumps the version.
	var updated remote.WireRecord
	status = doJSON(t, http.MethodPut, ts.URL+"/layouts/"+created.ID, remote.WireRecord{
		Version: created.Version,
		Payload: json.RawMessage(`{"name":"Dash v2","panels":[]}`),
	}, &updated)
	if status != http.StatusOK || updated.Version != 2 {
		t.Fatalf("PUT /layouts returned %d, version %d", status, updated.Version)
	}

	// Get and list.
	var got remote.WireRecord
	if status = doJSON(t, http.MethodGet, ts.URL+"/layouts/"+created.ID, nil, &got); status != http.StatusOK {
		t.Fatalf("GET /layouts/:id returned %d", status)
	}
	if got.Version != 2 {
		t.Errorf("Expected version 2, got %d", got.Version)
	}
	var list []remote.WireRecord
	if status = doJSON(t, http.MethodGet, ts.URL+"/layouts", nil, &list); status != http.StatusOK || len(list) != 1 {
		t.Fatalf("GET /layouts returned %d with %d records", status, len(list))
	}

	// Delete, then 404.
	if status = doJSON(t, http.MethodDelete, ts.URL+"/layouts/"+created.ID, nil, nil); status != http.StatusNoContent {
		t.Fatalf("DELETE returned %d", status)
	}
	if status = doJSON(t, http.MethodGet, ts.URL+"/layouts/"+created.ID, nil, nil); status != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", status)
	}
	if status = doJSON(t, http.MethodDelete, ts.URL+"/layouts/"+created.ID, nil, nil); status != http.StatusNotFound {
		t.Errorf("Expected 404 for double delete, got %d", status)
	}
}

// TestPreferencesReconciliation verifies the document PUT semantics
func TestPreferencesReconciliation(t *testing.T) {
	ts := newTestServer(t)

	doc := remote.NewPreferencesDoc()
	doc.Panels["map-1"] = remote.WireRecord{
		Kind:    string(record.KindPanel),
		Payload: json.RawMessage(`{"contentType":"map","state":{"zoom":4}}`),
	}
	doc.Filters["f1"] = remote.WireRecord{
		Kind:    string(record.KindFilter),
		Payload: json.RawMessage(`{"name":"Cheap","filters":{}}`),
	}

	var saved remote.PreferencesDoc
	if status := doJSON(t, http.MethodPut, ts.URL+"/user/preferences", doc, &saved); status != http.StatusOK {
		t.Fatalf("PUT /user/preferences returned %d", status)
	}
	if saved.Panels["map-1"].Version != 1 || saved.Filters["f1"].Version != 1 {
		t.Fatalf("Expected canonical version 1, got %+v", saved)
	}

	// Re-sending the unchanged doc must not bump versions.
	var again remote.PreferencesDoc
	if status := doJSON(t, http.MethodPut, ts.URL+"/user/preferences", &saved, &again); status != http.StatusOK {
		t.Fatalf("Second PUT returned %d", status)
	}
	if again.Panels["map-1"].Version != 1 {
		t.Errorf("Unchanged entry was bumped to v%d", again.Panels["map-1"].Version)
	}

	// Editing one entry bumps only that entry.
	edited := again
	w := edited.Panels["map-1"]
	w.Payload = json.RawMessage(`{"contentType":"map","state":{"zoom":6}}`)
	edited.Panels["map-1"] = w
	var third remote.PreferencesDoc
	if status := doJSON(t, http.MethodPut, ts.URL+"/user/preferences", &edited, &third); status != http.StatusOK {
		t.Fatalf("Third PUT returned %d", status)
	}
	if third.Panels["map-1"].Version != 2 {
		t.Errorf("Edited entry should be v2, got %d", third.Panels["map-1"].Version)
	}
	if third.Filters["f1"].Version != 1 {
		t.Errorf("Untouched entry should stay v1, got %d", third.Filters["f1"].Version)
	}

	// Dropping an entry from the doc deletes it server-side.
	delete(third.Panels, "map-1")
	var fourth remote.PreferencesDoc
	if status := doJSON(t, http.MethodPut, ts.URL+"/user/preferences", &third, &fourth); status != http.StatusOK {
		t.Fatalf("Fourth PUT returned %d", status)
	}
	if _, ok := fourth.Panels["map-1"]; ok {
		t.Error("Dropped entry should be deleted")
	}
	if _, ok := fourth.Filters["f1"]; !ok {
		t.Error("Remaining entry should survive")
	}
}

// TestPreferencesReset verifies the reset endpoint clears panels and filters
func TestPreferencesReset(t *testing.T) {
	ts := newTestServer(t)

	doc := remote.NewPreferencesDoc()
	doc.Panels["map-1"] = remote.WireRecord{
		Kind:    string(record.KindPanel),
		Payload: json.RawMessage(`{"contentType":"map"}`),
	}
	if status := doJSON(t, http.MethodPut, ts.URL+"/user/preferences", doc, nil); status != http.StatusOK {
		t.Fatalf("PUT returned %d", status)
	}

	if status := doJSON(t, http.MethodPost, ts.URL+"/user/preferences/reset", nil, nil); status != http.StatusNoContent {
		t.Fatalf("Reset returned %d", status)
	}

	var after remote.PreferencesDoc
	if status := doJSON(t, http.MethodGet, ts.URL+"/user/preferences", nil, &after); status != http.StatusOK {
		t.Fatalf("GET returned %d", status)
	}
	if len(after.Panels) != 0 || len(after.Filters) != 0 {
		t.Errorf("Expected empty preferences after reset, got %+v", after)
	}
}

// TestGracefulShutdown verifies Shutdown drains the listener cleanly
func TestGracefulShutdown(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "records.db"))
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	defer store.Close()

	cfg := config.DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	srv := NewServer(cfg, store)

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := <-errc; err != http.ErrServerClosed {
		t.Errorf("Expected ErrServerClosed, got %v", err)
	}
}

// TestMethodNotAllowed verifies unsupported verbs are rejected
func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)

	if status := doJSON(t, http.MethodDelete, ts.URL+"/user/preferences", nil, nil); status != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", status)
	}
	if status := doJSON(t, http.MethodGet, ts.URL+"/user/preferences/reset", nil, nil); status != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", status)
	}
}
