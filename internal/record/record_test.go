package record

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"
)

// TestKeyRoundTrip verifies key construction and parsing
func TestKeyRoundTrip(t *testing.T) {
	key := Key(KindPanel, "map-1")
	if key != "panel_map-1" {
		t.Errorf("Unexpected key: %s", key)
	}

	kind, id, ok := ParseKey(key)
	if !ok || kind != KindPanel || id != "map-1" {
		t.Errorf("ParseKey failed: %s %s %v", kind, id, ok)
	}

	// Ids may themselves contain underscores
	kind, id, ok = ParseKey("layout_agent_dashboard")
	if !ok || kind != KindLayout || id != "agent_dashboard" {
		t.Errorf("ParseKey failed for underscored id: %s %s %v", kind, id, ok)
	}

	// Reserved and foreign keys are rejected
	for _, bad := range []string{"stateBackups", "unknown_x", "panel_", "_x", "panel"} {
		if _, _, ok := ParseKey(bad); ok {
			t.Errorf("ParseKey accepted %q", bad)
		}
	}
}

// TestEnvelopeRoundTrip verifies encode/decode of the storage envelope
func TestEnvelopeRoundTrip(t *testing.T) {
	rec := &Record{
		ID:        "map-1",
		Kind:      KindPanel,
		Version:   3,
		UpdatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Payload:   json.RawMessage(`{"contentType":"map","state":{"zoom":4}}`),
	}

	data, err := Encode(rec)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	got, err := Decode(KindPanel, "map-1", data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.Version != 3 {
		t.Errorf("Expected version 3, got %d", got.Version)
	}
	if !got.UpdatedAt.Equal(rec.UpdatedAt) {
		t.Errorf("Timestamp mismatch: %v", got.UpdatedAt)
	}
	if !bytes.Equal(got.Payload, rec.Payload) {
		t.Errorf("Payload mismatch: %s", got.Payload)
	}
}

// TestDecodeLegacyPayload verifies un-versioned values upgrade to version 1
func TestDecodeLegacyPayload(t *testing.T) {
	legacy := []byte(`{"contentType":"map","state":{"zoom":2}}`)

	rec, err := Decode(KindPanel, "map-1", legacy)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if rec.Version != 1 {
		t.Errorf("Expected legacy version 1, got %d", rec.Version)
	}
	if !bytes.Equal(rec.Payload, legacy) {
		t.Errorf("Legacy payload should be kept verbatim, got %s", rec.Payload)
	}

	// A legacy array payload is also upgraded
	rec, err = Decode(KindFilter, "f1", []byte(`[1,2,3]`))
	if err != nil {
		t.Fatalf("Decode of array failed: %v", err)
	}
	if rec.Version != 1 || !bytes.Equal(rec.Payload, []byte(`[1,2,3]`)) {
		t.Errorf("Unexpected legacy array upgrade: v%d %s", rec.Version, rec.Payload)
	}
}

// TestDecodeRejectsGarbage verifies non-JSON values fail with a typed error
func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode(KindPanel, "x", []byte("not json")); err == nil {
		t.Error("Expected error for non-JSON value")
	}
}

// TestEncodeRejectsInvalidPayload verifies Encode refuses malformed payloads
func TestEncodeRejectsInvalidPayload(t *testing.T) {
	rec := &Record{ID: "x", Kind: KindPanel, Version: 1, Payload: json.RawMessage("{broken")}
	if _, err := Encode(rec); err == nil {
		t.Error("Expected error for invalid payload JSON")
	}
}

// TestClone verifies deep copies
func TestClone(t *testing.T) {
	rec := &Record{ID: "x", Kind: KindPanel, Version: 1, Payload: json.RawMessage(`{"a":1}`)}
	cp := rec.Clone()
	cp.Payload[1] = 'z'
	if rec.Payload[1] == 'z' {
		t.Error("Clone should not share payload bytes")
	}
}
