// Package remote implements the client side of the sync API: layouts have
// their own CRUD endpoints, while panel states and filter presets ride the
// user-preferences document. All responses carry the record's canonical
// server version for baseline reconciliation.
package remote

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/parcelview/persist/internal/record"
)

// WireRecord is the JSON shape of a record on the sync API.
type WireRecord struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Version   int             `json:"version"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Payload   json.RawMessage `json:"payload"`
}

// PreferencesDoc is the user-preferences document aggregating panel states
// and filter presets.
type PreferencesDoc struct {
	UpdatedAt time.Time             `json:"updatedAt"`
	Panels    map[string]WireRecord `json:"panels"`
	Filters   map[string]WireRecord `json:"filters"`
}

// NewPreferencesDoc returns an empty preferences document.
func NewPreferencesDoc() *PreferencesDoc {
	return &PreferencesDoc{
		Panels:  make(map[string]WireRecord),
		Filters: make(map[string]WireRecord),
	}
}

// Section returns the document section for a kind.
func (d *PreferencesDoc) Section(kind record.Kind) (map[string]WireRecord, error) {
	switch kind {
	case record.KindPanel:
		if d.Panels == nil {
			d.Panels = make(map[string]WireRecord)
		}
		return d.Panels, nil
	case record.KindFilter:
		if d.Filters == nil {
			d.Filters = make(map[string]WireRecord)
		}
		return d.Filters, nil
	}
	return nil, fmt.Errorf("kind %q has no preferences section", kind)
}

// ToWire converts a record to its wire shape.
func ToWire(rec *record.Record) WireRecord {
	return WireRecord{
		ID:        rec.ID,
		Kind:      string(rec.Kind),
		Version:   rec.Version,
		UpdatedAt: rec.UpdatedAt,
		Payload:   rec.Payload,
	}
}

// FromWire converts a wire record back into a record.
func FromWire(w WireRecord) (*record.Record, error) {
	kind := record.Kind(w.Kind)
	if !kind.Valid() {
		return nil, fmt.Errorf("wire record %q: unknown kind %q", w.ID, w.Kind)
	}
	return &record.Record{
		ID:        w.ID,
		Kind:      kind,
		Version:   w.Version,
		UpdatedAt: w.UpdatedAt,
		Payload:   w.Payload,
	}, nil
}
