// Package record implements the versioned record store shared by panel
// states, filter presets, and layout configurations. Records carry a
// monotonically increasing version and are persisted as a JSON envelope so
// divergent copies can be reconciled later.
package record

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/buger/jsonparser"

	"github.com/parcelview/persist/internal/storage"
)

// Kind identifies one of the independent record domains.
type Kind string

const (
	KindPanel  Kind = "panel"
	KindFilter Kind = "filter"
	KindLayout Kind = "layout"
)

// Kinds lists all record kinds.
var Kinds = []Kind{KindPanel, KindFilter, KindLayout}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindPanel, KindFilter, KindLayout:
		return true
	}
	return false
}

// Record is a versioned copy of one logical record.
type Record struct {
	ID        string
	Kind      Kind
	Version   int
	UpdatedAt time.Time
	Payload   json.RawMessage
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	out := *r
	out.Payload = make(json.RawMessage, len(r.Payload))
	copy(out.Payload, r.Payload)
	return &out
}

// Key returns the storage key for a record: "<kind>_<id>".
func Key(kind Kind, id string) string {
	return string(kind) + "_" + id
}

// KeyPrefix returns the storage key prefix for a kind.
func KeyPrefix(kind Kind) string {
	return string(kind) + "_"
}

// ParseKey splits a storage key back into kind and id. ok is false for
// reserved or foreign keys.
func ParseKey(key string) (Kind, string, bool) {
	i := strings.Index(key, "_")
	if i <= 0 || i == len(key)-1 {
		return "", "", false
	}
	kind := Kind(key[:i])
	if !kind.Valid() {
		return "", "", false
	}
	return kind, key[i+1:], true
}

// envelope is the persisted JSON shape of a record.
type envelope struct {
	Version   int             `json:"version"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Payload   json.RawMessage `json:"payload"`
}

// Encode serializes a record into its storage envelope.
func Encode(r *Record) ([]byte, error) {
	if !json.Valid(r.Payload) {
		return nil, fmt.Errorf("encode %s: payload is not valid JSON: %w",
			Key(r.Kind, r.ID), storage.ErrSerialization)
	}
	data, err := json.Marshal(envelope{
		Version:   r.Version,
		UpdatedAt: r.UpdatedAt,
		Payload:   r.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %v: %w", Key(r.Kind, r.ID), err, storage.ErrSerialization)
	}
	return data, nil
}

// Decode parses stored bytes into a record. Both the current envelope shape
// and legacy un-versioned payloads are accepted: a value without an integer
// "version" field is treated as a bare payload at version 1.
func Decode(kind Kind, id string, data []byte) (*Record, error) {
	if !json.Valid(data) {
		return nil, fmt.Errorf("decode %s: stored value is not valid JSON: %w",
			Key(kind, id), storage.ErrSerialization)
	}

	r := &Record{ID: id, Kind: kind}

	version, err := jsonparser.GetInt(data, "version")
	if err != nil || version < 1 {
		// Legacy shape: the whole value is the payload.
		r.Version = 1
		r.Payload = append(json.RawMessage(nil), data...)
		return r, nil
	}
	if _, dt, _, perr := jsonparser.Get(data, "payload"); perr != nil || dt == jsonparser.NotExist {
		r.Version = 1
		r.Payload = append(json.RawMessage(nil), data...)
		return r, nil
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode %s: %v: %w", Key(kind, id), err, storage.ErrSerialization)
	}
	r.Version = env.Version
	r.UpdatedAt = env.UpdatedAt
	r.Payload = env.Payload
	return r, nil
}
