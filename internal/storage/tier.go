// Package storage implements the key-value storage tiers backing the
// persistence engine: a durable tier that survives restarts and an ephemeral
// tier that lives only for the session.
package storage

import (
	"errors"
	"fmt"
)

// ErrQuotaExceeded is returned when a write would exceed a tier's byte quota.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// ErrSerialization is returned when a value cannot be encoded or decoded.
var ErrSerialization = errors.New("serialization failed")

// Tier is a key-value storage backend. Writes are all-or-nothing per key:
// a failed Write leaves the previous value (or absence) intact. There is no
// automatic fallback between tiers — callers choose the ordering.
type Tier interface {
	// Read returns the value for key, or ok=false if absent.
	Read(key string) (value []byte, ok bool, err error)

	// Write stores value under key, replacing any previous value.
	Write(key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error

	// Keys returns all keys with the given prefix ("" = all keys).
	Keys(prefix string) ([]string, error)

	// Close releases the backend's resources.
	Close() error
}

// IsQuotaExceeded reports whether err is a quota failure.
func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

// IsSerialization reports whether err is a serialization failure.
func IsSerialization(err error) bool {
	return errors.Is(err, ErrSerialization)
}

// Recoverable reports whether err is a per-tier failure that callers may
// recover from by writing to the other tier.
func Recoverable(err error) bool {
	return IsQuotaExceeded(err) || IsSerialization(err)
}

func quotaError(key string, need, limit int64) error {
	return fmt.Errorf("write %q (%d bytes, limit %d): %w", key, need, limit, ErrQuotaExceeded)
}
