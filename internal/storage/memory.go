package storage

import (
	"sort"
	"strings"
	"sync"
)

// MemoryTier is an in-memory storage tier. It backs the ephemeral tier of the
// engine and doubles as the test backend, mirroring how the durable tier
// behaves but without surviving a restart.
type MemoryTier struct {
	values map[string][]byte
	used   int64
	quota  int64 // 0 = unlimited
	mu     sync.RWMutex
}

// NewMemoryTier creates an in-memory tier with the given byte quota
// (0 = unlimited).
func NewMemoryTier(quota int64) *MemoryTier {
	return &MemoryTier{
		values: make(map[string][]byte),
		quota:  quota,
	}
}

// Read returns the value for key.
func (m *MemoryTier) Read(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}

	// Return a copy so callers cannot mutate stored bytes.
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// Write stores value under key. The quota check happens before any state
// changes, so a rejected write never partially applies.
func (m *MemoryTier) Write(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	need := m.used + int64(len(value)) - int64(len(m.values[key]))
	if m.quota > 0 && need > m.quota {
		return quotaError(key, int64(len(value)), m.quota)
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	m.values[key] = stored
	m.used = need
	return nil
}

// Delete removes key. Absent keys are ignored.
func (m *MemoryTier) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := m.values[key]; ok {
		m.used -= int64(len(v))
		delete(m.values, key)
	}
	return nil
}

// Keys returns all keys with the given prefix, sorted.
func (m *MemoryTier) Keys(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close releases nothing for the memory tier.
func (m *MemoryTier) Close() error {
	return nil
}

// Used returns the number of bytes currently stored.
func (m *MemoryTier) Used() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.used
}
