// Package decaymap is a map whose entries expire after a per-entry duration.
package decaymap

import (
	"sync"
	"time"
)

func zilch[T any]() T {
	var zero T
	return zero
}

// Impl is a lazy key->value map. Expired entries are hidden from Get
// immediately and reclaimed on the next Get of that key or Cleanup.
type Impl[K comparable, V any] struct {
	data map[K]decayMapEntry[V]
	lock sync.RWMutex
}

type decayMapEntry[V any] struct {
	Value  V
	expiry time.Time
}

// New creates a new DecayMap of key type K and value type V.
func New[K comparable, V any]() *Impl[K, V] {
	return &Impl[K, V]{
		data: make(map[K]decayMapEntry[V]),
	}
}

// expire forcibly expires a key by setting its time-to-live one second in the past.
func (m *Impl[K, V]) expire(key K) bool {
	m.lock.RLock()
	val, ok := m.data[key]
	m.lock.RUnlock()

	if !ok {
		return false
	}

	m.lock.Lock()
	val.expiry = time.Now().Add(-1 * time.Second)
	m.data[key] = val
	m.lock.Unlock()

	return true
}

// Delete removes key. It reports whether the key was present and unexpired.
func (m *Impl[K, V]) Delete(key K) bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	val, ok := m.data[key]
	if !ok {
		return false
	}

	delete(m.data, key)

	return time.Now().Before(val.expiry)
}

// Get gets a value from the map if it exists and has not expired.
func (m *Impl[K, V]) Get(key K) (V, bool) {
	m.lock.RLock()
	value, ok := m.data[key]
	m.lock.RUnlock()

	if !ok {
		return zilch[V](), false
	}

	if time.Now().After(value.expiry) {
		m.lock.Lock()
		// re-check: another goroutine may have refreshed the entry in between
		if current, ok := m.data[key]; ok && time.Now().After(current.expiry) {
			delete(m.data, key)
		}
		m.lock.Unlock()

		return zilch[V](), false
	}

	return value.Value, true
}

// Set puts a key into the map that expires after ttl.
func (m *Impl[K, V]) Set(key K, value V, ttl time.Duration) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.data[key] = decayMapEntry[V]{
		Value:  value,
		expiry: time.Now().Add(ttl),
	}
}

// Cleanup removes all expired entries and returns how many were removed.
func (m *Impl[K, V]) Cleanup() int {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := time.Now()
	removed := 0
	for key, val := range m.data {
		if now.After(val.expiry) {
			delete(m.data, key)
			removed++
		}
	}

	return removed
}

// Len returns the number of entries, expired ones included.
func (m *Impl[K, V]) Len() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return len(m.data)
}
