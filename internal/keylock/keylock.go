// Package keylock provides per-key mutual exclusion for serializing
// operations on independent resources (schema registrations per source,
// promotions per staging id, alert cooldown updates per rule).
package keylock

import "sync"

// KeyedMutex hands out one mutex per key. Entries are removed once the last
// holder releases, so the map stays bounded by concurrent key usage.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// New creates an empty KeyedMutex.
func New() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*lockEntry)}
}

// Lock blocks until the key's mutex is held and returns the release func.
//
//	unlock := locks.Lock(sourceID)
//	defer unlock()
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()

	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{}
		k.locks[key] = entry
	}

	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		k.mu.Lock()
		entry.refs--

		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Len reports the number of keys currently held or contended.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	return len(k.locks)
}
