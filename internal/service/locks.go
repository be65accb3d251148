package service

import "sync"

// keyedMutex serializes work per key. Entries are dropped once nobody holds
// or waits for them, so the map only grows with concurrently active keys.
// The ledger holds a ticket's lock across its read-modify-write gateway
// calls: a slow store stalls callers of that one ticket only, and in exchange
// concurrent history appends to it are never lost. Shared state (the
// gateway, the auth cache) is never guarded by it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock blocks until key is free and returns the matching unlock func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
