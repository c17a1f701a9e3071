package core

import "sync"

// keyedMutex serializes work per (worker, date) key so a sweep and an
// ingress event for the same shift never interleave, while unrelated keys
// proceed in parallel. Locks are created on demand and dropped when the
// last holder leaves, so the map does not accumulate a day's worth of keys.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[RecordKey]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[RecordKey]*keyLock)}
}

func (k *keyedMutex) lock(key RecordKey) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
}

func (k *keyedMutex) unlock(key RecordKey) {
	k.mu.Lock()
	l := k.locks[key]
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()

	l.mu.Unlock()
}
