package relay

import "sync"

// keyedMutex provides per-key mutual exclusion. The router holds one keyed
// by user id to serialize the check-then-create region of first-message
// handling: without it, two near-simultaneous first messages from one user
// could both miss the active-session lookup and both allocate an agent.
//
// Entries are reference-counted and removed when the last holder releases,
// so the map does not grow with the set of users ever seen.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[int64]*keyedLock)}
}

// lock acquires the mutex for key and returns the matching unlock func.
func (k *keyedMutex) lock(key int64) (unlock func()) {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedLock{}
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
