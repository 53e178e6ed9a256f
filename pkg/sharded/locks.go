package sharded

import "sync"

// Locks is a registry of per-key mutexes. It is owned by the daemon root and
// passed to whatever needs per-key exclusion; there is no package-level state.
//
// Mutexes are created on first use and never removed. The key space (one key
// per replicated server root) is small and bounded by configuration.
type Locks struct {
	m *Map[*sync.Mutex]
}

// NewLocks creates an empty lock registry.
func NewLocks() *Locks {
	return &Locks{m: NewMap[*sync.Mutex]()}
}

func (l *Locks) mutex(key string) *sync.Mutex {
	mu, _ := l.m.LoadOrStore(key, &sync.Mutex{})
	return mu
}

// Lock blocks until the mutex for key is held and returns its release function.
func (l *Locks) Lock(key string) (unlock func()) {
	mu := l.mutex(key)
	mu.Lock()
	return mu.Unlock
}

// TryLock acquires the mutex for key without blocking.
// ok is false when another holder already owns the key.
func (l *Locks) TryLock(key string) (unlock func(), ok bool) {
	mu := l.mutex(key)
	if !mu.TryLock() {
		return nil, false
	}
	return mu.Unlock, true
}
