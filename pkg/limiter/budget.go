// Package limiter admits replication sessions against a shared memory budget.
package limiter

import "sync"

// Budget is a byte budget shared by concurrent sessions. Each session
// reserves what its socket and transfer buffers pin for its lifetime.
// It is safe for concurrent use.
type Budget struct {
	mu        sync.Mutex
	available int64
	capacity  int64
	holders   int
}

// NewBudget creates a budget of capacity bytes.
func NewBudget(capacity int64) *Budget {
	return &Budget{available: capacity, capacity: capacity}
}

// Reserve takes n bytes without blocking. ok is false when n does not fit
// right now, or never can. The returned release may be called more than once.
func (b *Budget) Reserve(n int64) (release func(), ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > b.available {
		return nil, false
	}
	b.available -= n
	b.holders++

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			b.available += n
			b.holders--
			b.mu.Unlock()
		})
	}, true
}

// Available returns the unreserved bytes.
func (b *Budget) Available() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.available
}

// Holders returns the number of outstanding reservations.
func (b *Budget) Holders() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.holders
}

func (b *Budget) Capacity() int64 { return b.capacity }
