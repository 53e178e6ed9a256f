// Package pool provides reusable byte buffers for payload I/O.
//
// sync.Pool is a mechanism to cache allocated but unused objects for later reuse,
// relieving pressure on the garbage collector. It is safe for concurrent use.
// Items in the Pool are automatically removed during garbage collection,
// so it suits short-lived buffers, not persistent resources.
package pool

import "sync"

// FixedBufferPool hands out byte slices of exactly one size.
type FixedBufferPool struct {
	size int
	pool sync.Pool
}

// NewFixedBuffer creates a pool of size-byte buffers. size must be positive.
func NewFixedBuffer(size int) *FixedBufferPool {
	if size <= 0 {
		panic("buffer size must be positive")
	}
	return &FixedBufferPool{
		size: size,
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, size)
				return &b
			},
		},
	}
}

// Size returns the length of the buffers handed out by this pool.
func (fp *FixedBufferPool) Size() int {
	return fp.size
}

// Get returns a buffer of full length.
func (fp *FixedBufferPool) Get() *[]byte {
	b := fp.pool.Get().(*[]byte)
	// Callers may have resliced before Put; always hand out the full length.
	*b = (*b)[:fp.size]
	return b
}

// Put returns a buffer to the pool. Foreign-sized buffers are dropped.
func (fp *FixedBufferPool) Put(b *[]byte) {
	if b == nil || cap(*b) != fp.size {
		return
	}
	*b = (*b)[:fp.size]
	fp.pool.Put(b)
}
