package pool

import "testing"

func TestFixedBufferPool(t *testing.T) {
	fp := NewFixedBuffer(4096)
	if fp.Size() != 4096 {
		t.Fatalf("Size() = %d, want 4096", fp.Size())
	}

	b := fp.Get()
	if len(*b) != 4096 {
		t.Errorf("Get() len = %d, want 4096", len(*b))
	}

	// Reslice before returning; the next Get must restore the full length.
	*b = (*b)[:10]
	fp.Put(b)
	b2 := fp.Get()
	if len(*b2) != 4096 {
		t.Errorf("Get() after resliced Put len = %d, want 4096", len(*b2))
	}

	// Foreign buffers are ignored rather than poisoning the pool.
	foreign := make([]byte, 100)
	fp.Put(&foreign)
	fp.Put(nil)
}

func TestFixedBufferPool_InvalidSize(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for non-positive size")
		}
	}()
	NewFixedBuffer(0)
}
