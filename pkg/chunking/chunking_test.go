package chunking

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulschiretz/pgl-failover/pkg/hints"
	"github.com/paulschiretz/pgl-failover/pkg/wire"
)

const testChunk = 1024

func randomBytes(t *testing.T, n int, seed int64) []byte {
	t.Helper()
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

// roundTrip sends target against base through an in-memory stream and returns
// the rebuilt content together with the receive stats.
func roundTrip(t *testing.T, e *Engine, compress bool, base, target []byte) ([]byte, Stats) {
	t.Helper()
	codec, err := wire.NewCodec(compress)
	if err != nil {
		t.Fatal(err)
	}
	defer codec.Close()

	hashes, err := e.Hash(bytes.NewReader(base))
	if err != nil {
		t.Fatal(err)
	}

	var stream bytes.Buffer
	w := wire.NewWriter(&stream, 4096)
	if _, err := e.SendChunked(w, codec, bytes.NewReader(target), hashes); err != nil {
		t.Fatalf("SendChunked: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	st, err := e.Receive(wire.NewReader(&stream, 4096), codec, bytes.NewReader(base), len(hashes), &out)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	return out.Bytes(), st
}

func TestHash_ExcludesTrailingPartialChunk(t *testing.T) {
	e := New(testChunk)
	hashes, err := e.Hash(bytes.NewReader(make([]byte, 3*testChunk+10)))
	if err != nil {
		t.Fatal(err)
	}
	if len(hashes) != 3 {
		t.Errorf("got %d hashes, want 3", len(hashes))
	}
	if hashes, _ := e.Hash(bytes.NewReader(make([]byte, testChunk-1))); len(hashes) != 0 {
		t.Errorf("file smaller than a chunk should yield no hashes, got %d", len(hashes))
	}
}

func TestChunkBoundaries(t *testing.T) {
	const k = 8
	e := New(testChunk)
	base := randomBytes(t, k*testChunk, 1)

	t.Run("last chunk differs", func(t *testing.T) {
		target := bytes.Clone(base)
		target[len(target)-1] ^= 0xff
		got, st := roundTrip(t, e, false, base, target)
		if !bytes.Equal(got, target) {
			t.Fatal("rebuilt content differs from target")
		}
		if st.ReusedChunks != k-1 || st.LiteralBytes != testChunk {
			t.Errorf("reused=%d literal=%d; want %d reused and %d literal bytes", st.ReusedChunks, st.LiteralBytes, k-1, testChunk)
		}
	})

	for _, i := range []int{0, 3, k - 1} {
		t.Run(fmt.Sprintf("only chunk %d differs", i), func(t *testing.T) {
			target := bytes.Clone(base)
			target[i*testChunk+5] ^= 0x01
			got, st := roundTrip(t, e, true, base, target)
			if !bytes.Equal(got, target) {
				t.Fatal("rebuilt content differs from target")
			}
			if st.ReusedChunks != k-1 || st.LiteralBytes != testChunk {
				t.Errorf("chunk %d: reused=%d literal=%d", i, st.ReusedChunks, st.LiteralBytes)
			}
		})
	}

	t.Run("appended tail", func(t *testing.T) {
		target := append(bytes.Clone(base), []byte("new log lines\n")...)
		got, st := roundTrip(t, e, false, base, target)
		if !bytes.Equal(got, target) {
			t.Fatal("rebuilt content differs from target")
		}
		if st.ReusedChunks != k || st.LiteralBytes != 14 {
			t.Errorf("reused=%d literal=%d", st.ReusedChunks, st.LiteralBytes)
		}
	})

	t.Run("shifted chunks are found by hash", func(t *testing.T) {
		// Swap chunks 0 and 1: both still exist in base, at other indices.
		target := bytes.Clone(base)
		copy(target[:testChunk], base[testChunk:2*testChunk])
		copy(target[testChunk:2*testChunk], base[:testChunk])
		got, st := roundTrip(t, e, false, base, target)
		if !bytes.Equal(got, target) {
			t.Fatal("rebuilt content differs from target")
		}
		if st.ReusedChunks != k || st.LiteralBytes != 0 {
			t.Errorf("reused=%d literal=%d; want all chunks reused", st.ReusedChunks, st.LiteralBytes)
		}
	})
}

func TestWorthwhile(t *testing.T) {
	e := New(testChunk)
	testCases := []struct {
		name           string
		baseSize, size int64
		want           bool
	}{
		{"base smaller than a chunk", testChunk - 1, 10 * testChunk, false},
		{"target smaller than a chunk", 10 * testChunk, testChunk - 1, false},
		{"same size", 10 * testChunk, 10 * testChunk, true},
		{"base covers less than 1/17", testChunk, 20 * testChunk, false},
		{"base covers exactly 1/17", testChunk, 17 * testChunk, true},
		{"grown log", 100 * testChunk, 101 * testChunk, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := e.Worthwhile(tc.baseSize, tc.size); got != tc.want {
				t.Errorf("Worthwhile(%d, %d) = %v, want %v", tc.baseSize, tc.size, got, tc.want)
			}
		})
	}
}

func TestSendFullAndReceive(t *testing.T) {
	e := New(testChunk)
	codec, _ := wire.NewCodec(true)
	defer codec.Close()
	data := randomBytes(t, 5*testChunk/2, 2)

	var stream bytes.Buffer
	w := wire.NewWriter(&stream, 4096)
	if _, err := e.SendFull(w, codec, bytes.NewReader(data)); err != nil {
		t.Fatal(err)
	}
	_ = w.Flush()

	var out bytes.Buffer
	st, err := e.Receive(wire.NewReader(&stream, 4096), codec, nil, 0, &out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out.Bytes(), data) || st.Written != int64(len(data)) {
		t.Errorf("received %d bytes, want %d", out.Len(), len(data))
	}
}

func TestReceive_RejectsChunkBeyondBase(t *testing.T) {
	e := New(testChunk)
	codec, _ := wire.NewCodec(false)
	var stream bytes.Buffer
	w := wire.NewWriter(&stream, 4096)
	_ = w.WriteChunkRef(2)
	_ = w.Flush()

	_, err := e.Receive(wire.NewReader(&stream, 4096), codec, bytes.NewReader(make([]byte, 2*testChunk)), 2, io.Discard)
	if !errors.Is(err, wire.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

type failingReader struct{ n int }

func (f *failingReader) Read(p []byte) (int, error) {
	if f.n > 0 {
		n := min(f.n, len(p))
		f.n -= n
		return n, nil
	}
	return 0, errors.New("input/output error")
}

func TestSourceReadFailureAbortsFileOnly(t *testing.T) {
	e := New(testChunk)
	codec, _ := wire.NewCodec(false)
	var stream bytes.Buffer
	w := wire.NewWriter(&stream, 4096)

	_, err := e.SendFull(w, codec, &failingReader{n: testChunk + 3})
	if !hints.IsTransient(err) {
		t.Fatalf("sender should report a transient error, got %v", err)
	}
	_ = w.Flush()

	var out bytes.Buffer
	st, err := e.Receive(wire.NewReader(&stream, 4096), codec, nil, 0, &out)
	if !errors.Is(err, ErrAborted) || !hints.IsTransient(err) {
		t.Fatalf("expected transient ErrAborted, got %v", err)
	}
	if st.Written != testChunk {
		t.Errorf("receiver wrote %d bytes before abort, want %d", st.Written, testChunk)
	}
}

func TestHashFile(t *testing.T) {
	e := New(testChunk)
	path := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(path, randomBytes(t, 2*testChunk, 3), 0644); err != nil {
		t.Fatal(err)
	}
	hashes, err := e.HashFile(path)
	if err != nil || len(hashes) != 2 {
		t.Fatalf("HashFile = %d hashes, %v", len(hashes), err)
	}
	if _, err := e.HashFile(path + ".missing"); err == nil {
		t.Error("expected error for missing file")
	}
}
