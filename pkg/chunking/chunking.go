// Package chunking implements the chunked transfer sub-protocol.
//
// The receiver hashes a candidate base file in whole chunks and sends the hash
// list. The sender walks its own copy chunk by chunk and answers with either a
// reference to a base chunk carrying the same hash or the literal bytes. The
// receiver rebuilds the file from base reads and literal units until Done.
// Plain (non-chunked) transfers reuse the same unit stream without references.
package chunking

import (
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/paulschiretz/pgl-failover/pkg/hints"
	"github.com/paulschiretz/pgl-failover/pkg/pool"
	"github.com/paulschiretz/pgl-failover/pkg/wire"
)

// ChunkSize is the chunk size both peers agree on.
const ChunkSize = 1024 * 1024

// hashWireSize is the worst-case cost of one hash on the wire (two varint longs).
const hashWireSize = 20

// minSavingDivisor: chunking is only attempted when at least 1/17 of the
// target can come from the base file.
const minSavingDivisor = 17

// ErrAborted is returned by Receive when the sender gave up on a file midway.
var ErrAborted = errors.New("sender aborted transfer")

// Stats describes one transfer.
type Stats struct {
	ReusedChunks int64
	LiteralBytes int64 // plain bytes carried by literal units
	WireBytes    int64 // literal unit bytes as sent (after compression)
	Written      int64 // bytes written to the output
}

// Engine runs transfers with a fixed chunk size and a shared buffer pool.
// It is safe for concurrent use.
type Engine struct {
	chunkSize int
	bufs      *pool.FixedBufferPool
}

// New returns an engine for chunkSize-byte chunks.
func New(chunkSize int) *Engine {
	return &Engine{chunkSize: chunkSize, bufs: pool.NewFixedBuffer(chunkSize)}
}

// ChunkSize returns the engine's chunk size.
func (e *Engine) ChunkSize() int { return e.chunkSize }

// Chunks returns the number of whole chunks in size bytes.
func (e *Engine) Chunks(size int64) int {
	return int(size / int64(e.chunkSize))
}

// Worthwhile reports whether a chunked transfer of a length-byte target against
// a baseSize-byte candidate can plausibly save bandwidth: the base must hold at
// least one whole chunk, the reusable share must reach 1/17 of the target, and
// the hash list must cost less than what it could save.
func (e *Engine) Worthwhile(baseSize, length int64) bool {
	cs := int64(e.chunkSize)
	if baseSize < cs || length < cs {
		return false
	}
	chunks := baseSize / cs
	reusable := min(chunks*cs, length/cs*cs)
	return reusable >= length/minSavingDivisor && chunks*hashWireSize < reusable
}

// HashFile hashes every whole chunk of the file at path. A trailing partial
// chunk is not hashed.
func (e *Engine) HashFile(path string) ([]wire.Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk base %s: %w", path, err)
	}
	defer f.Close()
	return e.Hash(f)
}

// Hash hashes every whole chunk read from r.
func (e *Engine) Hash(r io.Reader) ([]wire.Hash, error) {
	bufPtr := e.bufs.Get()
	defer e.bufs.Put(bufPtr)
	buf := *bufPtr

	var hashes []wire.Hash
	for {
		n, err := io.ReadFull(r, buf)
		if n == len(buf) {
			hashes = append(hashes, md5.Sum(buf))
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return hashes, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read chunk %d: %w", len(hashes), err)
		}
	}
}

// SendFull streams src as literal units followed by Done.
func (e *Engine) SendFull(w *wire.Writer, codec *wire.Codec, src io.Reader) (Stats, error) {
	return e.send(w, codec, src, nil)
}

// SendChunked streams src against the receiver's hash list. Each whole chunk
// whose hash appears in hashes is sent as a reference, preferring the same
// index; everything else goes out as literal bytes.
func (e *Engine) SendChunked(w *wire.Writer, codec *wire.Codec, src io.Reader, hashes []wire.Hash) (Stats, error) {
	index := make(map[wire.Hash]int, len(hashes))
	for i := len(hashes) - 1; i >= 0; i-- {
		index[hashes[i]] = i
	}
	return e.send(w, codec, src, func(i int, h wire.Hash) (int, bool) {
		if i < len(hashes) && hashes[i] == h {
			return i, true
		}
		j, ok := index[h]
		return j, ok
	})
}

func (e *Engine) send(w *wire.Writer, codec *wire.Codec, src io.Reader, lookup func(int, wire.Hash) (int, bool)) (Stats, error) {
	var st Stats
	bufPtr := e.bufs.Get()
	defer e.bufs.Put(bufPtr)
	buf := *bufPtr
	var scratch []byte

	for i := 0; ; i++ {
		n, err := io.ReadFull(src, buf)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			// Tell the receiver to stop waiting for this file; the session goes on.
			if werr := w.WriteError(err.Error()); werr != nil {
				return st, werr
			}
			return st, hints.Transient(fmt.Errorf("failed to read source: %w", err))
		}
		if n > 0 {
			data := buf[:n]
			ref, reused := -1, false
			if lookup != nil && n == len(buf) {
				ref, reused = lookup(i, md5.Sum(data))
			}
			if reused {
				if werr := w.WriteChunkRef(ref); werr != nil {
					return st, werr
				}
				st.ReusedChunks++
			} else {
				var werr error
				if scratch, werr = w.WriteLiteral(codec, data, scratch); werr != nil {
					return st, werr
				}
				st.LiteralBytes += int64(n)
				st.WireBytes += int64(len(scratch))
			}
			st.Written += int64(n)
		}
		if err != nil {
			return st, w.WriteByte(wire.Done)
		}
	}
}

// Receive applies a unit stream to out. base is the candidate file the hash
// list was computed from and baseChunks its number of whole chunks; base is nil
// for a plain transfer, where chunk references are a protocol violation.
func (e *Engine) Receive(r *wire.Reader, codec *wire.Codec, base io.ReaderAt, baseChunks int, out io.Writer) (Stats, error) {
	var st Stats
	bufPtr := e.bufs.Get()
	defer e.bufs.Put(bufPtr)
	chunk := *bufPtr
	var raw, plain []byte

	for {
		u, nraw, nplain, err := r.ReadUnit(codec, base != nil, raw, plain)
		raw, plain = nraw, nplain
		if err != nil {
			return st, err
		}
		switch u.Kind {
		case wire.Done:
			return st, nil
		case wire.Error:
			return st, hints.Transient(fmt.Errorf("%w: %s", ErrAborted, u.Message))
		case wire.NextChunk:
			if u.Chunk >= baseChunks {
				return st, fmt.Errorf("%w: chunk %d beyond base file (%d chunks)", wire.ErrProtocol, u.Chunk, baseChunks)
			}
			if _, err := base.ReadAt(chunk, int64(u.Chunk)*int64(e.chunkSize)); err != nil {
				return st, fmt.Errorf("failed to read base chunk %d: %w", u.Chunk, err)
			}
			if _, err := out.Write(chunk); err != nil {
				return st, err
			}
			st.ReusedChunks++
			st.Written += int64(len(chunk))
		case wire.Next:
			if _, err := out.Write(u.Data); err != nil {
				return st, err
			}
			st.LiteralBytes += int64(len(u.Data))
			st.WireBytes += int64(len(raw))
			st.Written += int64(len(u.Data))
		}
	}
}
