package wire

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Codec transforms literal payload units. When compression is negotiated every
// unit is compressed on its own; the surrounding stream stays uncompressed.
type Codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewCodec returns a codec. With compress false units pass through untouched.
func NewCodec(compress bool) (*Codec, error) {
	if !compress {
		return &Codec{}, nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(MaxUnitLen))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Codec{enc: enc, dec: dec}, nil
}

// Compressed reports whether units are zstd-compressed.
func (c *Codec) Compressed() bool { return c.enc != nil }

// Close releases encoder and decoder resources.
func (c *Codec) Close() {
	if c.enc != nil {
		c.enc.Close()
	}
	if c.dec != nil {
		c.dec.Close()
	}
}

// Encode appends the wire form of src to dst[:0].
func (c *Codec) Encode(dst, src []byte) []byte {
	if c.enc == nil {
		return append(dst[:0], src...)
	}
	return c.enc.EncodeAll(src, dst[:0])
}

// Decode appends the plain form of the wire unit src to dst[:0].
func (c *Codec) Decode(dst, src []byte) ([]byte, error) {
	if c.dec == nil {
		return append(dst[:0], src...), nil
	}
	out, err := c.dec.DecodeAll(src, dst[:0])
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt compressed unit: %w", ErrProtocol, err)
	}
	return out, nil
}

// WriteLiteral writes a Next unit carrying data, encoded through c.
// scratch is reused for the encoded form and returned for the next call.
func (w *Writer) WriteLiteral(c *Codec, data, scratch []byte) ([]byte, error) {
	scratch = c.Encode(scratch, data)
	if err := w.WriteByte(Next); err != nil {
		return scratch, err
	}
	return scratch, w.WriteBytes(scratch)
}

// WriteChunkRef writes a NextChunk unit referencing chunk index of the base file.
func (w *Writer) WriteChunkRef(index int) error {
	if err := w.WriteByte(NextChunk); err != nil {
		return err
	}
	return w.WriteInt(int64(index))
}

// Unit is one decoded payload instruction.
type Unit struct {
	Kind  byte // Next, NextChunk, Done or Error
	Data  []byte
	Chunk int
	// Message is set for Error units: the sender gave up on this file.
	Message string
}

// ReadUnit reads one payload unit. allowChunks is false for plain data
// transfers, where a NextChunk marker is a protocol violation. raw and plain are
// reused scratch buffers; Data aliases plain.
func (r *Reader) ReadUnit(c *Codec, allowChunks bool, raw, plain []byte) (Unit, []byte, []byte, error) {
	kind, err := r.ReadByte()
	if err != nil {
		return Unit{}, raw, plain, err
	}
	switch kind {
	case Done:
		return Unit{Kind: Done}, raw, plain, nil
	case Error:
		msg, err := r.ReadString()
		return Unit{Kind: Error, Message: msg}, raw, plain, err
	case Next:
		raw, err = r.ReadBytes(raw, MaxUnitLen)
		if err != nil {
			return Unit{}, raw, plain, err
		}
		plain, err = c.Decode(plain, raw)
		if err != nil {
			return Unit{}, raw, plain, err
		}
		return Unit{Kind: Next, Data: plain}, raw, plain, nil
	case NextChunk:
		if !allowChunks {
			return Unit{}, raw, plain, ProtocolErrorf("chunk reference in a plain data transfer")
		}
		idx, err := r.ReadInt()
		if err != nil {
			return Unit{}, raw, plain, err
		}
		if idx < 0 {
			return Unit{}, raw, plain, ProtocolErrorf("negative chunk index %d", idx)
		}
		return Unit{Kind: NextChunk, Chunk: int(idx)}, raw, plain, nil
	default:
		return Unit{}, raw, plain, ProtocolErrorf("unexpected payload marker 0x%02x", kind)
	}
}
