// Package wire implements the byte-level protocol spoken between a replication
// sender and the failover daemon.
//
// All integers are sent as signed varints, strings and byte slices are
// length-prefixed, and single status bytes steer the conversation. The
// exchange is strictly half-duplex per batch: the sender writes a batch of
// entries, the daemon answers with one status byte per present entry, and
// then payloads flow for every entry that asked for data.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ProtocolVersion is bumped whenever the framing changes incompatibly.
const ProtocolVersion = 3

// Status and marker bytes.
const (
	Proceed                    byte = 'P'
	Error                      byte = 'E'
	Done                       byte = 'D'
	NoChange                   byte = '='
	Modified                   byte = 'M'
	ModifiedRequestData        byte = 'R'
	ModifiedRequestDataChunked byte = 'C'
	Next                       byte = 'n'
	NextChunk                  byte = 'c'
)

const (
	// MaxStringLen bounds every length-prefixed string read from the peer.
	MaxStringLen = 64 * 1024
	// MaxUnitLen bounds a single payload unit as it appears on the wire.
	MaxUnitLen = 8 * 1024 * 1024
	// EndOfStream is the batch size that terminates the entry stream.
	EndOfStream = -1
)

// ErrProtocol marks a protocol violation. Sessions abort on it.
var ErrProtocol = errors.New("protocol violation")

// ProtocolErrorf returns an error wrapping ErrProtocol.
func ProtocolErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

// Writer encodes protocol primitives into a buffered stream.
// Nothing reaches the peer until Flush is called.
type Writer struct {
	w   *bufio.Writer
	tmp [binary.MaxVarintLen64]byte
}

// NewWriter wraps w with a buffer of the given size.
func NewWriter(w io.Writer, size int) *Writer {
	return &Writer{w: bufio.NewWriterSize(w, size)}
}

// Flush pushes buffered data to the underlying stream.
func (w *Writer) Flush() error {
	return w.w.Flush()
}

// WriteByte writes a single status or marker byte.
func (w *Writer) WriteByte(b byte) error {
	return w.w.WriteByte(b)
}

// WriteBool writes a boolean as one byte.
func (w *Writer) WriteBool(v bool) error {
	if v {
		return w.w.WriteByte(1)
	}
	return w.w.WriteByte(0)
}

// WriteInt writes a signed varint.
func (w *Writer) WriteInt(v int64) error {
	n := binary.PutVarint(w.tmp[:], v)
	_, err := w.w.Write(w.tmp[:n])
	return err
}

// WriteString writes a length-prefixed string.
func (w *Writer) WriteString(s string) error {
	if err := w.WriteInt(int64(len(s))); err != nil {
		return err
	}
	_, err := w.w.WriteString(s)
	return err
}

// WriteBytes writes a length-prefixed byte slice.
func (w *Writer) WriteBytes(b []byte) error {
	if err := w.WriteInt(int64(len(b))); err != nil {
		return err
	}
	_, err := w.w.Write(b)
	return err
}

// WriteError sends an Error marker followed by a message.
func (w *Writer) WriteError(msg string) error {
	if err := w.WriteByte(Error); err != nil {
		return err
	}
	return w.WriteString(msg)
}

// Reader decodes protocol primitives from a buffered stream.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r with a buffer of the given size.
func NewReader(r io.Reader, size int) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, size)}
}

// ReadByte reads a single status or marker byte.
func (r *Reader) ReadByte() (byte, error) {
	return r.r.ReadByte()
}

// ReadBool reads a boolean. Any value other than 0 or 1 is a protocol violation.
func (r *Reader) ReadBool() (bool, error) {
	b, err := r.r.ReadByte()
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, ProtocolErrorf("invalid boolean byte 0x%02x", b)
	}
}

// ReadInt reads a signed varint.
func (r *Reader) ReadInt() (int64, error) {
	v, err := binary.ReadVarint(r.r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return v, nil
}

func (r *Reader) readLen(limit int) (int, error) {
	n, err := r.ReadInt()
	if err != nil {
		return 0, err
	}
	if n < 0 || n > int64(limit) {
		return 0, ProtocolErrorf("length %d out of range [0,%d]", n, limit)
	}
	return int(n), nil
}

// ReadString reads a length-prefixed string of at most MaxStringLen bytes.
func (r *Reader) ReadString() (string, error) {
	n, err := r.readLen(MaxStringLen)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// ReadBytes reads a length-prefixed byte slice of at most limit bytes.
// buf is reused when it is large enough.
func (r *Reader) ReadBytes(buf []byte, limit int) ([]byte, error) {
	n, err := r.readLen(limit)
	if err != nil {
		return nil, err
	}
	if cap(buf) < n {
		buf = make([]byte, n)
	}
	buf = buf[:n]
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadStatus reads a status byte and converts an Error marker into an error
// carrying the peer's message.
func (r *Reader) ReadStatus() (byte, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	if b == Error {
		msg, err := r.ReadString()
		if err != nil {
			return 0, err
		}
		return 0, &PeerError{Message: msg}
	}
	return b, nil
}

// PeerError carries an error message reported by the remote side.
type PeerError struct {
	Message string
}

func (e *PeerError) Error() string {
	return "peer reported error: " + e.Message
}
