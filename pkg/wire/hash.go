package wire

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
)

// Hash is the MD5 digest of one chunk. On the wire it travels as two longs.
type Hash [md5.Size]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// MaxHashes bounds the hash list accepted from the peer.
const MaxHashes = 1 << 20

// WriteHashes writes a count followed by (hi, lo) pairs.
func (w *Writer) WriteHashes(hashes []Hash) error {
	if err := w.WriteInt(int64(len(hashes))); err != nil {
		return err
	}
	for _, h := range hashes {
		if err := w.WriteInt(int64(binary.BigEndian.Uint64(h[:8]))); err != nil {
			return err
		}
		if err := w.WriteInt(int64(binary.BigEndian.Uint64(h[8:]))); err != nil {
			return err
		}
	}
	return nil
}

// ReadHashes reads a hash list written by WriteHashes.
func (r *Reader) ReadHashes() ([]Hash, error) {
	n, err := r.readLen(MaxHashes)
	if err != nil {
		return nil, err
	}
	hashes := make([]Hash, n)
	for i := range hashes {
		hi, err := r.ReadInt()
		if err != nil {
			return nil, err
		}
		lo, err := r.ReadInt()
		if err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint64(hashes[i][:8], uint64(hi))
		binary.BigEndian.PutUint64(hashes[i][8:], uint64(lo))
	}
	return hashes, nil
}
