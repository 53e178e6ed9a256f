package wire

import (
	"io/fs"
	"path"
	"strings"

	"golang.org/x/sys/unix"
)

// FileEntry describes one filesystem object of a replication pass.
//
// Mode carries raw POSIX bits, so the file type travels with it. Length is only
// meaningful for regular files, ModTime (unix milliseconds) is absent for
// symlinks, LinkTarget is only set for symlinks and Rdev only for devices.
type FileEntry struct {
	Path       string
	Mode       uint32
	Length     int64
	UID        int
	GID        int
	ModTime    int64
	LinkTarget string
	Rdev       uint64
}

// FileType classifies the POSIX type bits of a mode.
type FileType int

const (
	TypeUnknown FileType = iota
	TypeRegular
	TypeDirectory
	TypeSymlink
	TypeFIFO
	TypeCharDevice
	TypeBlockDevice
	TypeSocket
)

func (t FileType) String() string {
	switch t {
	case TypeRegular:
		return "file"
	case TypeDirectory:
		return "dir"
	case TypeSymlink:
		return "symlink"
	case TypeFIFO:
		return "fifo"
	case TypeCharDevice:
		return "chardev"
	case TypeBlockDevice:
		return "blockdev"
	case TypeSocket:
		return "socket"
	default:
		return "unknown"
	}
}

// TypeOf returns the file type encoded in POSIX mode bits.
func TypeOf(mode uint32) FileType {
	switch mode & unix.S_IFMT {
	case unix.S_IFREG:
		return TypeRegular
	case unix.S_IFDIR:
		return TypeDirectory
	case unix.S_IFLNK:
		return TypeSymlink
	case unix.S_IFIFO:
		return TypeFIFO
	case unix.S_IFCHR:
		return TypeCharDevice
	case unix.S_IFBLK:
		return TypeBlockDevice
	case unix.S_IFSOCK:
		return TypeSocket
	default:
		return TypeUnknown
	}
}

// Type returns the entry's file type.
func (e *FileEntry) Type() FileType { return TypeOf(e.Mode) }

// IsDevice reports whether the entry is a block or character device.
func (e *FileEntry) IsDevice() bool {
	t := e.Type()
	return t == TypeCharDevice || t == TypeBlockDevice
}

// Perm returns the permission bits (including setuid, setgid and sticky) as POSIX bits.
func (e *FileEntry) Perm() uint32 { return e.Mode & 0o7777 }

// FileMode converts POSIX permission bits into an fs.FileMode suitable for os.Chmod.
func FileMode(posix uint32) fs.FileMode {
	m := fs.FileMode(posix & 0o777)
	if posix&unix.S_ISUID != 0 {
		m |= fs.ModeSetuid
	}
	if posix&unix.S_ISGID != 0 {
		m |= fs.ModeSetgid
	}
	if posix&unix.S_ISVTX != 0 {
		m |= fs.ModeSticky
	}
	return m
}

// POSIXMode converts an fs.FileMode (type and permissions) into POSIX bits.
func POSIXMode(m fs.FileMode) uint32 {
	p := uint32(m.Perm())
	if m&fs.ModeSetuid != 0 {
		p |= unix.S_ISUID
	}
	if m&fs.ModeSetgid != 0 {
		p |= unix.S_ISGID
	}
	if m&fs.ModeSticky != 0 {
		p |= unix.S_ISVTX
	}
	switch {
	case m.IsRegular():
		p |= unix.S_IFREG
	case m.IsDir():
		p |= unix.S_IFDIR
	case m&fs.ModeSymlink != 0:
		p |= unix.S_IFLNK
	case m&fs.ModeNamedPipe != 0:
		p |= unix.S_IFIFO
	case m&fs.ModeSocket != 0:
		p |= unix.S_IFSOCK
	case m&fs.ModeCharDevice != 0:
		p |= unix.S_IFCHR
	case m&fs.ModeDevice != 0:
		p |= unix.S_IFBLK
	}
	return p
}

// ValidatePath rejects relative paths that could escape the backup root or
// resolve to one of their own ancestors: the path must start with "/", must
// not contain a ".." segment and must already be in clean form (no empty,
// "." or trailing segments).
func ValidatePath(p string) error {
	if !strings.HasPrefix(p, "/") {
		return ProtocolErrorf("path %q is not absolute", p)
	}
	if strings.IndexByte(p, 0) >= 0 {
		return ProtocolErrorf("path %q contains a NUL byte", p)
	}
	if p == "/.." || strings.Contains(p, "/../") || strings.HasSuffix(p, "/..") {
		return ProtocolErrorf("path %q contains a parent segment", p)
	}
	if p != "/" && path.Clean(p) != p {
		return ProtocolErrorf("path %q is not in clean form", p)
	}
	return nil
}

// WriteEntry writes a batch slot. A nil entry is written as an absent slot.
func (w *Writer) WriteEntry(e *FileEntry) error {
	if e == nil {
		return w.WriteBool(false)
	}
	if err := w.WriteBool(true); err != nil {
		return err
	}
	if err := w.WriteString(e.Path); err != nil {
		return err
	}
	if err := w.WriteInt(int64(e.Mode)); err != nil {
		return err
	}
	t := e.Type()
	if t == TypeRegular {
		if err := w.WriteInt(e.Length); err != nil {
			return err
		}
	}
	if err := w.WriteInt(int64(e.UID)); err != nil {
		return err
	}
	if err := w.WriteInt(int64(e.GID)); err != nil {
		return err
	}
	if t == TypeSymlink {
		return w.WriteString(e.LinkTarget)
	}
	if err := w.WriteInt(e.ModTime); err != nil {
		return err
	}
	if e.IsDevice() {
		return w.WriteInt(int64(e.Rdev))
	}
	return nil
}

// ReadEntry reads one batch slot. It returns nil for an absent slot.
func (r *Reader) ReadEntry() (*FileEntry, error) {
	present, err := r.ReadBool()
	if err != nil || !present {
		return nil, err
	}
	e := &FileEntry{}
	if e.Path, err = r.ReadString(); err != nil {
		return nil, err
	}
	mode, err := r.ReadInt()
	if err != nil {
		return nil, err
	}
	if mode < 0 || mode > 0xffff {
		return nil, ProtocolErrorf("mode %o out of range for %s", mode, e.Path)
	}
	e.Mode = uint32(mode)
	t := e.Type()
	if t == TypeUnknown || t == TypeSocket {
		return nil, ProtocolErrorf("unsupported file type %o for %s", mode, e.Path)
	}
	if t == TypeRegular {
		if e.Length, err = r.ReadInt(); err != nil {
			return nil, err
		}
		if e.Length < 0 {
			return nil, ProtocolErrorf("negative length for %s", e.Path)
		}
	}
	uid, err := r.ReadInt()
	if err != nil {
		return nil, err
	}
	gid, err := r.ReadInt()
	if err != nil {
		return nil, err
	}
	e.UID, e.GID = int(uid), int(gid)
	if t == TypeSymlink {
		if e.LinkTarget, err = r.ReadString(); err != nil {
			return nil, err
		}
		return e, nil
	}
	if e.ModTime, err = r.ReadInt(); err != nil {
		return nil, err
	}
	if e.IsDevice() {
		rdev, err := r.ReadInt()
		if err != nil {
			return nil, err
		}
		e.Rdev = uint64(rdev)
	}
	return e, nil
}

// WriteBatch writes a batch size followed by its slots.
func (w *Writer) WriteBatch(entries []*FileEntry) error {
	if err := w.WriteInt(int64(len(entries))); err != nil {
		return err
	}
	for _, e := range entries {
		if err := w.WriteEntry(e); err != nil {
			return err
		}
	}
	return nil
}

// WriteEndOfStream writes the terminating batch size.
func (w *Writer) WriteEndOfStream() error {
	return w.WriteInt(EndOfStream)
}

// ReadBatch reads one batch. end is true when the sender terminated the
// stream. Absent slots are returned as nil elements.
func (r *Reader) ReadBatch(maxSize int) (entries []*FileEntry, end bool, err error) {
	n, err := r.ReadInt()
	if err != nil {
		return nil, false, err
	}
	if n == EndOfStream {
		return nil, true, nil
	}
	if n < 0 || n > int64(maxSize) {
		return nil, false, ProtocolErrorf("batch size %d out of range [0,%d]", n, maxSize)
	}
	entries = make([]*FileEntry, n)
	for i := range entries {
		if entries[i], err = r.ReadEntry(); err != nil {
			return nil, false, err
		}
	}
	return entries, false, nil
}
