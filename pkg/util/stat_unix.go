package util

import (
	"io/fs"
	"time"

	"golang.org/x/sys/unix"
)

// Stat is a plain value copy of the lstat fields the replication code reads.
type Stat struct {
	Mode    uint32 // raw POSIX mode, type bits included
	Nlink   uint64
	UID     int
	GID     int
	Size    int64
	ModTime int64 // unix nanoseconds
	Rdev    uint64
	Dev     uint64
	Ino     uint64
}

// Lstat stats path without following a final symlink.
func Lstat(path string) (Stat, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return Stat{}, &fs.PathError{Op: "lstat", Path: path, Err: err}
	}
	return Stat{
		Mode:    st.Mode,
		Nlink:   uint64(st.Nlink),
		UID:     int(st.Uid),
		GID:     int(st.Gid),
		Size:    st.Size,
		ModTime: time.Unix(int64(st.Mtim.Sec), int64(st.Mtim.Nsec)).UnixNano(),
		Rdev:    uint64(st.Rdev),
		Dev:     uint64(st.Dev),
		Ino:     st.Ino,
	}, nil
}

// ModTimeMillis returns the modify time in unix milliseconds.
func (s Stat) ModTimeMillis() int64 { return s.ModTime / int64(time.Millisecond) }

// IsRegular reports whether the stat describes a regular file.
func (s Stat) IsRegular() bool { return s.Mode&unix.S_IFMT == unix.S_IFREG }

// IsDir reports whether the stat describes a directory.
func (s Stat) IsDir() bool { return s.Mode&unix.S_IFMT == unix.S_IFDIR }

// Type returns the POSIX type bits.
func (s Stat) Type() uint32 { return s.Mode & unix.S_IFMT }

// SameFile reports whether two stats describe the same inode.
func (s Stat) SameFile(o Stat) bool { return s.Dev == o.Dev && s.Ino == o.Ino }
