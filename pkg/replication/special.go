package replication

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/paulschiretz/pgl-failover/pkg/util"
	"github.com/paulschiretz/pgl-failover/pkg/wire"
)

// dirWorkPerm keeps directories writable for the daemon while their entries arrive.
const dirWorkPerm = 0o700

// posixType returns the S_IFMT bits for a wire file type.
func posixType(e *wire.FileEntry) uint32 { return e.Mode & unix.S_IFMT }

// sameObject reports whether st (and, for symlinks, its target) already
// describes e. It decides between Modified and NoChange.
func sameObject(e *wire.FileEntry, a attrs, path string, st util.Stat) bool {
	if st.Type() != posixType(e) || a.ownerDiffers(st) {
		return false
	}
	switch e.Type() {
	case wire.TypeSymlink:
		target, err := os.Readlink(path)
		return err == nil && target == e.LinkTarget
	case wire.TypeCharDevice, wire.TypeBlockDevice:
		if st.Rdev != e.Rdev {
			return false
		}
	}
	return !a.permDiffers(st) && !a.timeDiffers(st)
}

// special reconciles a directory, symlink, FIFO or device node at target.
func (s *session) special(e *wire.FileEntry, target, linkTo string, a attrs) (byte, error) {
	st, exists, err := lstat(target)
	if err != nil {
		return 0, err
	}

	status := wire.Modified
	if linkTo != "" {
		if lst, ok, err := lstat(linkTo); err == nil && ok && sameObject(e, a, linkTo, lst) {
			status = wire.NoChange
		}
	} else if exists && sameObject(e, a, target, st) {
		status = wire.NoChange
	}

	if exists && !s.reusable(e, target, st) {
		s.log.Notice("REPLACE", "path", e.Path, "type", e.Type())
		if err := removeAny(target); err != nil {
			return 0, err
		}
		s.cache.Remove(filepath.Dir(target), filepath.Base(target))
		exists = false
	}
	if !exists {
		if err := create(e, target); err != nil {
			return 0, err
		}
	}
	if st, err = util.Lstat(target); err != nil {
		return 0, err
	}

	switch e.Type() {
	case wire.TypeDirectory:
		// Mode and time are set when the directory closes.
		work := attrs{perm: st.Mode&0o7777 | dirWorkPerm, uid: a.uid, gid: a.gid, keepTime: true}
		err = work.apply(target, st, false)
	case wire.TypeSymlink:
		err = attrs{uid: a.uid, gid: a.gid, keepTime: true}.apply(target, st, true)
	default:
		err = a.apply(target, st, false)
	}
	return status, err
}

// reusable reports whether the existing object at target can be kept and
// corrected in place.
func (s *session) reusable(e *wire.FileEntry, target string, st util.Stat) bool {
	if st.Type() != posixType(e) {
		return false
	}
	switch e.Type() {
	case wire.TypeSymlink:
		t, err := os.Readlink(target)
		return err == nil && t == e.LinkTarget
	case wire.TypeCharDevice, wire.TypeBlockDevice:
		return st.Rdev == e.Rdev
	}
	return true
}

func create(e *wire.FileEntry, target string) error {
	var err error
	switch e.Type() {
	case wire.TypeDirectory:
		err = os.Mkdir(target, dirWorkPerm)
	case wire.TypeSymlink:
		err = os.Symlink(e.LinkTarget, target)
	case wire.TypeFIFO:
		err = unix.Mkfifo(target, e.Perm())
	case wire.TypeCharDevice, wire.TypeBlockDevice:
		err = unix.Mknod(target, posixType(e)|e.Perm(), int(e.Rdev))
	default:
		return wire.ProtocolErrorf("cannot create %s of type %s", e.Path, e.Type())
	}
	if err != nil {
		return fmt.Errorf("failed to create %s %s: %w", e.Type(), target, err)
	}
	return nil
}
