package replication

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/paulschiretz/pgl-failover/pkg/util"
	"github.com/paulschiretz/pgl-failover/pkg/wire"
)

// tempPattern names payload and copy-on-write temp files. They are never part
// of a pass, so directory finalization removes any that a crash left behind.
const tempPattern = ".pgl-failover-*.tmp"

// attrs is the metadata a pass applies to an object.
type attrs struct {
	perm    uint32
	uid     int
	gid     int
	modTime int64 // unix ms
	// keepTime leaves the modify time alone.
	keepTime bool
}

func (a attrs) permDiffers(st util.Stat) bool { return st.Mode&0o7777 != a.perm }
func (a attrs) ownerDiffers(st util.Stat) bool {
	return int(st.UID) != a.uid || int(st.GID) != a.gid
}
func (a attrs) timeDiffers(st util.Stat) bool {
	return !a.keepTime && st.ModTimeMillis() != a.modTime
}

func (a attrs) differs(st util.Stat) bool {
	return a.permDiffers(st) || a.ownerDiffers(st) || a.timeDiffers(st)
}

// apply sets owner, mode and modify time on path without following symlinks.
// Ownership goes first because chown clears setuid and setgid bits.
func (a attrs) apply(path string, st util.Stat, isLink bool) error {
	if a.ownerDiffers(st) {
		if err := unix.Lchown(path, a.uid, a.gid); err != nil {
			return &fs.PathError{Op: "lchown", Path: path, Err: err}
		}
	}
	if !isLink && (a.permDiffers(st) || a.ownerDiffers(st)) {
		if err := os.Chmod(path, wire.FileMode(a.perm)); err != nil {
			return err
		}
	}
	if a.timeDiffers(st) {
		if err := setModTime(path, a.modTime); err != nil {
			return err
		}
	}
	return nil
}

// setModTime sets access and modify time of path to ms without following symlinks.
func setModTime(path string, ms int64) error {
	ts := unix.NsecToTimespec(ms * int64(time.Millisecond))
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, path, []unix.Timespec{ts, ts}, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return &fs.PathError{Op: "utimes", Path: path, Err: err}
	}
	return nil
}

// applyRegular corrects a regular file's metadata. A file with other hard
// links is copied first so sibling backup sets sharing the inode keep theirs.
func applyRegular(path string, st util.Stat, a attrs) (bool, error) {
	if !a.differs(st) {
		return false, nil
	}
	if st.Nlink > 1 {
		if err := breakLink(path); err != nil {
			return false, err
		}
		var err error
		if st, err = util.Lstat(path); err != nil {
			return false, err
		}
	}
	return true, a.apply(path, st, false)
}

// breakLink replaces path with a private copy of itself.
func breakLink(path string) (err error) {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.CreateTemp(filepath.Dir(path), tempPattern)
	if err != nil {
		return fmt.Errorf("failed to create copy-on-write temp for %s: %w", path, err)
	}
	tmp := out.Name()
	defer func() {
		if tmp != "" {
			os.Remove(tmp)
		}
	}()

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", path, err)
	}
	if err := out.Close(); err != nil {
		return err
	}

	// The copy starts with the original's metadata; apply() corrects it after the rename.
	st, err := util.Lstat(path)
	if err != nil {
		return err
	}
	keep := attrs{perm: st.Mode & 0o7777, uid: int(st.UID), gid: int(st.GID), modTime: st.ModTimeMillis()}
	tst, err := util.Lstat(tmp)
	if err != nil {
		return err
	}
	if err := keep.apply(tmp, tst, false); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s with its copy: %w", path, err)
	}
	tmp = ""
	return nil
}

// removeAny deletes path whatever its type. A missing path is not an error.
func removeAny(path string) error {
	if err := os.RemoveAll(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// lstat is util.Lstat that reports a missing path as ok=false.
func lstat(path string) (util.Stat, bool, error) {
	st, err := util.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return util.Stat{}, false, nil
	}
	if err != nil {
		return util.Stat{}, false, err
	}
	return st, true, nil
}
