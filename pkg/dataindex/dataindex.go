// Package dataindex maintains the content index of a backup partition: a flat
// directory of gzip files hard-linked into the backup trees, so identical
// compressed files (rotated logs, dumps) are stored once per partition.
//
// Entries are named <md5>-<collision>-<link>.gz. The collision number separates
// distinct files sharing a hash (or sharing content but not metadata, since hard
// links share ownership, mode and modify time). The link number adds another
// physical copy once an entry approaches the per-inode link ceiling.
//
// The index never holds the only copy of anything: every backup tree links the
// entry under its own name. Losing the index only loses future deduplication.
package dataindex

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/pgzip"

	"github.com/paulschiretz/pgl-failover/pkg/hints"
	"github.com/paulschiretz/pgl-failover/pkg/plog"
	"github.com/paulschiretz/pgl-failover/pkg/util"
	"github.com/paulschiretz/pgl-failover/pkg/wire"
)

// DirName is the index directory below a backup partition.
const DirName = "DATA-INDEX"

// DefaultMaxLinks leaves headroom below the link limit of common filesystems.
const DefaultMaxLinks = 60000

// maxCollisions bounds the collision chain walked per hash.
const maxCollisions = 1000

// Suffix marks files eligible for the index.
const Suffix = ".gz"

var (
	// ErrNoOrphans is a hint: the sweep found nothing to delete.
	ErrNoOrphans = hints.New("no orphaned index entries")
	// ErrNotEligible is a hint: the file cannot be shared through the index.
	ErrNotEligible = hints.New("file not eligible for the content index")
)

// Entry identifies one physical index file.
type Entry struct {
	Sum       wire.Hash
	Collision int
	Link      int
}

// Name returns the entry's file name.
func (e Entry) Name() string {
	return fmt.Sprintf("%s-%d-%d%s", e.Sum, e.Collision, e.Link, Suffix)
}

// ParseEntry parses an index file name.
func ParseEntry(name string) (Entry, bool) {
	base, ok := strings.CutSuffix(name, Suffix)
	if !ok {
		return Entry{}, false
	}
	parts := strings.Split(base, "-")
	if len(parts) != 3 || len(parts[0]) != 2*len(wire.Hash{}) {
		return Entry{}, false
	}
	var e Entry
	for i := range e.Sum {
		b, err := strconv.ParseUint(parts[0][2*i:2*i+2], 16, 8)
		if err != nil {
			return Entry{}, false
		}
		e.Sum[i] = byte(b)
	}
	var err error
	if e.Collision, err = strconv.Atoi(parts[1]); err != nil || e.Collision < 0 {
		return Entry{}, false
	}
	if e.Link, err = strconv.Atoi(parts[2]); err != nil || e.Link < 0 {
		return Entry{}, false
	}
	return e, true
}

// Result reports what Share did with a file.
type Result int

const (
	// Adopted: the file became a new index entry.
	Adopted Result = iota
	// Linked: the file was replaced by a hard link to an existing entry.
	Linked
	// AlreadyShared: the file already was an index entry.
	AlreadyShared
)

// Index is the content index of one partition. It is safe for concurrent use.
type Index struct {
	dir      string
	maxLinks uint64
	// mu serializes mutations of the index directory. The sweep takes it per
	// entry so inserts never wait for a whole sweep.
	mu sync.Mutex
}

// Open prepares the index below partition, creating the directory if needed.
// Most callers should go through a Registry instead.
func Open(partition string, maxLinks uint64) (*Index, error) {
	if maxLinks < 2 {
		maxLinks = DefaultMaxLinks
	}
	dir := filepath.Join(partition, DirName)
	if err := os.MkdirAll(dir, util.PrivateDirPerms); err != nil {
		return nil, fmt.Errorf("failed to create content index %s: %w", dir, err)
	}
	return &Index{dir: dir, maxLinks: maxLinks}, nil
}

// Dir returns the index directory.
func (ix *Index) Dir() string { return ix.dir }

// Eligible reports whether a file of this name and size may be shared.
func Eligible(name string, size int64) bool {
	return size > 0 && strings.HasSuffix(name, Suffix)
}

// Lookup returns the existing entries for sum in collision/link order.
func (ix *Index) Lookup(sum wire.Hash) ([]Entry, error) {
	matches, err := filepath.Glob(filepath.Join(ix.dir, sum.String()+"-*"+Suffix))
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for _, m := range matches {
		if e, ok := ParseEntry(filepath.Base(m)); ok {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// Share deduplicates the gzip file at path against the index. Content and
// metadata (size, mode, owner, modify time) must all match for path to be
// replaced by a link to an existing entry; otherwise path itself is adopted
// as a new entry. A file that is not a complete gzip stream is refused.
func (ix *Index) Share(path string) (Result, Entry, error) {
	st, err := util.Lstat(path)
	if err != nil {
		return 0, Entry{}, err
	}
	if !st.IsRegular() || !Eligible(path, st.Size) {
		return 0, Entry{}, ErrNotEligible
	}
	sum, err := digestGzip(path)
	if err != nil {
		return 0, Entry{}, err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	for c := 0; c < maxCollisions; c++ {
		matched := false
		l := 0
		for ; ; l++ {
			e := Entry{Sum: sum, Collision: c, Link: l}
			entryPath := filepath.Join(ix.dir, e.Name())
			est, err := util.Lstat(entryPath)
			if errors.Is(err, fs.ErrNotExist) {
				break
			}
			if err != nil {
				return 0, Entry{}, err
			}
			if est.SameFile(st) {
				return AlreadyShared, e, nil
			}
			same, err := sameFile(entryPath, est, path, st)
			if err != nil {
				return 0, Entry{}, err
			}
			if !same {
				continue
			}
			matched = true
			if est.Nlink < ix.maxLinks {
				if err := replaceWithLink(entryPath, path); err != nil {
					return 0, Entry{}, err
				}
				return Linked, e, nil
			}
		}
		// Every matching copy is full (add another copy), or the chain is empty.
		if matched || l == 0 {
			e := Entry{Sum: sum, Collision: c, Link: l}
			if err := os.Link(path, filepath.Join(ix.dir, e.Name())); err != nil {
				return 0, Entry{}, fmt.Errorf("failed to add %s to content index: %w", path, err)
			}
			return Adopted, e, nil
		}
	}
	return 0, Entry{}, fmt.Errorf("too many collisions for %s", sum)
}

// digestGzip hashes the file and verifies it is a complete gzip stream.
func digestGzip(path string) (wire.Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return wire.Hash{}, err
	}
	defer f.Close()

	h := md5.New()
	tee := io.TeeReader(f, h)
	zr, err := pgzip.NewReader(tee)
	if err != nil {
		return wire.Hash{}, fmt.Errorf("%w: %s: %w", ErrNotEligible, path, err)
	}
	if _, err := io.Copy(io.Discard, zr); err != nil {
		zr.Close()
		return wire.Hash{}, fmt.Errorf("%w: %s: %w", ErrNotEligible, path, err)
	}
	zr.Close()
	// Trailing bytes after the gzip stream are still part of the file.
	if _, err := io.Copy(io.Discard, tee); err != nil {
		return wire.Hash{}, err
	}
	var sum wire.Hash
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

// sameFile compares metadata first and content second.
func sameFile(aPath string, a util.Stat, bPath string, b util.Stat) (bool, error) {
	if a.Size != b.Size || a.Mode != b.Mode || a.UID != b.UID || a.GID != b.GID || a.ModTime != b.ModTime {
		return false, nil
	}
	fa, err := os.Open(aPath)
	if err != nil {
		return false, err
	}
	defer fa.Close()
	fb, err := os.Open(bPath)
	if err != nil {
		return false, err
	}
	defer fb.Close()

	bufA := make([]byte, 64*1024)
	bufB := make([]byte, 64*1024)
	for {
		na, errA := io.ReadFull(fa, bufA)
		nb, errB := io.ReadFull(fb, bufB)
		if !bytes.Equal(bufA[:na], bufB[:nb]) {
			return false, nil
		}
		if errA == io.EOF || errA == io.ErrUnexpectedEOF {
			return errB == io.EOF || errB == io.ErrUnexpectedEOF, nil
		}
		if errA != nil {
			return false, errA
		}
		if errB != nil {
			return false, nil
		}
	}
}

// replaceWithLink atomically replaces dst with a hard link to src.
func replaceWithLink(src, dst string) error {
	tmp := dst + ".pgl-index.tmp"
	os.Remove(tmp)
	if err := os.Link(src, tmp); err != nil {
		return fmt.Errorf("failed to link %s: %w", src, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", dst, err)
	}
	return nil
}

// CleanOrphans deletes every entry whose link count is 1, meaning no backup
// tree references it any more. The index lock is held per entry only.
func (ix *Index) CleanOrphans(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(ix.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list content index %s: %w", ix.dir, err)
	}
	removed := 0
	for _, de := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !de.Type().IsRegular() {
			continue
		}
		if ix.removeIfOrphan(filepath.Join(ix.dir, de.Name())) {
			removed++
		}
		runtime.Gosched()
	}
	if removed == 0 {
		return 0, ErrNoOrphans
	}
	return removed, nil
}

func (ix *Index) removeIfOrphan(path string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	st, err := util.Lstat(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			plog.Warn("Failed to stat index entry", "path", path, "error", err)
		}
		return false
	}
	if !st.IsRegular() || st.Nlink != 1 {
		return false
	}
	if err := os.Remove(path); err != nil {
		plog.Warn("Failed to delete orphaned index entry", "path", path, "error", err)
		return false
	}
	plog.Notice("DELETE", "index_entry", filepath.Base(path))
	return true
}
