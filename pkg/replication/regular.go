package replication

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/paulschiretz/pgl-failover/pkg/chunking"
	"github.com/paulschiretz/pgl-failover/pkg/dataindex"
	"github.com/paulschiretz/pgl-failover/pkg/hints"
	"github.com/paulschiretz/pgl-failover/pkg/statcache"
	"github.com/paulschiretz/pgl-failover/pkg/util"
	"github.com/paulschiretz/pgl-failover/pkg/wire"
)

// logPrefixes mark directories whose files are rotated under new names.
var logPrefixes = []string{"/logs/", "/var/log/"}

func isLogPath(rel string) bool {
	for _, p := range logPrefixes {
		if strings.HasPrefix(rel, p) {
			return true
		}
	}
	return false
}

// pending is a regular file waiting for its payload.
type pending struct {
	entry  *wire.FileEntry
	target string
	attrs  attrs
	// base is the file the hash list was computed from; empty for a full transfer.
	base   string
	hashes []wire.Hash
	// priorSize is the size of the file being replaced, -1 if there was none.
	priorSize int64
}

// regular decides how a regular file reaches target, in order of preference:
// already in place, hard link to the link-to copy, hard link to a same-sized
// same-time file in a log directory, chunked transfer, full transfer.
func (s *session) regular(e *wire.FileEntry, target, linkTo string, a attrs) (byte, *pending, error) {
	st, exists, err := lstat(target)
	if err != nil {
		return 0, nil, err
	}
	if exists && !st.IsRegular() {
		s.log.Notice("REPLACE", "path", e.Path, "type", e.Type())
		if err := removeAny(target); err != nil {
			return 0, nil, err
		}
		exists = false
	}
	key := statcache.Key{ModTime: e.ModTime, Size: e.Length}

	if exists && st.Size == e.Length && st.ModTimeMillis() == e.ModTime {
		changed, err := applyRegular(target, st, a)
		if err != nil {
			return 0, nil, err
		}
		if changed {
			return wire.Modified, nil, nil
		}
		return wire.NoChange, nil, nil
	}

	if linkTo != "" {
		if lst, ok, err := lstat(linkTo); err == nil && ok && lst.IsRegular() && lst.Size == e.Length && lst.ModTimeMillis() == e.ModTime {
			changed, err := s.linkInto(e, linkTo, target, exists, a)
			if err != nil {
				return 0, nil, err
			}
			if changed {
				return wire.Modified, nil, nil
			}
			return wire.NoChange, nil, nil
		}
	}

	if isLogPath(e.Path) {
		if src, ok := s.findRotated(target, linkTo, key); ok {
			if _, err := s.linkInto(e, src, target, exists, a); err != nil {
				return 0, nil, err
			}
			return wire.Modified, nil, nil
		}
	}

	p := &pending{entry: e, target: target, attrs: a, priorSize: -1}
	if exists {
		p.priorSize = st.Size
	}
	if s.codec.Compressed() {
		if base, ok := s.chunkBase(e, target, linkTo); ok {
			hashes, err := s.engine.HashFile(base)
			if err == nil {
				p.base, p.hashes = base, hashes
				return wire.ModifiedRequestDataChunked, p, nil
			}
			s.log.Warn("Failed to hash chunk base, requesting full data", "path", e.Path, "error", hints.Transient(err))
		}
	}
	return wire.ModifiedRequestData, p, nil
}

// findRotated looks for a file with the entry's size and modify time in the
// target directory, then in the link-to directory.
func (s *session) findRotated(target, linkTo string, key statcache.Key) (string, bool) {
	dirs := []string{filepath.Dir(target)}
	if linkTo != "" {
		dirs = append(dirs, filepath.Dir(linkTo))
	}
	for i, dir := range dirs {
		var exclude []string
		if i == 0 {
			exclude = []string{filepath.Base(target)}
		}
		src, ok, err := s.cache.FindPath(dir, key, exclude...)
		if err != nil {
			s.log.Debug("Stat cache lookup failed", "dir", dir, "error", err)
			continue
		}
		if !ok {
			continue
		}
		// Confirm the cached view before linking.
		st, err := util.Lstat(src)
		if err == nil && st.IsRegular() && st.Size == key.Size && st.ModTimeMillis() == key.ModTime {
			return src, true
		}
	}
	return "", false
}

// linkInto replaces target with a hard link to src and corrects its metadata.
// In log directories the displaced file is kept under a temp name so a later
// entry of this pass can still link to it.
func (s *session) linkInto(e *wire.FileEntry, src, target string, exists bool, a attrs) (bool, error) {
	dir, name := filepath.Dir(target), filepath.Base(target)
	if exists {
		if isLogPath(e.Path) {
			displaced := filepath.Join(dir, ".pgl-failover-"+uuid.NewString()+".tmp")
			if err := os.Rename(target, displaced); err != nil {
				return false, err
			}
			s.cache.Rename(dir, name, filepath.Base(displaced))
		} else {
			if err := os.Remove(target); err != nil {
				return false, err
			}
			s.cache.Remove(dir, name)
		}
	}

	if err := os.Link(src, target); err != nil {
		return false, fmt.Errorf("failed to link %s to %s: %w", target, src, err)
	}
	s.log.Notice("LINK", "path", e.Path, "source", src)
	s.metrics.AddHardLinks(1)

	st, err := util.Lstat(target)
	if err != nil {
		return false, err
	}
	changed, err := applyRegular(target, st, a)
	if err != nil {
		return false, err
	}
	s.cache.Add(dir, name, statcache.Key{ModTime: e.ModTime, Size: e.Length})
	return changed, nil
}

// chunkBase picks the candidate the peer diffs against: the link-to copy first
// when recycling (the recycled target is old), the existing target first otherwise.
func (s *session) chunkBase(e *wire.FileEntry, target, linkTo string) (string, bool) {
	candidates := []string{target, linkTo}
	if s.layout.Recycling {
		candidates = []string{linkTo, target}
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		st, ok, err := lstat(c)
		if err != nil || !ok || !st.IsRegular() {
			continue
		}
		if s.engine.Worthwhile(st.Size, e.Length) {
			return c, true
		}
	}
	return "", false
}

// receive stores one payload into a temp file and renames it over the target.
// A failed transfer still replaces the target when it got at least as far as
// the old file was long, so the next pass can diff against more data.
func (s *session) receive(p *pending) error {
	dir := filepath.Dir(p.target)
	out, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return fmt.Errorf("failed to create temporary file in %s: %w", dir, err)
	}
	tmp := out.Name()
	defer func() {
		if tmp != "" {
			os.Remove(tmp)
		}
	}()

	var base io.ReaderAt
	if p.base != "" {
		f, err := os.Open(p.base)
		if err != nil {
			out.Close()
			return fmt.Errorf("failed to open chunk base %s: %w", p.base, err)
		}
		defer f.Close()
		base = f
	}

	st, rerr := s.engine.Receive(s.r, s.codec, base, len(p.hashes), out)
	cerr := out.Close()
	s.metrics.AddBytesReceived(st.WireBytes)
	s.metrics.AddChunksReused(int64(st.ReusedChunks))

	if rerr == nil && cerr != nil {
		rerr = cerr
	}
	if rerr == nil && st.Written != p.entry.Length {
		rerr = hints.Transient(fmt.Errorf("%w: got %d of %d bytes for %s", chunking.ErrAborted, st.Written, p.entry.Length, p.entry.Path))
	}

	if rerr != nil {
		if cerr == nil && st.Written > 0 && st.Written >= p.priorSize {
			partial := p.attrs
			partial.keepTime = true
			if err := s.install(tmp, p, partial); err == nil {
				tmp = ""
				s.log.Notice("PARTIAL", "path", p.entry.Path, "bytes", st.Written)
			}
		}
		return rerr
	}

	if err := s.install(tmp, p, p.attrs); err != nil {
		return err
	}
	tmp = ""
	s.log.Notice("STORE", "path", p.entry.Path, "bytes", st.Written, "reused", st.ReusedChunks)
	if p.base != "" {
		s.metrics.AddChunkedTransfers(1)
	} else {
		s.metrics.AddFullTransfers(1)
	}
	s.share(p)
	return nil
}

// install applies a to the temp file and renames it over the target.
func (s *session) install(tmp string, p *pending, a attrs) error {
	st, err := util.Lstat(tmp)
	if err != nil {
		return err
	}
	if err := a.apply(tmp, st, false); err != nil {
		return err
	}
	if err := os.Rename(tmp, p.target); err != nil {
		return fmt.Errorf("failed to rename temporary file over %s: %w", p.target, err)
	}
	dir, name := filepath.Dir(p.target), filepath.Base(p.target)
	if !a.keepTime {
		s.cache.Add(dir, name, statcache.Key{ModTime: a.modTime, Size: p.entry.Length})
	} else {
		s.cache.Remove(dir, name)
	}
	return nil
}

// share offers freshly stored gzip files to the content index.
func (s *session) share(p *pending) {
	if s.index == nil || !dataindex.Eligible(p.target, p.entry.Length) {
		return
	}
	res, entry, err := s.index.Share(p.target)
	if err != nil {
		if !hints.IsHint(err) {
			s.log.Warn("Failed to share file with content index", "path", p.entry.Path, "error", hints.Transient(err))
		}
		return
	}
	if res == dataindex.Linked {
		s.log.Notice("DEDUP", "path", p.entry.Path, "entry", entry.Name())
	}
	s.metrics.AddIndexShared(1)
}

// isTransient reports whether a per-entry failure leaves the session usable.
func isTransient(err error) bool {
	return hints.IsTransient(err) && !errors.Is(err, wire.ErrProtocol)
}
