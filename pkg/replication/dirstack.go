package replication

import (
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-failover/pkg/hints"
	"github.com/paulschiretz/pgl-failover/pkg/util"
	"github.com/paulschiretz/pgl-failover/pkg/wire"
)

// frame is a directory whose entries are still arriving.
type frame struct {
	rel    string
	target string
	linkTo string
	attrs  attrs
	seen   map[string]struct{}
}

// isChildOf reports whether p lies strictly below the directory dir.
func isChildOf(p, dir string) bool {
	if dir == "/" {
		return p != "/"
	}
	return strings.HasPrefix(p, dir+"/")
}

// enter closes every open directory that is not an ancestor of p and records
// p as seen in its parent. Entries arrive parent first, so the parent of p must
// be the innermost open directory.
func (s *session) enter(p string) error {
	for len(s.stack) > 0 && !isChildOf(p, s.stack[len(s.stack)-1].rel) {
		s.closed = append(s.closed, s.stack[len(s.stack)-1])
		s.stack = s.stack[:len(s.stack)-1]
	}
	if len(s.stack) == 0 {
		if p != "/" || s.rooted {
			return wire.ProtocolErrorf("entry %s arrived outside of an open directory", p)
		}
		s.rooted = true
		return nil
	}
	top := s.stack[len(s.stack)-1]
	if util.ParentOf(p) != top.rel {
		return wire.ProtocolErrorf("entry %s arrived before its parent directory", p)
	}
	top.seen[util.BaseOf(p)] = struct{}{}
	return nil
}

func (s *session) push(f *frame) {
	f.seen = make(map[string]struct{})
	s.stack = append(s.stack, f)
}

// closeAll moves every open directory to the closed list, innermost first.
func (s *session) closeAll() {
	for i := len(s.stack) - 1; i >= 0; i-- {
		s.closed = append(s.closed, s.stack[i])
	}
	s.stack = nil
}

// finalizeClosed finalizes the directories closed so far. It runs after a
// batch's payloads are stored so late writes do not disturb directory times.
func (s *session) finalizeClosed() {
	for _, f := range s.closed {
		s.finalize(f)
	}
	s.closed = s.closed[:0]
}

// finalize deletes what the pass did not send and sets the directory's final
// mode and modify time. Failures are logged; they never abort the pass.
func (s *session) finalize(f *frame) {
	entries, err := os.ReadDir(f.target)
	if err != nil {
		s.log.Warn("Failed to list directory for cleanup", "path", f.rel, "error", hints.Transient(err))
		return
	}
	for _, e := range entries {
		name := e.Name()
		if _, ok := f.seen[name]; ok {
			continue
		}
		rel := path.Join(f.rel, name)
		if s.skipped(rel) {
			continue
		}
		s.log.Notice("DELETE", "path", rel)
		if err := removeAny(filepath.Join(f.target, name)); err != nil {
			s.log.Warn("Failed to delete extra entry", "path", rel, "error", hints.Transient(err))
			continue
		}
		s.cache.Remove(f.target, name)
		s.metrics.AddExtrasDeleted(1)
	}

	s.cache.Forget(f.target)
	if f.linkTo != "" {
		s.cache.Forget(f.linkTo)
	}

	st, err := util.Lstat(f.target)
	if err != nil {
		s.log.Warn("Failed to stat directory", "path", f.rel, "error", hints.Transient(err))
		return
	}
	if err := f.attrs.apply(f.target, st, false); err != nil {
		s.log.Warn("Failed to set directory attributes", "path", f.rel, "error", hints.Transient(err))
	}
}

// skipped reports whether rel must survive as an extra.
func (s *session) skipped(rel string) bool {
	for _, p := range s.skip {
		if util.IsUnder(rel, p) {
			return true
		}
	}
	return false
}
