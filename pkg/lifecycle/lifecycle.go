// Package lifecycle decides where a replication pass writes and which earlier
// pass it hard-links against.
//
// A server root holds one directory per pass, named by date:
//
//	2026-10-19                  complete (final) pass
//	2026-10-19.partial          pass in progress or interrupted
//	2026-10-19.recycled.partial recycled directory being refilled
//	2026-10-18.recycled         superseded pass kept as a cheap hard-link base
//	2026-10-01.deleted          waiting for physical deletion
//
// A pass with retention 1 has no history and writes straight into the server root.
package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/paulschiretz/pgl-failover/pkg/plog"
	"github.com/paulschiretz/pgl-failover/pkg/util"
)

// DateLayout is the name of a final backup set directory.
const DateLayout = "2006-01-02"

const (
	PartialSuffix         = ".partial"
	RecycledSuffix        = ".recycled"
	RecycledPartialSuffix = ".recycled.partial"
	DeletedSuffix         = ".deleted"
)

// ErrUnsafeLinkTo is returned when the chosen link-to root is one of the
// directories the pass is about to write.
var ErrUnsafeLinkTo = errors.New("link-to root collides with the working root")

// State is the lifecycle state of a backup set directory.
type State int

const (
	Final State = iota
	Partial
	RecycledPartial
	Recycled
	Deleted
)

func (s State) String() string {
	switch s {
	case Final:
		return "final"
	case Partial:
		return "partial"
	case RecycledPartial:
		return "recycled-partial"
	case Recycled:
		return "recycled"
	case Deleted:
		return "deleted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Suffix returns the directory name suffix for s.
func (s State) Suffix() string {
	switch s {
	case Partial:
		return PartialSuffix
	case RecycledPartial:
		return RecycledPartialSuffix
	case Recycled:
		return RecycledSuffix
	case Deleted:
		return DeletedSuffix
	default:
		return ""
	}
}

// Complete reports whether a set in state s holds a finished pass.
func (s State) Complete() bool { return s == Final }

// Set is one backup set directory found under a server root.
type Set struct {
	Name  string
	Date  time.Time
	State State
}

// NameFor returns the directory name of the set dated date in state s.
func NameFor(date time.Time, s State) string {
	return date.Format(DateLayout) + s.Suffix()
}

// Parse interprets a directory name. Names that are not a date followed by
// one of the lifecycle suffixes are rejected.
func Parse(name string) (Set, bool) {
	if len(name) < len(DateLayout) {
		return Set{}, false
	}
	date, err := time.Parse(DateLayout, name[:len(DateLayout)])
	if err != nil {
		return Set{}, false
	}

	var state State
	switch name[len(DateLayout):] {
	case "":
		state = Final
	case PartialSuffix:
		state = Partial
	case RecycledPartialSuffix:
		state = RecycledPartial
	case RecycledSuffix:
		state = Recycled
	case DeletedSuffix:
		state = Deleted
	default:
		return Set{}, false
	}
	return Set{Name: name, Date: date, State: state}, true
}

// List returns the backup sets under serverRoot, newest first. Entries that
// are not directories or do not parse are skipped. A missing serverRoot is empty.
func List(serverRoot string) ([]Set, error) {
	entries, err := os.ReadDir(serverRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list server root %s: %w", serverRoot, err)
	}

	var sets []Set
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		s, ok := Parse(e.Name())
		if !ok {
			plog.Debug("Skipping unrecognized entry in server root", "root", serverRoot, "name", e.Name())
			continue
		}
		sets = append(sets, s)
	}
	sort.Slice(sets, func(i, j int) bool {
		if !sets[i].Date.Equal(sets[j].Date) {
			return sets[i].Date.After(sets[j].Date)
		}
		return sets[i].State < sets[j].State
	})
	return sets, nil
}

// Layout is the outcome of Prepare: where this pass writes and what it links against.
type Layout struct {
	ServerRoot  string
	Retention   int
	Date        time.Time
	WorkingRoot string
	FinalRoot   string
	// LinkToRoot is empty when there is no earlier pass to link against.
	LinkToRoot string
	// Recycling is set when WorkingRoot was renamed from a .recycled directory.
	Recycling bool
}

// Prepare resolves and creates the working root for a pass of serverRoot on date.
func Prepare(serverRoot string, date time.Time, retention int) (*Layout, error) {
	if retention < 1 {
		return nil, fmt.Errorf("invalid retention %d", retention)
	}
	l := &Layout{ServerRoot: serverRoot, Retention: retention, Date: date}

	if retention == 1 {
		if err := os.MkdirAll(serverRoot, util.UserWritableDirPerms); err != nil {
			return nil, fmt.Errorf("failed to create server root: %w", err)
		}
		l.WorkingRoot = serverRoot
		l.FinalRoot = serverRoot
		return l, nil
	}

	if err := os.MkdirAll(serverRoot, util.UserWritableDirPerms); err != nil {
		return nil, fmt.Errorf("failed to create server root: %w", err)
	}

	l.FinalRoot = filepath.Join(serverRoot, NameFor(date, Final))
	partialRoot := filepath.Join(serverRoot, NameFor(date, Partial))
	recycledPartialRoot := filepath.Join(serverRoot, NameFor(date, RecycledPartial))

	if isDir(l.FinalRoot) {
		// Same-day repeat: the earlier final becomes this pass's partial and
		// the pass runs without a link-to root.
		for _, stale := range []string{partialRoot, recycledPartialRoot} {
			if err := discard(serverRoot, stale, date); err != nil {
				return nil, err
			}
		}
		plog.Notice("RENAME", "from", l.FinalRoot, "to", partialRoot)
		if err := os.Rename(l.FinalRoot, partialRoot); err != nil {
			return nil, fmt.Errorf("failed to reopen same-day final: %w", err)
		}
		l.WorkingRoot = partialRoot
		return l, nil
	}

	sets, err := List(serverRoot)
	if err != nil {
		return nil, err
	}
	if linkTo, ok := pickLinkTo(sets, date); ok {
		l.LinkToRoot = filepath.Join(serverRoot, linkTo.Name)
	}

	switch {
	case isDir(recycledPartialRoot):
		l.WorkingRoot = recycledPartialRoot
		l.Recycling = true
	case isDir(partialRoot):
		l.WorkingRoot = partialRoot
	default:
		if recycled, ok := newest(sets, Recycled); ok {
			from := filepath.Join(serverRoot, recycled.Name)
			plog.Notice("RECYCLE", "from", from, "to", recycledPartialRoot)
			if err := os.Rename(from, recycledPartialRoot); err != nil {
				return nil, fmt.Errorf("failed to reuse recycled directory: %w", err)
			}
			l.WorkingRoot = recycledPartialRoot
			l.Recycling = true
		} else {
			if err := os.Mkdir(partialRoot, util.UserWritableDirPerms); err != nil {
				return nil, fmt.Errorf("failed to create partial directory: %w", err)
			}
			l.WorkingRoot = partialRoot
		}
	}

	if err := l.checkLinkTo(); err != nil {
		return nil, err
	}

	plog.Debug("Pass layout resolved", "working", l.WorkingRoot, "linkTo", l.LinkToRoot, "recycling", l.Recycling)
	return l, nil
}

// Promote renames the working root to its final name after a successful pass.
func (l *Layout) Promote() error {
	if l.WorkingRoot == l.FinalRoot {
		return nil
	}
	plog.Notice("FINALIZE", "from", l.WorkingRoot, "to", l.FinalRoot)
	if err := os.Rename(l.WorkingRoot, l.FinalRoot); err != nil {
		return fmt.Errorf("failed to promote %s: %w", l.WorkingRoot, err)
	}
	l.WorkingRoot = l.FinalRoot
	return nil
}

// checkLinkTo fails if the link-to root is any of the pass's own directories.
func (l *Layout) checkLinkTo() error {
	if l.LinkToRoot == "" {
		return nil
	}
	for _, s := range []State{Final, Partial, RecycledPartial} {
		if l.LinkToRoot == filepath.Join(l.ServerRoot, NameFor(l.Date, s)) {
			return fmt.Errorf("%w: %s", ErrUnsafeLinkTo, l.LinkToRoot)
		}
	}
	return nil
}

// pickLinkTo chooses the link-to set: the newest final, else the newest
// recycled-partial, else the newest partial. Sets dated date are never chosen.
func pickLinkTo(sets []Set, date time.Time) (Set, bool) {
	var candidates []Set
	for _, s := range sets {
		if !s.Date.Equal(date) {
			candidates = append(candidates, s)
		}
	}
	for _, state := range []State{Final, RecycledPartial, Partial} {
		if s, ok := newest(candidates, state); ok {
			return s, true
		}
	}
	return Set{}, false
}

// newest returns the first set in state s; sets are sorted newest first.
func newest(sets []Set, s State) (Set, bool) {
	for _, set := range sets {
		if set.State == s {
			return set, true
		}
	}
	return Set{}, false
}

// discard moves path aside as the deleted set of date. An older deleted set
// of the same date is removed first.
func discard(serverRoot, path string, date time.Time) error {
	if !isDir(path) {
		return nil
	}
	target := filepath.Join(serverRoot, NameFor(date, Deleted))
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("failed to clear %s: %w", target, err)
	}
	plog.Notice("DISCARD", "path", path)
	if err := os.Rename(path, target); err != nil {
		return fmt.Errorf("failed to discard %s: %w", path, err)
	}
	return nil
}

func isDir(path string) bool {
	fi, err := os.Lstat(path)
	return err == nil && fi.IsDir()
}
