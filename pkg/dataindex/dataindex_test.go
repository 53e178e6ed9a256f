package dataindex

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/pgzip"

	"github.com/paulschiretz/pgl-failover/pkg/hints"
	"github.com/paulschiretz/pgl-failover/pkg/util"
)

var testMtime = time.Unix(1700000000, 0)

func writeGzip(t *testing.T, path string, content string) {
	t.Helper()
	var buf bytes.Buffer
	zw := pgzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, testMtime, testMtime); err != nil {
		t.Fatal(err)
	}
}

func nlink(t *testing.T, path string) uint64 {
	t.Helper()
	st, err := util.Lstat(path)
	if err != nil {
		t.Fatal(err)
	}
	return st.Nlink
}

func TestEntryNameRoundTrip(t *testing.T) {
	e := Entry{Sum: [16]byte{0xde, 0xad, 15: 0x01}, Collision: 2, Link: 7}
	got, ok := ParseEntry(e.Name())
	if !ok || got != e {
		t.Fatalf("ParseEntry(%q) = %+v, %v", e.Name(), got, ok)
	}
	for _, bad := range []string{"x.gz", "abc-0-0.gz", e.Name() + ".tmp", "deadbeef-1.gz"} {
		if _, ok := ParseEntry(bad); ok {
			t.Errorf("ParseEntry(%q) should fail", bad)
		}
	}
}

func TestShare_AdoptThenLink(t *testing.T) {
	part := t.TempDir()
	ix, err := Open(part, 0)
	if err != nil {
		t.Fatal(err)
	}
	a := filepath.Join(part, "www1", "2024-01-01", "var", "log", "syslog.2.gz")
	b := filepath.Join(part, "www2", "2024-01-01", "var", "log", "syslog.2.gz")
	writeGzip(t, a, "same rotated log")
	writeGzip(t, b, "same rotated log")

	res, e, err := ix.Share(a)
	if err != nil || res != Adopted || e.Collision != 0 || e.Link != 0 {
		t.Fatalf("Share(a) = %v, %+v, %v; want Adopted at 0-0", res, e, err)
	}
	res, _, err = ix.Share(b)
	if err != nil || res != Linked {
		t.Fatalf("Share(b) = %v, %v; want Linked", res, err)
	}
	if nlink(t, a) != 3 {
		t.Errorf("entry link count = %d, want 3", nlink(t, a))
	}
	if res, _, _ := ix.Share(b); res != AlreadyShared {
		t.Errorf("second Share(b) = %v, want AlreadyShared", res)
	}
	entries, err := ix.Lookup(e.Sum)
	if err != nil || len(entries) != 1 {
		t.Errorf("Lookup = %v, %v; want one entry", entries, err)
	}
}

func TestShare_ReplacesStaleLinkTemp(t *testing.T) {
	part := t.TempDir()
	ix, _ := Open(part, 0)
	a := filepath.Join(part, "a.gz")
	b := filepath.Join(part, "b.gz")
	writeGzip(t, a, "payload")
	writeGzip(t, b, "payload")
	// Left behind by an interrupted replace.
	stale := b + ".pgl-index.tmp"
	if err := os.WriteFile(stale, []byte("junk"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, _, err := ix.Share(a); err != nil {
		t.Fatal(err)
	}
	if res, _, err := ix.Share(b); err != nil || res != Linked {
		t.Fatalf("Share(b) = %v, %v; want Linked", res, err)
	}
	if _, err := os.Lstat(stale); !os.IsNotExist(err) {
		t.Errorf("stale temp link still present: %v", err)
	}
	if nlink(t, b) != 3 {
		t.Errorf("b link count = %d, want 3", nlink(t, b))
	}
}

func TestShare_MetadataMismatchIsACollision(t *testing.T) {
	part := t.TempDir()
	ix, _ := Open(part, 0)
	a := filepath.Join(part, "a.gz")
	b := filepath.Join(part, "b.gz")
	writeGzip(t, a, "payload")
	writeGzip(t, b, "payload")
	if err := os.Chmod(b, 0600); err != nil {
		t.Fatal(err)
	}

	_, _, _ = ix.Share(a)
	res, e, err := ix.Share(b)
	if err != nil || res != Adopted || e.Collision != 1 {
		t.Fatalf("Share(b) = %v, %+v, %v; want Adopted at collision 1", res, e, err)
	}
	if nlink(t, a) != 2 || nlink(t, b) != 2 {
		t.Error("files with different modes must not share an inode")
	}
}

func TestShare_LinkCeilingAddsCopy(t *testing.T) {
	part := t.TempDir()
	ix, _ := Open(part, 3)
	var paths []string
	for i := range 4 {
		p := filepath.Join(part, "set", string(rune('a'+i))+".gz")
		writeGzip(t, p, "hot content")
		paths = append(paths, p)
	}
	for _, p := range paths {
		if _, _, err := ix.Share(p); err != nil {
			t.Fatal(err)
		}
	}
	// a adopted (2 links), b linked (3 links, ceiling), c adopted as link copy 1, d linked to it.
	entries, _ := ix.Lookup(mustEntry(t, ix, paths[0]).Sum)
	if len(entries) != 2 || entries[1].Link != 1 {
		t.Fatalf("entries = %+v, want two link copies", entries)
	}
	if nlink(t, paths[3]) != 3 {
		t.Errorf("second copy link count = %d, want 3", nlink(t, paths[3]))
	}
}

func mustEntry(t *testing.T, ix *Index, path string) Entry {
	t.Helper()
	res, e, err := ix.Share(path)
	if err != nil || res != AlreadyShared {
		t.Fatalf("Share(%s) = %v, %v", path, res, err)
	}
	return e
}

func TestShare_RefusesCorruptGzip(t *testing.T) {
	part := t.TempDir()
	ix, _ := Open(part, 0)
	p := filepath.Join(part, "broken.gz")
	if err := os.WriteFile(p, []byte("not gzip at all"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := ix.Share(p); !errors.Is(err, ErrNotEligible) {
		t.Errorf("expected ErrNotEligible, got %v", err)
	}
	plain := filepath.Join(part, "plain.txt")
	_ = os.WriteFile(plain, []byte("x"), 0644)
	if _, _, err := ix.Share(plain); !hints.IsHint(err) {
		t.Errorf("expected hint for non-gz file, got %v", err)
	}
}

func TestCleanOrphans(t *testing.T) {
	part := t.TempDir()
	ix, _ := Open(part, 0)
	kept := filepath.Join(part, "tree", "kept.gz")
	dropped := filepath.Join(part, "tree", "dropped.gz")
	writeGzip(t, kept, "kept")
	writeGzip(t, dropped, "dropped")
	_, keptEntry, _ := ix.Share(kept)
	_, droppedEntry, _ := ix.Share(dropped)

	// The backup tree referencing "dropped" goes away.
	if err := os.Remove(dropped); err != nil {
		t.Fatal(err)
	}

	removed, err := ix.CleanOrphans(context.Background())
	if err != nil || removed != 1 {
		t.Fatalf("CleanOrphans = %d, %v; want 1", removed, err)
	}
	if _, err := os.Stat(filepath.Join(ix.Dir(), droppedEntry.Name())); !os.IsNotExist(err) {
		t.Error("orphaned entry should be deleted")
	}
	if _, err := os.Stat(filepath.Join(ix.Dir(), keptEntry.Name())); err != nil {
		t.Error("referenced entry must be retained")
	}
	if _, err := ix.CleanOrphans(context.Background()); !errors.Is(err, ErrNoOrphans) {
		t.Errorf("second sweep = %v, want ErrNoOrphans", err)
	}
}

func TestRegistry_SingleInstancePerPartition(t *testing.T) {
	part := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRegistry(ctx, 0, time.Hour)

	var wg sync.WaitGroup
	got := make([]*Index, 10)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ix, err := r.Get(part)
			if err != nil {
				t.Error(err)
			}
			got[i] = ix
		}()
	}
	wg.Wait()
	for _, ix := range got {
		if ix != got[0] {
			t.Fatal("concurrent Get must return the same instance")
		}
	}
	// A non-canonical spelling of the same directory maps to the same index.
	if ix, _ := r.Get(filepath.Join(part, ".", "sub", "..")); ix != got[0] {
		t.Error("non-canonical path should resolve to the same instance")
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1", r.Count())
	}
	if _, err := os.Stat(filepath.Join(part, DirName)); err != nil {
		t.Errorf("index directory not created: %v", err)
	}

	cancel()
	r.Wait()
}

func TestRegistry_SweepsImmediately(t *testing.T) {
	part := t.TempDir()
	dir := filepath.Join(part, DirName)
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatal(err)
	}
	orphan := filepath.Join(dir, Entry{Sum: [16]byte{1}}.Name())
	if err := os.WriteFile(orphan, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := NewRegistry(ctx, 0, time.Hour)
	if _, err := r.Get(part); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(orphan); os.IsNotExist(err) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	r.Wait()
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("startup sweep should delete the orphan")
	}
}
