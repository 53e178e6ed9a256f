package statcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path string, size int, mtime time.Time) Key {
	t.Helper()
	if err := os.WriteFile(path, make([]byte, size), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	return KeyOf(fi)
}

func TestCache_FindLazilyScans(t *testing.T) {
	dir := t.TempDir()
	mtime := time.Unix(1700000000, 0)
	k := writeFile(t, filepath.Join(dir, "access.log.1"), 42, mtime)
	writeFile(t, filepath.Join(dir, "access.log"), 10, mtime)
	if err := os.Mkdir(filepath.Join(dir, "subdir"), 0755); err != nil {
		t.Fatal(err)
	}

	c := New()
	name, ok, err := c.Find(dir, k)
	if err != nil || !ok || name != "access.log.1" {
		t.Fatalf("Find = %q, %v, %v; want access.log.1", name, ok, err)
	}

	// A file created after the scan is invisible until reported.
	k2 := writeFile(t, filepath.Join(dir, "error.log"), 7, mtime)
	if _, ok, _ := c.Find(dir, k2); ok {
		t.Error("unreported file should not be found in a cached directory")
	}
	c.Add(dir, "error.log", k2)
	if name, ok, _ := c.Find(dir, k2); !ok || name != "error.log" {
		t.Errorf("Find after Add = %q, %v", name, ok)
	}
}

func TestCache_Exclude(t *testing.T) {
	dir := t.TempDir()
	mtime := time.Unix(1700000000, 0)
	k := writeFile(t, filepath.Join(dir, "a"), 5, mtime)
	writeFile(t, filepath.Join(dir, "b"), 5, mtime)

	c := New()
	if name, _, _ := c.Find(dir, k, "a"); name != "b" {
		t.Errorf("Find excluding a = %q, want b", name)
	}
	if _, ok, _ := c.Find(dir, k, "a", "b"); ok {
		t.Error("Find excluding every match should fail")
	}
}

func TestCache_RemoveAndRename(t *testing.T) {
	dir := t.TempDir()
	mtime := time.Unix(1700000000, 0)
	k := writeFile(t, filepath.Join(dir, "old.log"), 3, mtime)

	c := New()
	if _, ok, _ := c.Find(dir, k); !ok {
		t.Fatal("expected initial match")
	}
	c.Rename(dir, "old.log", "new.log")
	if name, ok, _ := c.Find(dir, k); !ok || name != "new.log" {
		t.Errorf("Find after Rename = %q, %v; want new.log", name, ok)
	}
	c.Remove(dir, "new.log")
	if _, ok, _ := c.Find(dir, k); ok {
		t.Error("Find after Remove should fail")
	}
}

func TestCache_MissingDirectory(t *testing.T) {
	c := New()
	missing := filepath.Join(t.TempDir(), "nope")
	path, ok, err := c.FindPath(missing, Key{ModTime: 1, Size: 1})
	if err != nil || ok || path != "" {
		t.Errorf("FindPath on missing dir = %q, %v, %v", path, ok, err)
	}
	if c.Len() != 1 {
		t.Errorf("missing directory should still be cached as empty, Len = %d", c.Len())
	}
	c.Forget(missing)
	if c.Len() != 0 {
		t.Errorf("Forget should drop the snapshot, Len = %d", c.Len())
	}
}
