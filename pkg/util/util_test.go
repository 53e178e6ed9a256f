package util

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func TestIsUnder(t *testing.T) {
	testCases := []struct {
		p, dir string
		want   bool
	}{
		{"/a", "/", true},
		{"/a/b", "/a", true},
		{"/a", "/a", true},
		{"/ab", "/a", false},
		{"/a-b/c", "/a", false},
		{"/z", "/a", false},
	}
	for _, tc := range testCases {
		if got := IsUnder(tc.p, tc.dir); got != tc.want {
			t.Errorf("IsUnder(%q, %q) = %v, want %v", tc.p, tc.dir, got, tc.want)
		}
	}
}

func TestParentAndBase(t *testing.T) {
	testCases := []struct {
		p, parent, base string
	}{
		{"/", "", ""},
		{"/a", "/", "a"},
		{"/a/b", "/a", "b"},
		{"/home/user/a.txt", "/home/user", "a.txt"},
	}
	for _, tc := range testCases {
		if got := ParentOf(tc.p); got != tc.parent {
			t.Errorf("ParentOf(%q) = %q, want %q", tc.p, got, tc.parent)
		}
		if got := BaseOf(tc.p); got != tc.base {
			t.Errorf("BaseOf(%q) = %q, want %q", tc.p, got, tc.base)
		}
	}
}

func TestInvertMap(t *testing.T) {
	inv := InvertMap(map[int]string{1: "one", 2: "two"})
	if inv["one"] != 1 || inv["two"] != 2 || len(inv) != 2 {
		t.Errorf("unexpected inverted map: %v", inv)
	}
}

func TestLstat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	if err := os.WriteFile(path, []byte("hello"), 0640); err != nil {
		t.Fatal(err)
	}
	if err := os.Link(path, filepath.Join(dir, "g")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("f", filepath.Join(dir, "l")); err != nil {
		t.Fatal(err)
	}

	st, err := Lstat(path)
	if err != nil {
		t.Fatal(err)
	}
	if !st.IsRegular() || st.Size != 5 || st.Nlink != 2 || st.Mode&0777 != 0640 {
		t.Errorf("unexpected stat %+v", st)
	}
	other, _ := Lstat(filepath.Join(dir, "g"))
	if !st.SameFile(other) {
		t.Error("hard links should report the same inode")
	}
	link, _ := Lstat(filepath.Join(dir, "l"))
	if link.IsRegular() || link.SameFile(st) {
		t.Error("Lstat must not follow symlinks")
	}
	if _, err := Lstat(filepath.Join(dir, "missing")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected fs.ErrNotExist, got %v", err)
	}
}
