// Package statcache answers "does this directory hold a regular file with this
// exact size and modify time" without rescanning the directory for every
// question. It exists for log directories, where rotation renames files while
// their content and timestamps stay the same.
package statcache

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
)

// Key is the (modify time, size) pair files are matched on.
// ModTime is in unix milliseconds, the precision carried on the wire.
type Key struct {
	ModTime int64
	Size    int64
}

// KeyOf builds the cache key for a FileInfo.
func KeyOf(fi fs.FileInfo) Key {
	return Key{ModTime: fi.ModTime().UnixMilli(), Size: fi.Size()}
}

// dirSnapshot holds one directory's regular files and the reverse index.
type dirSnapshot struct {
	byName map[string]Key
	byKey  map[Key][]string
}

func (d *dirSnapshot) add(name string, k Key) {
	if old, ok := d.byName[name]; ok {
		d.removeFromKey(name, old)
	}
	d.byName[name] = k
	d.byKey[k] = append(d.byKey[k], name)
}

func (d *dirSnapshot) remove(name string) {
	if old, ok := d.byName[name]; ok {
		delete(d.byName, name)
		d.removeFromKey(name, old)
	}
}

func (d *dirSnapshot) removeFromKey(name string, k Key) {
	names := d.byKey[k]
	if i := slices.Index(names, name); i >= 0 {
		names = slices.Delete(names, i, i+1)
	}
	if len(names) == 0 {
		delete(d.byKey, k)
		return
	}
	d.byKey[k] = names
}

// Cache maps absolute directory paths to lazily built snapshots.
//
// A Cache belongs to one replication session and is not safe for concurrent use.
// Snapshots are only mutated through Add, Remove and Rename, so the caller must
// report every change it makes to a cached directory.
type Cache struct {
	dirs map[string]*dirSnapshot
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{dirs: make(map[string]*dirSnapshot)}
}

// load returns the snapshot for dir, scanning it on first use.
// A missing directory yields an empty snapshot.
func (c *Cache) load(dir string) (*dirSnapshot, error) {
	if d, ok := c.dirs[dir]; ok {
		return d, nil
	}
	d := &dirSnapshot{byName: make(map[string]Key), byKey: make(map[Key][]string)}
	entries, err := os.ReadDir(dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			// Vanished between ReadDir and Info.
			continue
		}
		d.add(e.Name(), KeyOf(fi))
	}
	c.dirs[dir] = d
	return d, nil
}

// Find returns the name of a regular file in dir matching k, skipping any name
// in exclude. Names are tried in sorted order so results are deterministic.
func (c *Cache) Find(dir string, k Key, exclude ...string) (string, bool, error) {
	d, err := c.load(dir)
	if err != nil {
		return "", false, err
	}
	names := slices.Clone(d.byKey[k])
	slices.Sort(names)
	for _, name := range names {
		if !slices.Contains(exclude, name) {
			return name, true, nil
		}
	}
	return "", false, nil
}

// FindPath is Find returning the absolute path of the match.
func (c *Cache) FindPath(dir string, k Key, exclude ...string) (string, bool, error) {
	name, ok, err := c.Find(dir, k, exclude...)
	if !ok || err != nil {
		return "", ok, err
	}
	return filepath.Join(dir, name), true, nil
}

// Add records a regular file created in dir. Uncached directories are ignored;
// they pick the file up when first scanned.
func (c *Cache) Add(dir, name string, k Key) {
	if d, ok := c.dirs[dir]; ok {
		d.add(name, k)
	}
}

// Remove records that name no longer exists in dir.
func (c *Cache) Remove(dir, name string) {
	if d, ok := c.dirs[dir]; ok {
		d.remove(name)
	}
}

// Rename records a rename within dir.
func (c *Cache) Rename(dir, oldName, newName string) {
	d, ok := c.dirs[dir]
	if !ok {
		return
	}
	k, ok := d.byName[oldName]
	if !ok {
		d.remove(newName)
		return
	}
	d.remove(oldName)
	d.add(newName, k)
}

// Forget drops the snapshot of dir, e.g. once the directory is finalized.
func (c *Cache) Forget(dir string) {
	delete(c.dirs, dir)
}

// Len returns the number of cached directories.
func (c *Cache) Len() int { return len(c.dirs) }
