package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/paulschiretz/pgl-failover/pkg/plog"
	"github.com/paulschiretz/pgl-failover/pkg/util"
)

// LockFileName is the name of the lock file created in a backup partition.
// The '~' prefix marks it as temporary.
const LockFileName = ".~pgl-failover.lock"

// LockContent is written into the lock file so a refused daemon can say who holds it.
type LockContent struct {
	PID      int64     `json:"pid"`
	Hostname string    `json:"hostname"`
	Acquired time.Time `json:"acquired"`
	AppID    string    `json:"appID"`
}

// ErrLockActive is returned when another process holds the partition lock.
type ErrLockActive struct {
	PID       int64
	Hostname  string
	AppID     string
	TimeSince time.Duration
}

func (e *ErrLockActive) Error() string {
	if e.PID == 0 {
		return "lock is active, holder unknown"
	}
	return fmt.Sprintf("lock is active, held by PID %d on host '%s' (App: %s), acquired %s ago", e.PID, e.Hostname, e.AppID, e.TimeSince.Truncate(time.Second))
}

// Lock is an acquired partition lock. The kernel drops the flock when the
// process dies, so there is no stale lock to take over.
type Lock struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// Acquire takes an exclusive, non-blocking flock on dirPath/LockFileName.
// It returns *ErrLockActive if another open file description holds it.
func Acquire(dirPath, appID string) (*Lock, error) {
	lockPath := filepath.Join(dirPath, LockFileName)

	// A holder may unlink the file between our open and our flock; retry on a fresh inode.
	maxAttempts := 3
	for range maxAttempts {
		f, err := lockOpen(lockPath)
		if err != nil {
			return nil, err
		}
		if f == nil {
			continue
		}

		hostname, _ := os.Hostname()
		content := LockContent{
			PID:      int64(os.Getpid()),
			Hostname: hostname,
			Acquired: time.Now().UTC(),
			AppID:    appID,
		}
		if err := writeContent(f, content); err != nil {
			unix.Flock(int(f.Fd()), unix.LOCK_UN)
			f.Close()
			return nil, err
		}

		plog.Debug("Lock acquired", "path", lockPath)
		return &Lock{path: lockPath, f: f}, nil
	}
	return nil, fmt.Errorf("failed to acquire lock after %d attempts (contention)", maxAttempts)
}

// lockOpen opens and flocks lockPath. It returns a nil file when the locked
// inode is no longer the one at lockPath.
func lockOpen(lockPath string) (*os.File, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, util.UserWritableFilePerms)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, activeError(lockPath)
		}
		return nil, fmt.Errorf("failed to lock %s: %w", lockPath, err)
	}

	var held, onDisk unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &held); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat lock file: %w", err)
	}
	if err := unix.Stat(lockPath, &onDisk); err != nil || held.Ino != onDisk.Ino || held.Dev != onDisk.Dev {
		f.Close()
		return nil, nil
	}
	return f, nil
}

// Release removes the lock file and drops the flock. It is safe to call twice.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return
	}

	// Unlink while still holding the lock so a waiting Acquire never sees our content.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		plog.Warn("Failed to remove lock file", "path", l.path, "error", err)
	}
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	l.f.Close()
	l.f = nil
	plog.Debug("Lock released", "path", l.path)
}

func writeContent(f *os.File, content LockContent) error {
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock content: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate lock file: %w", err)
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		return fmt.Errorf("failed to write lock content: %w", err)
	}
	return f.Sync()
}

// activeError reads the holder's content. A holder that has not yet written
// its content still yields an ErrLockActive, just without details.
func activeError(lockPath string) error {
	data, err := os.ReadFile(lockPath)
	if err != nil || len(data) == 0 {
		return &ErrLockActive{}
	}
	var content LockContent
	if err := json.Unmarshal(data, &content); err != nil {
		return &ErrLockActive{}
	}
	return &ErrLockActive{
		PID:       content.PID,
		Hostname:  content.Hostname,
		AppID:     content.AppID,
		TimeSince: time.Since(content.Acquired),
	}
}
