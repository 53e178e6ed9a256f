package lockfile

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()
	expectedLockPath := filepath.Join(dir, LockFileName)

	lock, err := Acquire(dir, "test-app")
	if err != nil {
		t.Fatalf("expected to acquire lock, but got error: %v", err)
	}

	data, err := os.ReadFile(expectedLockPath)
	if err != nil {
		t.Fatalf("lock file was not created after acquiring lock: %v", err)
	}
	var content LockContent
	if err := json.Unmarshal(data, &content); err != nil {
		t.Fatalf("lock content is not valid json: %v", err)
	}
	if content.PID != int64(os.Getpid()) || content.AppID != "test-app" {
		t.Errorf("unexpected lock content: %+v", content)
	}

	lock.Release()
	if _, err := os.Stat(expectedLockPath); !os.IsNotExist(err) {
		t.Fatal("lock file was not removed after releasing lock")
	}

	// Second release is a no-op.
	lock.Release()
}

func TestContention(t *testing.T) {
	dir := t.TempDir()

	lock1, err := Acquire(dir, "app-1")
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	defer lock1.Release()

	_, err = Acquire(dir, "app-2")
	if err == nil {
		t.Fatal("second acquire unexpectedly succeeded")
	}

	var lockErr *ErrLockActive
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *ErrLockActive, got %T: %v", err, err)
	}
	if lockErr.AppID != "app-1" {
		t.Errorf("expected holder app-1, got %q", lockErr.AppID)
	}
	if lockErr.PID != int64(os.Getpid()) {
		t.Errorf("expected holder pid %d, got %d", os.Getpid(), lockErr.PID)
	}
}

func TestReacquireAfterRelease(t *testing.T) {
	dir := t.TempDir()

	lock1, err := Acquire(dir, "app-1")
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	lock1.Release()

	lock2, err := Acquire(dir, "app-2")
	if err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
	lock2.Release()
}

func TestLeftoverFileIsNotALock(t *testing.T) {
	dir := t.TempDir()
	// A file left behind by a crashed process carries no flock.
	if err := os.WriteFile(filepath.Join(dir, LockFileName), []byte(`{"pid":1,"appID":"dead"}`), 0644); err != nil {
		t.Fatal(err)
	}

	lock, err := Acquire(dir, "app")
	if err != nil {
		t.Fatalf("expected to acquire over leftover file, got %v", err)
	}
	defer lock.Release()
}

func TestAcquire_MissingDir(t *testing.T) {
	_, err := Acquire(filepath.Join(t.TempDir(), "missing"), "app")
	if err == nil {
		t.Fatal("expected error for missing directory")
	}
	var lockErr *ErrLockActive
	if errors.As(err, &lockErr) {
		t.Fatal("missing directory must not look like an active lock")
	}
}
