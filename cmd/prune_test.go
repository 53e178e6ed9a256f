package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-failover/pkg/lockfile"
)

func makeSets(t *testing.T, serverRoot string, date time.Time, days int) {
	t.Helper()
	for i := range days {
		name := date.AddDate(0, 0, -i).Format("2006-01-02")
		if err := os.MkdirAll(filepath.Join(serverRoot, name, "etc"), 0755); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRunPrune(t *testing.T) {
	partition := t.TempDir()
	serverRoot := filepath.Join(partition, "web1")
	date := time.Date(2026, 10, 19, 0, 0, 0, 0, time.Local)
	makeSets(t, serverRoot, date, 10)

	err := RunPrune(context.Background(), map[string]interface{}{
		"config-dir":  t.TempDir(),
		"server-root": serverRoot,
		"retention":   7,
		"date":        "2026-10-19",
		"force":       true,
	})
	if err != nil {
		t.Fatalf("RunPrune: %v", err)
	}

	entries, err := os.ReadDir(serverRoot)
	if err != nil {
		t.Fatal(err)
	}
	names := make(map[string]bool)
	for _, e := range entries {
		names[e.Name()] = true
	}
	if !names["2026-10-13"] || !names["2026-10-12.recycled"] || names["2026-10-11"] || names["2026-10-10"] {
		t.Errorf("server root after prune = %v", names)
	}
	if _, err := os.Stat(filepath.Join(partition, lockfile.LockFileName)); !os.IsNotExist(err) {
		t.Errorf("partition lock left behind: %v", err)
	}
}

func TestRunPrune_DryRun(t *testing.T) {
	serverRoot := filepath.Join(t.TempDir(), "web1")
	date := time.Date(2026, 10, 19, 0, 0, 0, 0, time.Local)
	makeSets(t, serverRoot, date, 10)

	err := RunPrune(context.Background(), map[string]interface{}{
		"config-dir":  t.TempDir(),
		"server-root": serverRoot,
		"retention":   7,
		"date":        "2026-10-19",
		"dry-run":     true,
	})
	if err != nil {
		t.Fatalf("RunPrune: %v", err)
	}
	entries, _ := os.ReadDir(serverRoot)
	if len(entries) != 10 {
		t.Errorf("dry run changed the server root: %d entries", len(entries))
	}
}

func TestRunPrune_Validation(t *testing.T) {
	serverRoot := t.TempDir()
	tests := []struct {
		name    string
		flagMap map[string]interface{}
	}{
		{"missing root", map[string]interface{}{"retention": 7}},
		{"root does not exist", map[string]interface{}{"server-root": filepath.Join(serverRoot, "nope"), "retention": 7}},
		{"missing retention", map[string]interface{}{"server-root": serverRoot}},
		{"unknown retention", map[string]interface{}{"server-root": serverRoot, "retention": 10, "config-dir": t.TempDir()}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.flagMap["force"] = true
			if err := RunPrune(context.Background(), tc.flagMap); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestRunCleanIndex(t *testing.T) {
	partition := t.TempDir()
	flagMap := map[string]interface{}{"config-dir": t.TempDir(), "partition": partition}

	// A fresh index has nothing to sweep.
	if err := RunCleanIndex(context.Background(), flagMap); err != nil {
		t.Fatalf("RunCleanIndex: %v", err)
	}

	held, err := lockfile.Acquire(partition, "daemon")
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release()
	// A partition in use is skipped without an error.
	if err := RunCleanIndex(context.Background(), flagMap); err != nil {
		t.Errorf("RunCleanIndex on a locked partition: %v", err)
	}
}
