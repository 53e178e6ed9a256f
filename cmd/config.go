package cmd

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/paulschiretz/pgl-failover/pkg/config"
	"github.com/paulschiretz/pgl-failover/pkg/flagparse"
	"github.com/paulschiretz/pgl-failover/pkg/lifecycle"
	"github.com/paulschiretz/pgl-failover/pkg/lockfile"
	"github.com/paulschiretz/pgl-failover/pkg/plog"
	"github.com/paulschiretz/pgl-failover/pkg/util"
)

// loadRunConfig loads the config file from the -config-dir (or the default
// directory), overlays the flags and validates the result.
func loadRunConfig(command flagparse.Command, flagMap map[string]interface{}, opts config.ValidationOptions) (config.Config, error) {
	configDir := config.DefaultConfigDir
	if dir, ok := flagMap["config-dir"].(string); ok && dir != "" {
		expanded, err := util.ExpandPath(dir)
		if err != nil {
			return config.Config{}, fmt.Errorf("could not expand config directory: %w", err)
		}
		configDir = expanded
	}

	loadedConfig, err := config.Load(configDir)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Merge the flag values over the loaded config.
	runConfig := config.MergeConfigWithFlags(command, loadedConfig, flagMap)

	// CRITICAL: Validate the config for the run
	if err := runConfig.Validate(opts); err != nil {
		return config.Config{}, err
	}

	// Set the global log level.
	plog.SetLevel(plog.LevelFromString(runConfig.LogLevel))
	if quiet, ok := flagMap["quiet"].(bool); ok {
		plog.SetQuiet(quiet)
	}
	runConfig.LogSummary(command)
	return runConfig, nil
}

// passDate returns the -date flag as local midnight, or today.
func passDate(flagMap map[string]interface{}) (time.Time, error) {
	s, _ := flagMap["date"].(string)
	if s == "" {
		y, m, d := time.Now().Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.Local), nil
	}
	t, err := time.ParseInLocation(lifecycle.DateLayout, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid -date %q, want YYYY-MM-DD: %w", s, err)
	}
	return t, nil
}

// absFlag returns the required path flag name as a clean absolute path.
func absFlag(flagMap map[string]interface{}, name string) (string, error) {
	v, ok := flagMap[name].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("the -%s flag is required", name)
	}
	expanded, err := util.ExpandPath(v)
	if err != nil {
		return "", fmt.Errorf("could not expand -%s: %w", name, err)
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("could not determine absolute path for %s: %w", v, err)
	}
	return abs, nil
}

// acquirePartitionLock takes the lock file of a backup partition for a
// maintenance command. A nil release with a nil error means a daemon or
// another command holds it and the caller should exit quietly.
func acquirePartitionLock(partition, appID string) (func(), error) {
	plog.Debug("Attempting to acquire lock", "path", partition)
	lock, err := lockfile.Acquire(partition, appID)
	if err != nil {
		var lockErr *lockfile.ErrLockActive
		if errors.As(err, &lockErr) {
			plog.Warn("Partition is in use, skipping run.", "details", lockErr.Error())
			return nil, nil
		}
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	plog.Debug("Lock acquired successfully.")
	return lock.Release, nil
}
