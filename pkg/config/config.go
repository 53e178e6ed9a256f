package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/paulschiretz/pgl-failover/pkg/buildinfo"
	"github.com/paulschiretz/pgl-failover/pkg/flagparse"
	"github.com/paulschiretz/pgl-failover/pkg/plog"
	"github.com/paulschiretz/pgl-failover/pkg/util"
)

// ConfigFileName is the name of the configuration file.
const ConfigFileName = "pgl-failover.config.json"

// DefaultConfigDir is where the daemon looks for its configuration.
const DefaultConfigDir = "/etc/pgl-failover"

// MaxShortRetention is the largest retention that keeps one pass per day.
// Larger retentions must be one of the configured retention levels.
const MaxShortRetention = 7

type EnginePerformanceConfig struct {
	DeleteWorkers int `json:"deleteWorkers"`
	BufferSizeKB  int `json:"bufferSizeKB" comment:"Size of the socket buffers in kilobytes. Default is 256 (256KB)."`
	MaxBatchSize  int `json:"maxBatchSize" comment:"Largest entry batch accepted from a sender."`
	// SessionMemoryMB bounds the buffer memory of all concurrent sessions;
	// connections beyond it are refused.
	SessionMemoryMB int `json:"sessionMemoryMB"`
}

type EngineConfig struct {
	Metrics     bool                    `json:"metrics"`
	Performance EnginePerformanceConfig `json:"performance"`
}

type DataIndexConfig struct {
	Enabled            bool   `json:"enabled"`
	SweepIntervalHours int    `json:"sweepIntervalHours"`
	MaxLinkCount       uint64 `json:"maxLinkCount" comment:"Hard-link ceiling per index entry. Keep it below the filesystem limit."`
}

type MySQLConfig struct {
	// RestartEnabled restarts replicated MySQL servers after a live-mirror pass.
	// SECURITY: the init scripts run as the daemon user inside the mirrored root.
	RestartEnabled bool   `json:"restartEnabled"`
	InitScriptDir  string `json:"initScriptDir"`
}

type PushConfig struct {
	Address     string `json:"address"`
	Compression bool   `json:"compression"`
	BatchSize   int    `json:"batchSize"`
}

type Config struct {
	Version       string   `json:"version"`
	ConfigDir     string   `json:"-"` // Never added to config file
	ListenAddress string   `json:"listenAddress"`
	Partitions    []string `json:"partitions"`
	// RequireMountedPartitions refuses partitions on the root filesystem.
	RequireMountedPartitions bool            `json:"requireMountedPartitions"`
	LogLevel                 string          `json:"logLevel"`
	RetentionLevels          []int           `json:"retentionLevels"`
	Engine                   EngineConfig    `json:"engine"`
	DataIndex                DataIndexConfig `json:"dataIndex"`
	MySQL                    MySQLConfig     `json:"mysql"`
	Push                     PushConfig      `json:"push"`
}

// NewDefault creates and returns a Config struct with sensible default values.
func NewDefault() Config {
	return Config{
		Version:         buildinfo.Version,
		ConfigDir:       DefaultConfigDir,
		ListenAddress:   ":7011",
		Partitions:      []string{}, // Intentionally empty to force user configuration.
		LogLevel:        "info",
		RetentionLevels: []int{14, 31, 92, 183, 365},
		Engine: EngineConfig{
			Metrics: true,
			Performance: EnginePerformanceConfig{
				DeleteWorkers:   4,   // A sensible default for deleting entire backup sets.
				BufferSizeKB:    256, // Keep it between 64KB-4MB
				MaxBatchSize:    1000,
				SessionMemoryMB: 1024,
			},
		},
		DataIndex: DataIndexConfig{
			Enabled:            true,
			SweepIntervalHours: 7 * 24,
			MaxLinkCount:       60000,
		},
		MySQL: MySQLConfig{
			RestartEnabled: false,
			InitScriptDir:  "/etc/init.d",
		},
		Push: PushConfig{
			Address:     "localhost:7011",
			Compression: true,
			BatchSize:   100,
		},
	}
}

// Load attempts to load a configuration from the config directory.
// If the file doesn't exist, it returns the default config without an error.
// If the file exists but fails to parse, it returns an error and a zero-value config.
func Load(configDir string) (Config, error) {
	absConfigDir, err := filepath.Abs(configDir)
	if err != nil {
		return Config{}, fmt.Errorf("could not determine absolute path for config directory %s: %w", configDir, err)
	}

	configPath := filepath.Join(absConfigDir, ConfigFileName)

	file, err := os.Open(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			config := NewDefault()
			config.ConfigDir = absConfigDir
			return config, nil // Config file doesn't exist, which is a normal case.
		}
		return Config{}, fmt.Errorf("error opening config file %s: %w", configPath, err)
	}
	defer file.Close()

	plog.Info("Loading configuration", "path", configPath)
	// Start with default values, then overwrite with the file's content.
	// This makes the config loading resilient to missing fields in the JSON file.
	config := NewDefault()
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&config); err != nil {
		return Config{}, fmt.Errorf("error parsing config file %s: %w", configPath, err)
	}
	config.ConfigDir = absConfigDir

	// At this point our config has been migrated if needed so override the version in the struct
	if config.Version != buildinfo.Version {
		config.Version = buildinfo.Version
	}
	return config, nil
}

// Generate creates or overwrites the config file in the config directory.
func Generate(configToGenerate Config) error {
	if err := os.MkdirAll(configToGenerate.ConfigDir, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	configPath := filepath.Join(configToGenerate.ConfigDir, ConfigFileName)
	jsonData, err := json.MarshalIndent(configToGenerate, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}

	if err := os.WriteFile(configPath, jsonData, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	plog.Info("Successfully saved config file", "path", configPath)
	return nil
}

// ValidationOptions selects the checks that depend on the command being run.
type ValidationOptions struct {
	// RequirePartitions is set for the daemon, which refuses to run without
	// at least one existing backup partition.
	RequirePartitions bool
}

// Validate checks the configuration for logical errors and inconsistencies.
// It also cleans and expands the partition paths in place.
func (c *Config) Validate(opts ValidationOptions) error {
	if opts.RequirePartitions && len(c.Partitions) == 0 {
		return fmt.Errorf("at least one backup partition must be configured")
	}
	for i, p := range c.Partitions {
		expanded, err := util.ExpandPath(p)
		if err != nil {
			return fmt.Errorf("could not expand partition path: %w", err)
		}
		if !filepath.IsAbs(expanded) {
			return fmt.Errorf("partition %q must be an absolute path", p)
		}
		c.Partitions[i] = filepath.Clean(expanded)
		if opts.RequirePartitions {
			if fi, err := os.Stat(c.Partitions[i]); err != nil || !fi.IsDir() {
				return fmt.Errorf("partition '%s' does not exist or is not a directory", c.Partitions[i])
			}
		}
	}

	if len(c.RetentionLevels) == 0 {
		return fmt.Errorf("retentionLevels cannot be empty")
	}
	for i, lvl := range c.RetentionLevels {
		if lvl <= MaxShortRetention {
			return fmt.Errorf("retentionLevels must be larger than %d, got %d", MaxShortRetention, lvl)
		}
		if i > 0 && lvl <= c.RetentionLevels[i-1] {
			return fmt.Errorf("retentionLevels must be strictly increasing")
		}
	}

	if c.Engine.Performance.DeleteWorkers < 1 {
		return fmt.Errorf("engine.performance.deleteWorkers must be at least 1")
	}
	if c.Engine.Performance.BufferSizeKB <= 0 {
		return fmt.Errorf("engine.performance.bufferSizeKB must be greater than 0")
	}
	if c.Engine.Performance.MaxBatchSize < 1 {
		return fmt.Errorf("engine.performance.maxBatchSize must be at least 1")
	}
	if c.Engine.Performance.SessionMemoryMB < 1 {
		return fmt.Errorf("engine.performance.sessionMemoryMB must be at least 1")
	}
	if c.DataIndex.SweepIntervalHours < 0 {
		return fmt.Errorf("dataIndex.sweepIntervalHours cannot be negative")
	}
	if c.DataIndex.Enabled && c.DataIndex.MaxLinkCount < 2 {
		return fmt.Errorf("dataIndex.maxLinkCount must be at least 2")
	}
	if c.MySQL.RestartEnabled && !filepath.IsAbs(c.MySQL.InitScriptDir) {
		return fmt.Errorf("mysql.initScriptDir must be an absolute path")
	}
	if c.Push.BatchSize < 1 {
		return fmt.Errorf("push.batchSize must be at least 1")
	}
	return nil
}

// ValidRetention reports whether a sender may ask for this retention.
func (c *Config) ValidRetention(retention int) bool {
	if retention >= 1 && retention <= MaxShortRetention {
		return true
	}
	return slices.Contains(c.RetentionLevels, retention)
}

// PartitionFor returns the configured partition that directly contains
// toPath. Server roots must sit one level below a partition.
func (c *Config) PartitionFor(toPath string) (string, error) {
	clean := filepath.Clean(toPath)
	if !filepath.IsAbs(clean) || clean != toPath && clean+"/" != toPath {
		return "", fmt.Errorf("destination %q is not a clean absolute path", toPath)
	}
	parent := filepath.Dir(clean)
	for _, p := range c.Partitions {
		if p == parent {
			return p, nil
		}
	}
	return "", fmt.Errorf("destination %q is not directly below a configured partition", toPath)
}

// LogSummary prints a user-friendly summary of the configuration.
func (c *Config) LogSummary(command flagparse.Command) {
	logArgs := []interface{}{
		"command", command,
		"log_level", c.LogLevel,
		"config_dir", c.ConfigDir,
		"metrics", c.Engine.Metrics,
	}
	switch command {
	case flagparse.Serve:
		logArgs = append(logArgs,
			"listen", c.ListenAddress,
			"partitions", strings.Join(c.Partitions, ", "),
			"delete_workers", c.Engine.Performance.DeleteWorkers,
			"buffer_size_kb", c.Engine.Performance.BufferSizeKB,
			"max_batch_size", c.Engine.Performance.MaxBatchSize,
			"session_memory_mb", c.Engine.Performance.SessionMemoryMB,
		)
		levels := make([]string, len(c.RetentionLevels))
		for i, l := range c.RetentionLevels {
			levels[i] = fmt.Sprint(l)
		}
		logArgs = append(logArgs, "retention_levels", strings.Join(levels, "/"))
		if c.DataIndex.Enabled {
			logArgs = append(logArgs, "data_index", fmt.Sprintf("enabled (sweep:%dh links:%d)", c.DataIndex.SweepIntervalHours, c.DataIndex.MaxLinkCount))
		}
		if c.MySQL.RestartEnabled {
			logArgs = append(logArgs, "mysql_restart", fmt.Sprintf("enabled (dir:%s)", c.MySQL.InitScriptDir))
		}
	case flagparse.Push:
		logArgs = append(logArgs,
			"address", c.Push.Address,
			"compression", c.Push.Compression,
			"batch_size", c.Push.BatchSize,
		)
	case flagparse.Prune:
		logArgs = append(logArgs, "delete_workers", c.Engine.Performance.DeleteWorkers)
	}
	plog.Info("Configuration loaded", logArgs...)
}

// MergeConfigWithFlags overlays the configuration values from flags on top of a base
// configuration. It iterates over the setFlags map, which contains only the flags
// explicitly provided by the user on the command line.
func MergeConfigWithFlags(command flagparse.Command, base Config, setFlags map[string]any) Config {
	merged := base
	merged.Partitions = slices.Clone(base.Partitions)
	merged.RetentionLevels = slices.Clone(base.RetentionLevels)

	for name, value := range setFlags {
		switch name {
		case "config-dir":
			merged.ConfigDir = value.(string)
		case "log-level":
			merged.LogLevel = value.(string)
		case "metrics":
			merged.Engine.Metrics = value.(bool)
		case "listen":
			merged.ListenAddress = value.(string)
		case "partitions":
			merged.Partitions = value.([]string)
		case "delete-workers":
			merged.Engine.Performance.DeleteWorkers = value.(int)
		case "buffer-size-kb":
			merged.Engine.Performance.BufferSizeKB = value.(int)
		case "max-batch-size":
			merged.Engine.Performance.MaxBatchSize = value.(int)
		case "session-memory-mb":
			merged.Engine.Performance.SessionMemoryMB = value.(int)
		case "data-index":
			merged.DataIndex.Enabled = value.(bool)
		case "mysql-restart":
			merged.MySQL.RestartEnabled = value.(bool)
		case "mysql-init-dir":
			merged.MySQL.InitScriptDir = value.(string)
		case "address":
			merged.Push.Address = value.(string)
		case "compression":
			merged.Push.Compression = value.(bool)
		case "batch-size":
			switch command {
			case flagparse.Push, flagparse.Init:
				merged.Push.BatchSize = value.(int)
			default:
			}
		default:
			plog.Debug("unhandled flag in MergeConfigWithFlags", "flag", name)
		}
	}
	return merged
}
