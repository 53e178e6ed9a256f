package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-failover/pkg/buildinfo"
	"github.com/paulschiretz/pgl-failover/pkg/config"
	"github.com/paulschiretz/pgl-failover/pkg/flagparse"
	"github.com/paulschiretz/pgl-failover/pkg/plog"
	"github.com/paulschiretz/pgl-failover/pkg/util"
)

// RunInit handles the logic for the 'init' command.
func RunInit(ctx context.Context, flagMap map[string]interface{}) error {
	configDir := config.DefaultConfigDir
	if dir, ok := flagMap["config-dir"].(string); ok && dir != "" {
		configDir = dir
	}
	expanded, err := util.ExpandPath(configDir)
	if err != nil {
		return fmt.Errorf("could not expand config directory: %w", err)
	}
	absConfigDir, err := filepath.Abs(expanded)
	if err != nil {
		return fmt.Errorf("could not determine absolute path for config directory %s: %w", configDir, err)
	}

	var baseConfig config.Config

	// Check if init-default is set
	initDefault := false
	if v, ok := flagMap["default"]; ok {
		initDefault = v.(bool)
	}

	if initDefault {
		// Check for force flag to bypass confirmation
		force := false
		if f, ok := flagMap["force"]; ok {
			force = f.(bool)
		}

		if !force {
			absConfigFilePath := filepath.Join(absConfigDir, config.ConfigFileName)
			if _, err := os.Stat(absConfigFilePath); err == nil {
				fmt.Printf("WARNING: Configuration file already exists at %s.\n", absConfigFilePath)
				fmt.Printf("Using -default will overwrite it with default values. All custom settings will be lost.\n")
				if !PromptForConfirmation("Are you sure you want to continue?", false) {
					plog.Info(buildinfo.Name + " init operation canceled.")
					return nil
				}
			}
		}
		baseConfig = config.NewDefault()
	} else {
		// Keep existing settings; a broken file falls back to defaults.
		baseConfig, err = config.Load(absConfigDir)
		if err != nil {
			plog.Warn("Could not load existing configuration, starting with defaults.", "reason", err)
			baseConfig = config.NewDefault()
		}
	}
	baseConfig.ConfigDir = absConfigDir

	runConfig := config.MergeConfigWithFlags(flagparse.Init, baseConfig, flagMap)
	runConfig.ConfigDir = absConfigDir

	// Partitions may not exist yet when the config is written ahead of the mount.
	if err := runConfig.Validate(config.ValidationOptions{}); err != nil {
		return err
	}
	for _, p := range runConfig.Partitions {
		if _, err := os.Stat(p); err != nil {
			plog.Warn("Configured partition is not accessible yet", "partition", p, "error", err)
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	startTime := time.Now()
	if err := config.Generate(runConfig); err != nil {
		return fmt.Errorf("failed to generate config file: %w", err)
	}

	duration := time.Since(startTime).Round(time.Millisecond)
	plog.Info(buildinfo.Name+" configuration initialized.", "config_dir", absConfigDir, "duration", duration)
	return nil
}

// PromptForConfirmation prompts the user for a yes/no response.
func PromptForConfirmation(prompt string, defaultYes bool) bool {
	suffix := "[y/N]"
	if defaultYes {
		suffix = "[Y/n]"
	}
	fmt.Printf("%s %s: ", prompt, suffix)

	var response string
	_, _ = fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))

	if response == "" {
		return defaultYes
	}
	return response == "y" || response == "yes"
}
