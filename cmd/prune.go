package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/paulschiretz/pgl-failover/pkg/buildinfo"
	"github.com/paulschiretz/pgl-failover/pkg/config"
	"github.com/paulschiretz/pgl-failover/pkg/flagparse"
	"github.com/paulschiretz/pgl-failover/pkg/plog"
	"github.com/paulschiretz/pgl-failover/pkg/retention"
)

// RunPrune handles the logic for the prune command.
func RunPrune(ctx context.Context, flagMap map[string]interface{}) error {
	serverRoot, err := absFlag(flagMap, "server-root")
	if err != nil {
		return err
	}
	// NOTE: the server root needs to exist for a prune run
	if fi, err := os.Stat(serverRoot); err != nil || !fi.IsDir() {
		return fmt.Errorf("server root '%s' does not exist", serverRoot)
	}
	days, _ := flagMap["retention"].(int)
	if days < 1 {
		return fmt.Errorf("the -retention flag is required to run prune")
	}
	date, err := passDate(flagMap)
	if err != nil {
		return err
	}

	runConfig, err := loadRunConfig(flagparse.Prune, flagMap, config.ValidationOptions{})
	if err != nil {
		return err
	}
	if !runConfig.ValidRetention(days) {
		return fmt.Errorf("retention %d is neither a short retention nor one of the configured levels %v", days, runConfig.RetentionLevels)
	}

	dryRun, _ := flagMap["dry-run"].(bool)
	force, _ := flagMap["force"].(bool)
	if !dryRun && !force {
		fmt.Printf("This operation will recycle and permanently delete backup sets in %s\n", serverRoot)
		fmt.Printf("  Retention: %d days, reference date %s\n", days, date.Format("2006-01-02"))
		if !PromptForConfirmation("Are you sure you want to continue?", false) {
			plog.Info(buildinfo.Name + " prune operation canceled.")
			return nil
		}
	}

	release, err := acquirePartitionLock(filepath.Dir(serverRoot), fmt.Sprintf("%s-prune:%s", buildinfo.AppID, serverRoot))
	if err != nil || release == nil {
		return err
	}
	defer release()

	startTime := time.Now()
	job, err := retention.Apply(ctx, serverRoot, date, &retention.Plan{
		Retention:     days,
		Levels:        runConfig.RetentionLevels,
		DeleteWorkers: runConfig.Engine.Performance.DeleteWorkers,
		DryRun:        dryRun,
		Metrics:       runConfig.Engine.Metrics,
	})
	if errors.Is(err, retention.ErrNothingToClean) {
		plog.Info("Nothing to prune.", "root", serverRoot)
		return nil
	}
	if err != nil {
		return err
	}
	plog.Info("Retention decided",
		"keep", len(job.Decision.Keep),
		"recycle", len(job.Decision.Recycle),
		"delete", len(job.Decision.Delete))
	if err := job.Wait(); err != nil {
		return fmt.Errorf("prune incomplete: %w", err)
	}
	plog.Info(buildinfo.Name+" prune finished successfully.", "duration", time.Since(startTime).Round(time.Millisecond))
	return nil
}
