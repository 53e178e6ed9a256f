package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-failover/pkg/buildinfo"
	"github.com/paulschiretz/pgl-failover/pkg/config"
	"github.com/paulschiretz/pgl-failover/pkg/dataindex"
	"github.com/paulschiretz/pgl-failover/pkg/flagparse"
	"github.com/paulschiretz/pgl-failover/pkg/plog"
)

// RunCleanIndex runs one orphan sweep over a partition's content index.
func RunCleanIndex(ctx context.Context, flagMap map[string]interface{}) error {
	partition, err := absFlag(flagMap, "partition")
	if err != nil {
		return err
	}
	runConfig, err := loadRunConfig(flagparse.CleanIndex, flagMap, config.ValidationOptions{})
	if err != nil {
		return err
	}

	release, err := acquirePartitionLock(partition, fmt.Sprintf("%s-clean-index:%s", buildinfo.AppID, partition))
	if err != nil || release == nil {
		return err
	}
	defer release()

	ix, err := dataindex.Open(partition, runConfig.DataIndex.MaxLinkCount)
	if err != nil {
		return err
	}

	startTime := time.Now()
	removed, err := ix.CleanOrphans(ctx)
	if errors.Is(err, dataindex.ErrNoOrphans) {
		plog.Info("Content index has no orphans.", "index", ix.Dir())
		return nil
	}
	if err != nil {
		return fmt.Errorf("content index sweep failed after %d removals: %w", removed, err)
	}
	plog.Info(buildinfo.Name+" content index cleaned.", "index", ix.Dir(), "removed", removed, "duration", time.Since(startTime).Round(time.Millisecond))
	return nil
}
