package cmd

import (
	"context"
	"time"

	"github.com/paulschiretz/pgl-failover/pkg/buildinfo"
	"github.com/paulschiretz/pgl-failover/pkg/config"
	"github.com/paulschiretz/pgl-failover/pkg/flagparse"
	"github.com/paulschiretz/pgl-failover/pkg/plog"
	"github.com/paulschiretz/pgl-failover/pkg/server"
)

// RunServe runs the failover daemon until ctx is cancelled.
func RunServe(ctx context.Context, flagMap map[string]interface{}) error {
	runConfig, err := loadRunConfig(flagparse.Serve, flagMap, config.ValidationOptions{RequirePartitions: true})
	if err != nil {
		return err
	}

	startTime := time.Now()
	if err := server.New(runConfig, nil).ListenAndServe(ctx); err != nil {
		return err
	}
	plog.Info(buildinfo.Name+" daemon shut down.", "uptime", time.Since(startTime).Round(time.Second))
	return nil
}
