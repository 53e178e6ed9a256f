package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-failover/pkg/buildinfo"
	"github.com/paulschiretz/pgl-failover/pkg/client"
	"github.com/paulschiretz/pgl-failover/pkg/config"
	"github.com/paulschiretz/pgl-failover/pkg/flagparse"
	"github.com/paulschiretz/pgl-failover/pkg/plog"
	"github.com/paulschiretz/pgl-failover/pkg/wire"
)

// RunPush replicates a local tree to a failover daemon.
func RunPush(ctx context.Context, flagMap map[string]interface{}) error {
	runConfig, err := loadRunConfig(flagparse.Push, flagMap, config.ValidationOptions{})
	if err != nil {
		return err
	}
	hs, err := pushHandshake(flagMap, runConfig.Push.Compression)
	if err != nil {
		return err
	}
	if runConfig.Push.Address == "" {
		return fmt.Errorf("the -address flag is required to run push (unless configured)")
	}
	source := "/"
	if s, ok := flagMap["source"].(string); ok && s != "" {
		source = s
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", runConfig.Push.Address)
	if err != nil {
		return fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer conn.Close()
	// Unblock the pass when ctx is cancelled mid-transfer.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	plog.Info("Starting push", "source", source, "address", runConfig.Push.Address, "to", hs.ToPath, "date", fmt.Sprintf("%04d-%02d-%02d", hs.Year, hs.Month, hs.Day))
	sum, err := client.Push(ctx, conn, &client.Options{
		Source:     source,
		Handshake:  *hs,
		BatchSize:  runConfig.Push.BatchSize,
		BufferSize: runConfig.Engine.Performance.BufferSizeKB * 1024,
		Exclude:    client.DefaultExcludes,
	})
	if sum != nil {
		sum.Log("Push summary")
	}
	if err != nil {
		return fmt.Errorf("push failed: %w", err)
	}
	plog.Info(buildinfo.Name+" push finished successfully.", "duration", sum.Duration.Round(time.Millisecond))
	return nil
}

// pushHandshake builds the session header from the push flags.
func pushHandshake(flagMap map[string]interface{}, compression bool) (*wire.Handshake, error) {
	toPath, ok := flagMap["to-path"].(string)
	if !ok || toPath == "" {
		return nil, fmt.Errorf("the -to-path flag is required to run push")
	}
	hs := &wire.Handshake{
		UseCompression: compression,
		Retention:      7,
		ToPath:         toPath,
		QuotaGID:       wire.NoQuotaGID,
	}
	if v, ok := flagMap["retention"].(int); ok {
		hs.Retention = v
	}
	if v, ok := flagMap["quota-gid"].(int); ok {
		hs.QuotaGID = v
	}
	if v, ok := flagMap["from-server"].(string); ok && v != "" {
		hs.FromServer = v
	} else {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("could not determine hostname, use -from-server: %w", err)
		}
		hs.FromServer = strings.Split(host, ".")[0]
	}
	date, err := passDate(flagMap)
	if err != nil {
		return nil, err
	}
	hs.SetDate(date)

	if list, ok := flagMap["mysql"].([]string); ok {
		for _, item := range list {
			name, minor, found := strings.Cut(item, ":")
			if !found || name == "" || minor == "" {
				return nil, fmt.Errorf("invalid -mysql entry %q, want name:minorVersion", item)
			}
			hs.MySQLNames = append(hs.MySQLNames, name)
			hs.MySQLMinorVersions = append(hs.MySQLMinorVersions, minor)
		}
	}
	hs.Version = wire.ProtocolVersion
	if err := hs.Validate(); err != nil {
		return nil, err
	}
	return hs, nil
}
