// Package preflight checks backup partitions before the daemon accepts its
// first connection. The checks do not change the partition apart from a
// short-lived probe file.
package preflight

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/paulschiretz/pgl-failover/pkg/plog"
	"github.com/paulschiretz/pgl-failover/pkg/util"
)

// probeName is the probe file created by CheckPartitionWritable.
const probeName = ".~pgl-failover-probe.tmp"

// Run checks every partition and returns all failures joined.
func Run(partitions []string, p *Plan) error {
	var errs []error
	for _, part := range partitions {
		if err := check(part, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func check(partition string, p *Plan) error {
	if err := CheckPartitionAccessible(partition); err != nil {
		return err
	}
	if p.RequireMount {
		if err := CheckMounted(partition); err != nil {
			return err
		}
	}
	if p.Writable {
		if err := CheckPartitionWritable(partition); err != nil {
			return err
		}
	}
	plog.Debug("Partition passed preflight", "partition", partition)
	return nil
}

// CheckPartitionAccessible verifies that partition exists and is a directory.
func CheckPartitionAccessible(partition string) error {
	info, err := os.Stat(partition)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("partition %s does not exist", partition)
		}
		return fmt.Errorf("cannot access partition %s: %w", partition, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("partition %s is not a directory", partition)
	}
	return nil
}

// CheckPartitionWritable creates a probe file and a hard link to it. Backup
// sets share unchanged files through hard links, so a filesystem without
// them cannot hold a partition.
func CheckPartitionWritable(partition string) error {
	probe := filepath.Join(partition, probeName)
	link := probe + ".link"
	defer os.Remove(probe)
	defer os.Remove(link)

	f, err := os.Create(probe)
	if err != nil {
		return fmt.Errorf("partition %s is not writable: %w", partition, err)
	}
	f.Close()

	if err := os.Link(probe, link); err != nil {
		return fmt.Errorf("partition %s does not support hard links: %w", partition, err)
	}
	st, err := util.Lstat(probe)
	if err != nil {
		return err
	}
	if st.Nlink != 2 {
		return fmt.Errorf("partition %s reports %d links after linking, hard links are not usable", partition, st.Nlink)
	}
	return nil
}
