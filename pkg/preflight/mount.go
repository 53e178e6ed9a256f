package preflight

import (
	"fmt"

	"github.com/paulschiretz/pgl-failover/pkg/util"
)

// CheckMounted refuses a partition on the root filesystem. An unmounted
// backup disk leaves an empty directory behind, and replicating into it would
// fill the system disk.
func CheckMounted(partition string) error {
	root, err := util.Lstat("/")
	if err != nil {
		return fmt.Errorf("failed to stat root: %w", err)
	}
	st, err := util.Lstat(partition)
	if err != nil {
		return fmt.Errorf("failed to stat partition: %w", err)
	}
	if st.Dev == root.Dev && partition != "/" {
		return fmt.Errorf("partition '%s' is on the root filesystem (system disk). "+
			"Ensure the backup disk is mounted", partition)
	}
	return nil
}
