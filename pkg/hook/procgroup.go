package hook

import (
	"context"
	"os/exec"

	"golang.org/x/sys/unix"
)

// createCommand puts the init script in its own process group so a timeout
// takes down everything it spawned.
func (e *RestartExecutor) createCommand(ctx context.Context, argv []string) *exec.Cmd {
	cmd := e.commandContext(ctx, argv[0], argv[1:]...)
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	return cmd
}
