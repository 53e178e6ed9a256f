package hook

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"time"

	"github.com/paulschiretz/pgl-failover/pkg/hints"
	"github.com/paulschiretz/pgl-failover/pkg/plog"
)

var ErrNothingToExecute = hints.New("nothing to execute")
var ErrDisabled = hints.New("mysql restart is disabled")

// DefaultTimeout bounds a single init script invocation.
const DefaultTimeout = 5 * time.Minute

type RestartExecutor struct {
	// commandContext allows mocking os/exec for testing restarts.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
	timeout        time.Duration
}

// NewRestartExecutor creates a RestartExecutor. A nil commandContext uses exec.CommandContext.
func NewRestartExecutor(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *RestartExecutor {
	if commandContext == nil {
		commandContext = exec.CommandContext
	}
	return &RestartExecutor{
		commandContext: commandContext,
		timeout:        DefaultTimeout,
	}
}

// Command returns the argv used to restart one MySQL server inside root.
func Command(root, initScriptDir, server string) []string {
	return []string{"chroot", root, path.Join(initScriptDir, "mysql-"+server), "restart"}
}

// Run restarts every server in p. Each failure is logged and the run continues
// with the next server; the returned error joins all failures.
func (e *RestartExecutor) Run(ctx context.Context, p *Plan) error {
	if !p.Enabled {
		return ErrDisabled
	}
	if len(p.Servers) == 0 {
		return ErrNothingToExecute
	}

	plog.Info("Restarting MySQL servers", "root", p.Root, "count", len(p.Servers))

	var errs []error
	for _, server := range p.Servers {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		argv := Command(p.Root, p.InitScriptDir, server)
		plog.Info("Executing command", "command", argv)

		if err := e.runOne(ctx, argv); err != nil {
			plog.Warn("MySQL restart failed", "server", server, "error", err)
			errs = append(errs, fmt.Errorf("restart mysql-%s: %w", server, err))
		}
	}
	return errors.Join(errs...)
}

func (e *RestartExecutor) runOne(ctx context.Context, argv []string) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := e.createCommand(ctx, argv)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
