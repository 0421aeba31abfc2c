//go:build !windows

package transfer

import (
	"context"
	"os/exec"

	"golang.org/x/sys/unix"
)

// createCommand puts the agent in its own process group and kills the whole
// group on cancellation, so helpers it spawned do not outlive it.
func (u *ExecUploader) createCommand(ctx context.Context, name string, arg ...string) *exec.Cmd {
	cmd := u.commandContext(ctx, name, arg...)
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	return cmd
}
