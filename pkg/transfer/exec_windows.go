//go:build windows

package transfer

import (
	"context"
	"os/exec"

	"golang.org/x/sys/windows"
)

// createCommand starts the agent in a new process group.
func (u *ExecUploader) createCommand(ctx context.Context, name string, arg ...string) *exec.Cmd {
	cmd := u.commandContext(ctx, name, arg...)
	cmd.SysProcAttr = &windows.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
	return cmd
}
