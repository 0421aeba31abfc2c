package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/paulschiretz/pgl-runsync/pkg/plog"
	"github.com/paulschiretz/pgl-runsync/pkg/remote"
)

// Placeholders understood in an ExecUploader command template.
const (
	PlaceholderProject = "{project}"
	PlaceholderFolder  = "{folder}"
	PlaceholderFile    = "{file}"
	PlaceholderThreads = "{threads}"
)

var ErrNoObjectID = errors.New("upload agent printed no object id")

// ExecUploader runs an external upload agent once per archive. Placeholders
// are substituted within each argument, so a path containing spaces stays a
// single argument. The last non-empty line the agent prints on stdout is
// taken as the object id; stderr is passed through.
type ExecUploader struct {
	args    []string
	threads int
	// commandContext allows mocking os/exec in tests.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// NewExecUploader validates the argument template. A nil commandContext uses
// exec.CommandContext.
func NewExecUploader(command []string, threads int, commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) (*ExecUploader, error) {
	if len(command) == 0 || command[0] == "" {
		return nil, fmt.Errorf("transfer command cannot be empty in exec mode")
	}
	hasFile := false
	for _, a := range command {
		hasFile = hasFile || strings.Contains(a, PlaceholderFile)
	}
	if !hasFile {
		return nil, fmt.Errorf("transfer command %q must contain %s", strings.Join(command, " "), PlaceholderFile)
	}
	args := append([]string(nil), command...)
	if threads <= 0 {
		threads = 1
	}
	if commandContext == nil {
		commandContext = exec.CommandContext
	}
	return &ExecUploader{args: args, threads: threads, commandContext: commandContext}, nil
}

func (u *ExecUploader) expand(localPath string, dest remote.Destination) []string {
	r := strings.NewReplacer(
		PlaceholderProject, dest.Project,
		PlaceholderFolder, dest.Folder,
		PlaceholderFile, localPath,
		PlaceholderThreads, strconv.Itoa(u.threads),
	)
	out := make([]string, len(u.args))
	for i, a := range u.args {
		out[i] = r.Replace(a)
	}
	return out
}

func (u *ExecUploader) Upload(ctx context.Context, localPath string, dest remote.Destination) (string, error) {
	args := u.expand(localPath, dest)
	plog.Debug("Executing upload agent", "command", strings.Join(args, " "))

	cmd := u.createCommand(ctx, args[0], args[1:]...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		// A canceled context makes Wait fail too; report the cancellation.
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("upload agent failed for %s: %w", localPath, err)
	}

	id := lastLine(stdout.String())
	if id == "" {
		return "", fmt.Errorf("%s: %w", localPath, ErrNoObjectID)
	}
	return id, nil
}

func lastLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
