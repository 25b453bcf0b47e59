package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// ExecScriptRunner implements ScriptRunner using os/exec via the shell, so
// task files can use pipes and globs in precondition and script commands.
type ExecScriptRunner struct{}

// Run executes a shell command in dir and returns its stdout.
func (r *ExecScriptRunner) Run(ctx context.Context, dir, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return string(out), fmt.Errorf("sh -c %q: %w: %s", command, err, exitErr.Stderr)
		}
		return string(out), fmt.Errorf("sh -c %q: %w", command, err)
	}
	return string(out), nil
}
