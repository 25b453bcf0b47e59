package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// ExecSpawner is the production Spawner. It invokes the worker CLI with the
// conversation handle, profile, and capability allow-list as arguments and
// pipes the instruction text in on stdin.
type ExecSpawner struct {
	// Command is the worker executable (default "claude").
	Command string
}

// NewExecSpawner creates an ExecSpawner for the given worker command.
func NewExecSpawner(command string) *ExecSpawner {
	if command == "" {
		command = "claude"
	}
	return &ExecSpawner{Command: command}
}

// buildArgs encodes the invocation as worker CLI arguments. Pure function
// for testability.
func buildArgs(inv Invocation) []string {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}

	switch inv.Mode {
	case ModeCreate:
		args = append(args, "--session-id", inv.Handle)
	case ModeResume:
		args = append(args, "--resume", inv.Handle)
	case ModeLatest:
		args = append(args, "--continue")
	}

	if inv.Profile != "" {
		args = append(args, "--model", inv.Profile)
	}
	if len(inv.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(inv.AllowedTools, ","))
	}
	return args
}

// Spawn starts the worker subprocess for one invocation.
func (s *ExecSpawner) Spawn(ctx context.Context, inv Invocation) (Process, error) {
	cmd := exec.CommandContext(ctx, s.Command, buildArgs(inv)...)
	cmd.Dir = inv.Dir
	cmd.Stdin = strings.NewReader(inv.Instructions)

	var stderr strings.Builder
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", s.Command, err)
	}
	return &cmdProcess{cmd: cmd, stdout: stdout, stderr: &stderr}, nil
}

// cmdProcess wraps *exec.Cmd to implement the Process interface.
type cmdProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr *strings.Builder
}

func (p *cmdProcess) Stdout() io.Reader { return p.stdout }

// Interrupt sends SIGINT for cooperative cancellation.
func (p *cmdProcess) Interrupt() error {
	if p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		return fmt.Errorf("interrupt worker: %w", err)
	}
	return nil
}

// Kill terminates the subprocess immediately.
func (p *cmdProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill worker: %w", err)
	}
	return nil
}

// Wait blocks until the subprocess exits.
func (p *cmdProcess) Wait() error {
	if err := p.cmd.Wait(); err != nil {
		return fmt.Errorf("worker wait: %w", err)
	}
	return nil
}

func (p *cmdProcess) Stderr() string { return p.stderr.String() }
