package runner

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes constructed commands. Every privileged external call the
// chain manager makes goes through this interface, which keeps the kernel
// mutation surface mockable in tests.
type Runner interface {
	// Run executes the command and discards its output.
	Run(ctx context.Context, cmd Command) error
	// Output executes the command and returns its captured stdout.
	Output(ctx context.Context, cmd Command) (string, error)
}

// CommandError reports a non-zero exit from an external command, carrying
// whatever the tool wrote to stderr.
type CommandError struct {
	Cmd    Command
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("command %q failed: %v: %s", e.Cmd.String(), e.Err, e.Stderr)
	}
	return fmt.Sprintf("command %q failed: %v", e.Cmd.String(), e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// IsCommandError reports whether err wraps a CommandError.
func IsCommandError(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// NewExecRunner returns the production runner.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes the command, folding stderr into the returned error on failure.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) error {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	var stderr strings.Builder
	c.Stderr = &stderr
	if err := c.Run(); err != nil {
		return &CommandError{Cmd: cmd, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	return nil
}

// Output executes the command and returns trimmed stdout.
func (r *ExecRunner) Output(ctx context.Context, cmd Command) (string, error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	var stdout, stderr strings.Builder
	c.Stdout = &stdout
	c.Stderr = &stderr
	if err := c.Run(); err != nil {
		return "", &CommandError{Cmd: cmd, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	return strings.TrimSpace(stdout.String()), nil
}
