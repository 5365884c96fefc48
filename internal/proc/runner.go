// Package proc executes external commands with timeouts and output capture.
//
// Non-zero exit is a normal result the caller inspects; only a timeout,
// cancellation, or a spawn failure (missing binary) is reported as an error.
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Process errors.
var (
	// ErrTimeout is returned when a command exceeds its deadline.
	ErrTimeout = errors.New("process timed out")

	// ErrCancelled is returned when a command is cancelled before completion.
	ErrCancelled = errors.New("process cancelled")

	// ErrSpawn is returned when the command could not be started.
	ErrSpawn = errors.New("process could not be started")
)

// Result captures the outcome of a completed command.
type Result struct {
	// ExitCode is the process exit code. Zero on success.
	ExitCode int

	// Stdout is the captured standard output.
	Stdout string

	// Stderr is the captured standard error.
	Stderr string

	// Duration is how long the command ran.
	Duration time.Duration
}

// Success returns true if the command exited zero.
func (r *Result) Success() bool {
	return r.ExitCode == 0
}

// Command describes an external command to run.
type Command struct {
	// Name is the binary to execute.
	Name string

	// Args are the command arguments.
	Args []string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Env are extra environment entries in KEY=VALUE form, appended to the
	// parent environment.
	Env []string

	// Timeout bounds execution. Zero means no timeout.
	Timeout time.Duration
}

// Runner runs external commands.
type Runner struct {
	// DefaultTimeout applies when a Command has no timeout of its own.
	DefaultTimeout time.Duration
}

// NewRunner creates a runner with the given default timeout.
func NewRunner(defaultTimeout time.Duration) *Runner {
	return &Runner{DefaultTimeout: defaultTimeout}
}

// Run executes the command and waits for it to finish.
//
// On timeout the whole process group is killed and ErrTimeout is returned
// wrapped with the command line. Context cancellation behaves the same way
// with ErrCancelled.
func (r *Runner) Run(ctx context.Context, c Command) (*Result, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = r.DefaultTimeout
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.Command(c.Name, c.Args...)
	if c.Dir != "" {
		cmd.Dir = c.Dir
	}
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// Own process group so a kill reaches children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawn, c.String(), err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		killGroup(cmd)
		<-done // reap

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, c.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrCancelled, c.String())

	case err := <-done:
		result := &Result{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: time.Since(start),
		}

		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				result.ExitCode = exitErr.ExitCode()
				return result, nil
			}
			return nil, fmt.Errorf("%w: %s: %v", ErrSpawn, c.String(), err)
		}

		return result, nil
	}
}

// killGroup kills the command's process group.
func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	// Negative pid targets the group. Fall back to the single process if the
	// group kill fails (the child may not have had Setpgid applied yet).
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
}

// String returns the command line for diagnostics.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}
