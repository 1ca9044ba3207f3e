// Package process supervises agent subprocesses. Children are started
// in their own session where the platform allows it, so a deadline can
// terminate the whole tree with one group signal instead of leaving
// orphans holding the output pipes open.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// ErrTimeout marks a run killed by its deadline, distinct from a child
// that exited non-zero on its own.
var ErrTimeout = errors.New("process deadline exceeded")

// Output is the captured result of a supervised child.
type Output struct {
	Success  bool
	ExitCode int
	Stdout   string
	Stderr   string
}

// Child is a spawned subprocess with its output streams captured.
type Child struct {
	cmd    *exec.Cmd
	stdout bytes.Buffer
	stderr bytes.Buffer
}

// Spawn starts name+args in cwd with the given extra environment. The
// child gets its own session on POSIX hosts.
func Spawn(name string, args []string, cwd string, env []string) (*Child, error) {
	c := &Child{cmd: exec.Command(name, args...)}
	c.cmd.Dir = cwd
	c.cmd.Env = env
	c.cmd.Stdout = &c.stdout
	c.cmd.Stderr = &c.stderr
	setSessionAttrs(c.cmd)

	if err := c.cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", name, err)
	}
	return c, nil
}

// GroupID returns the child's process group identifier. On platforms
// without sessions this is just the pid.
func (c *Child) GroupID() int {
	return c.cmd.Process.Pid
}

// Wait blocks until the child exits within timeout. On deadline elapse
// the whole group is sent a polite termination signal, given grace to
// exit, then force-killed. Every exit path reaps the child before
// returning; output captured up to the kill is preserved.
func (c *Child) Wait(ctx context.Context, timeout, grace time.Duration) (Output, error) {
	waitCh := make(chan error, 1)
	go func() { waitCh <- c.cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-waitCh:
		return c.output(err), nil
	case <-ctx.Done():
		c.killAndReap(waitCh, grace)
		return c.output(ctx.Err()), ctx.Err()
	case <-timer.C:
		c.killAndReap(waitCh, grace)
		return c.output(ErrTimeout), ErrTimeout
	}
}

// Kill terminates the child's group immediately, with grace between the
// polite and forced signals, and reaps it.
func (c *Child) Kill(grace time.Duration) {
	waitCh := make(chan error, 1)
	go func() { waitCh <- c.cmd.Wait() }()
	c.killAndReap(waitCh, grace)
}

func (c *Child) killAndReap(waitCh <-chan error, grace time.Duration) {
	terminateGroup(c.cmd)
	select {
	case <-waitCh:
		return
	case <-time.After(grace):
	}
	killGroup(c.cmd)
	<-waitCh
}

func (c *Child) output(waitErr error) Output {
	out := Output{
		Stdout: c.stdout.String(),
		Stderr: c.stderr.String(),
	}
	switch {
	case waitErr == nil:
		out.Success = true
		out.ExitCode = 0
	case errors.Is(waitErr, ErrTimeout), errors.Is(waitErr, context.Canceled),
		errors.Is(waitErr, context.DeadlineExceeded):
		out.ExitCode = -1
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
		} else {
			out.ExitCode = -1
		}
	}
	return out
}

// Run is the one-shot form: spawn, then wait under the deadline.
func Run(ctx context.Context, name string, args []string, cwd string, env []string, timeout, grace time.Duration) (Output, error) {
	child, err := Spawn(name, args, cwd, env)
	if err != nil {
		return Output{ExitCode: -1, Stderr: err.Error()}, err
	}
	return child.Wait(ctx, timeout, grace)
}
