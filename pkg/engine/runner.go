package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/lattice-ops/lattice/pkg/stores"
)

// Command is one step handed to a runner. The command text is opaque and
// already substituted.
type Command struct {
	ExecutionID string
	Phase       stores.StepPhase
	Index       int
	Name        string
	Command     string
	Target      string
}

// StepRunner executes a command, streaming combined output to out. A nil
// error means the command succeeded; a failed command reports its exit code
// with a non-nil error, or -1 when it never ran.
type StepRunner interface {
	Run(ctx context.Context, cmd Command, out io.Writer) (exitCode int, err error)
}

// LocalRunner runs commands with sh -c.
type LocalRunner struct {
	Shell string
	Env   []string
	Dir   string
}

// Run implements StepRunner.
func (r *LocalRunner) Run(ctx context.Context, cmd Command, out io.Writer) (int, error) {
	shell := r.Shell
	if shell == "" {
		shell = "sh"
	}
	c := exec.CommandContext(ctx, shell, "-c", cmd.Command)
	c.Stdout = out
	c.Stderr = out
	c.Dir = r.Dir
	if len(r.Env) > 0 {
		c.Env = r.Env
	}

	err := c.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), fmt.Errorf("command exited with status %d", exitErr.ExitCode())
	}
	return -1, fmt.Errorf("failed to start command: %w", err)
}

// RemoteSessions runs a command on a named host.
type RemoteSessions interface {
	Run(ctx context.Context, host, command string, stdout, stderr io.Writer) (exitCode int, err error)
}

// RemoteRunner runs commands over SSH on the step's target.
type RemoteRunner struct {
	Sessions RemoteSessions
}

// Run implements StepRunner.
func (r *RemoteRunner) Run(ctx context.Context, cmd Command, out io.Writer) (int, error) {
	if r.Sessions == nil {
		return -1, fmt.Errorf("no remote hosts configured for target %q", cmd.Target)
	}
	w := &lockedWriter{w: out}
	return r.Sessions.Run(ctx, cmd.Target, cmd.Command, w, w)
}

// Runners picks the local or remote runner from the step target.
type Runners struct {
	Local  StepRunner
	Remote StepRunner
}

// Run implements StepRunner.
func (r Runners) Run(ctx context.Context, cmd Command, out io.Writer) (int, error) {
	if cmd.Target != "" {
		if r.Remote == nil {
			return -1, fmt.Errorf("step %q targets %q but remote execution is not configured", cmd.Name, cmd.Target)
		}
		return r.Remote.Run(ctx, cmd, out)
	}
	if r.Local == nil {
		return -1, fmt.Errorf("local execution is not configured")
	}
	return r.Local.Run(ctx, cmd, out)
}

// lockedWriter serializes writes from the stdout and stderr copiers.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
