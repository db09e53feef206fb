package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// batchModeEnv keeps executors, reviewers and verification commands from
// ever waiting on a prompt.
var batchModeEnv = []string{
	"CI=1",
	"GIT_TERMINAL_PROMPT=0",
	"GIT_ASKPASS=true",
	"DEBIAN_FRONTEND=noninteractive",
}

// stderrTail bounds how much stderr is quoted in an error.
const stderrTail = 2048

// NonInteractiveEnv returns os.Environ plus the batch-mode variables and
// any extra entries.
func NonInteractiveEnv(extra ...string) []string {
	env := os.Environ()
	env = append(env, batchModeEnv...)
	return append(env, extra...)
}

// NewCommand builds a subprocess with stdin closed, running in its own
// process group. Cancelling ctx kills the group.
func NewCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = NonInteractiveEnv()
	cmd.Cancel = func() error { return killGroup(cmd) }
	// Grandchildren can hold the output pipes after the group dies.
	cmd.WaitDelay = 5 * time.Second
	return cmd
}

// Run starts cmd, waits for it and returns what it wrote. The process is
// registered with procs (when non-nil) between start and exit. A non-zero
// exit wraps *exec.ExitError; cancellation wraps ctx.Err().
func Run(ctx context.Context, cmd *exec.Cmd, procs *ProcessManager) (stdout []byte, stderr []byte, err error) {
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("starting %s: %w", cmd.Path, err)
	}
	if procs != nil {
		procs.Track(cmd)
		defer procs.Untrack(cmd)
	}

	waitErr := cmd.Wait()
	stdout, stderr = outBuf.Bytes(), errBuf.Bytes()

	switch {
	case waitErr == nil:
		return stdout, stderr, nil
	case ctx.Err() != nil:
		return stdout, stderr, fmt.Errorf("command interrupted: %w", errors.Join(ctx.Err(), waitErr))
	case len(stderr) > 0:
		return stdout, stderr, fmt.Errorf("command failed: %w (stderr: %s)", waitErr, tail(stderr, stderrTail))
	default:
		return stdout, stderr, fmt.Errorf("command failed: %w", waitErr)
	}
}

func tail(b []byte, n int) string {
	b = bytes.TrimSpace(b)
	if len(b) <= n {
		return string(b)
	}
	return "..." + string(b[len(b)-n:])
}

func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return errors.New("process not started")
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("killing process group %d: %w", cmd.Process.Pid, err)
	}
	return nil
}
