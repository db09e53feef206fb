package backend

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_CapturesBothStreams(t *testing.T) {
	ctx := context.Background()
	stdout, stderr, err := Run(ctx, NewCommand(ctx, "bash", "-c", "echo warn >&2; echo ok"), nil)
	require.NoError(t, err)
	assert.Equal(t, "ok\n", string(stdout))
	assert.Equal(t, "warn\n", string(stderr))
}

// Far more than one pipe buffer of output.
func TestRun_LargeOutput(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stdout, _, err := Run(ctx, NewCommand(ctx, "bash", mockCLIPath(t), "--large-output", "256"), nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, strings.Count(string(stdout), "\n"), 16000)
}

func TestNewCommand_BatchMode(t *testing.T) {
	ctx := context.Background()
	cmd := NewCommand(ctx, "bash", "-c", `echo "$CI:$GIT_TERMINAL_PROMPT"; read -r line || echo "no-stdin"`)

	stdout, _, err := Run(ctx, cmd, nil)
	require.NoError(t, err)
	assert.Equal(t, "1:0\nno-stdin\n", string(stdout))
}

func TestRun_Cancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, _, err := Run(ctx, NewCommand(ctx, "bash", mockCLIPath(t), "--sleep", "30"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRun_NonZeroExit(t *testing.T) {
	ctx := context.Background()
	cmd := NewCommand(ctx, "bash", "-c", "echo partial; echo broken >&2; exit 4")

	stdout, _, err := Run(ctx, cmd, nil)
	require.Error(t, err)
	assert.Equal(t, "partial\n", string(stdout))
	assert.Contains(t, err.Error(), "stderr: broken")

	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 4, exitErr.ExitCode())
}

func TestRun_StartFailure(t *testing.T) {
	ctx := context.Background()
	_, _, err := Run(ctx, NewCommand(ctx, "/nonexistent/agent-cli"), NewProcessManager())
	assert.ErrorContains(t, err, "starting")
}

func TestTail(t *testing.T) {
	assert.Equal(t, "short", tail([]byte("  short\n"), 10))
	assert.Equal(t, "...6789", tail([]byte("0123456789"), 4))
}

func TestProcessManager_TracksDuringRun(t *testing.T) {
	pm := NewProcessManager()
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, _, err := Run(ctx, NewCommand(ctx, "bash", mockCLIPath(t), "--sleep", "1"), pm)
		done <- err
	}()

	require.Eventually(t, func() bool { return pm.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, <-done)
	assert.Zero(t, pm.Count())
}

func TestProcessManager_KillAll(t *testing.T) {
	pm := NewProcessManager()
	cmd := NewCommand(context.Background(), "bash", mockCLIPath(t), "--sleep", "300")
	require.NoError(t, cmd.Start())

	pm.Track(cmd)
	assert.Equal(t, 1, pm.Count())
	require.NoError(t, pm.KillAll())

	err := cmd.Wait()
	var exitErr *exec.ExitError
	require.True(t, errors.As(err, &exitErr), "expected kill, got %v", err)
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	require.True(t, ok)
	assert.True(t, status.Signaled())

	pm.Untrack(cmd)
	assert.Zero(t, pm.Count())
}

func TestProcessManager_KillsWholeGroup(t *testing.T) {
	pm := NewProcessManager()
	cmd := NewCommand(context.Background(), "bash", mockCLIPath(t), "--spawn-child", "--sleep", "30")
	require.NoError(t, cmd.Start())
	parent := cmd.Process.Pid
	pm.Track(cmd)

	time.Sleep(200 * time.Millisecond)
	pm.KillAll()
	cmd.Wait()
	pm.Untrack(cmd)

	out, err := exec.Command("pgrep", "-P", fmt.Sprint(parent)).CombinedOutput()
	if err == nil {
		assert.Empty(t, strings.TrimSpace(string(out)), "children survived KillAll")
	}
}

func TestProcessManager_IgnoresUnstarted(t *testing.T) {
	pm := NewProcessManager()
	pm.Track(exec.Command("true"))
	assert.Zero(t, pm.Count())
	assert.NoError(t, pm.KillAll())
}

func TestRun_SequentialTurnsLeaveNothingTracked(t *testing.T) {
	pm := NewProcessManager()
	ctx := context.Background()

	for i := range 10 {
		want := fmt.Sprintf("attempt-%d", i)
		stdout, _, err := Run(ctx, NewCommand(ctx, "bash", mockCLIPath(t), "--echo", want), pm)
		require.NoError(t, err)
		assert.Contains(t, string(stdout), want)
	}
	assert.Zero(t, pm.Count())
}
