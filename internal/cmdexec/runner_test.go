package cmdexec

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/autopilot/internal/backend"
)

func TestRunner_Success(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("x"), 0o644))

	pm := backend.NewProcessManager()
	r := NewRunner(Config{WorkDir: dir}, pm, nil)

	res, err := r.Run(context.Background(), "ls marker.txt && echo checked")
	require.NoError(t, err)
	assert.True(t, res.Passed())
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "checked")
	assert.Equal(t, 0, pm.Count())
}

func TestRunner_NonZeroExitIsEvidenceNotError(t *testing.T) {
	r := NewRunner(Config{WorkDir: t.TempDir()}, nil, nil)

	res, err := r.Run(context.Background(), "echo boom >&2; exit 4")
	require.NoError(t, err)
	assert.False(t, res.Passed())
	assert.Equal(t, 4, res.ExitCode)
	assert.Contains(t, res.Stderr, "boom")
}

func TestRunner_Timeout(t *testing.T) {
	r := NewRunner(Config{WorkDir: t.TempDir(), Timeout: 200 * time.Millisecond}, nil, nil)

	res, err := r.Run(context.Background(), "sleep 10")
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.False(t, res.Passed())
}

func TestRunner_CallerCancellationIsError(t *testing.T) {
	r := NewRunner(Config{WorkDir: t.TempDir()}, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := r.Run(ctx, "sleep 10")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestRunner_RedactsOutput(t *testing.T) {
	r := NewRunner(Config{WorkDir: t.TempDir()}, nil, nil)

	res, err := r.Run(context.Background(), "echo GITHUB_TOKEN=abc123def")
	require.NoError(t, err)
	assert.NotContains(t, res.Stdout, "abc123def")
	assert.Contains(t, res.Stdout, "GITHUB_TOKEN=")
}

func TestRunner_TruncatesOutput(t *testing.T) {
	r := NewRunner(Config{WorkDir: t.TempDir(), MaxOutput: 100}, nil, nil)

	res, err := r.Run(context.Background(), "seq 1 1000")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Stdout, "[output truncated]"))
	assert.Contains(t, res.Stdout, "1000")
}

func TestRunner_RefusesDestructiveCommands(t *testing.T) {
	r := NewRunner(Config{WorkDir: t.TempDir()}, nil, nil)

	_, err := r.Run(context.Background(), "rm -rf /")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRefused))
}

func TestDangerous(t *testing.T) {
	tests := []struct {
		command string
		want    bool
	}{
		{"rm -rf /", true},
		{"rm -fr / --no-preserve-root", true},
		{"sudo rm -rf /*", true},
		{"rm -rf ./build", false},
		{"rm -rf /tmp/build", false},
		{"dd if=/dev/zero of=/dev/sda bs=1M", true},
		{"cat img > /dev/sdb", true},
		{"mkfs.ext4 /dev/sdc1", true},
		{":(){ :|:& };:", true},
		{"go test ./...", false},
		{"npm run format", false},
	}

	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			assert.Equal(t, tt.want, Dangerous(tt.command))
		})
	}
}
