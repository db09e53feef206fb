// Package cmdexec runs verification commands on behalf of reviewers. Every
// command runs non-interactively in the run's working directory and its
// output is redacted before it is returned.
package cmdexec

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/autopilot/internal/backend"
	"github.com/aristath/autopilot/internal/redact"
)

// ErrRefused is returned for commands matching the destructive denylist.
var ErrRefused = errors.New("command refused")

const defaultMaxOutput = 64 * 1024

var dangerous = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-(?:[a-zA-Z]*r[a-zA-Z]*f|[a-zA-Z]*f[a-zA-Z]*r)[a-zA-Z]*\s+(?:--\s+)?/(?:\*|\s|$)`),
	regexp.MustCompile(`\bdd\s+if=.*of=/dev/`),
	regexp.MustCompile(`>\s*/dev/sd`),
	regexp.MustCompile(`\bmkfs(?:\.\w+)?\b`),
	regexp.MustCompile(`\bformat\s+.*drive`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`),
}

// Dangerous reports whether command matches the destructive denylist.
func Dangerous(command string) bool {
	for _, re := range dangerous {
		if re.MatchString(command) {
			return true
		}
	}
	return false
}

// Result is the evidence produced by one command.
type Result struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
}

// Passed reports whether the command exited 0 within its timeout.
func (r Result) Passed() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// Config controls the runner.
type Config struct {
	WorkDir   string
	Shell     string        // default "sh"
	Timeout   time.Duration // per command; zero means no limit
	MaxOutput int           // bytes kept per stream; default 64KiB
	Env       []string      // extra KEY=VALUE pairs
}

// Runner executes shell commands through the shared process manager.
type Runner struct {
	cfg      Config
	procs    *backend.ProcessManager
	redactor *redact.Redactor
	logger   *zap.Logger
}

// NewRunner creates a Runner. procs and logger may be nil.
func NewRunner(cfg Config, procs *backend.ProcessManager, logger *zap.Logger) *Runner {
	if cfg.Shell == "" {
		cfg.Shell = "sh"
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = defaultMaxOutput
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:      cfg,
		procs:    procs,
		redactor: redact.Default(),
		logger:   logger.Named("cmdexec"),
	}
}

// WorkDir returns the directory commands run in.
func (r *Runner) WorkDir() string {
	return r.cfg.WorkDir
}

// Run executes command with `sh -c`. A non-zero exit is reported through
// Result, not as an error; errors mean the command could not be run at all.
func (r *Runner) Run(ctx context.Context, command string) (Result, error) {
	res := Result{Command: command, ExitCode: -1}

	if Dangerous(command) {
		r.logger.Warn("refusing destructive command", zap.String("command", command))
		return res, fmt.Errorf("%w: %q matches the destructive command denylist", ErrRefused, command)
	}

	runCtx := ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	cmd := backend.NewCommand(runCtx, r.cfg.Shell, "-c", command)
	cmd.Dir = r.cfg.WorkDir
	cmd.Env = backend.NonInteractiveEnv(r.cfg.Env...)

	start := time.Now()
	stdout, stderr, err := backend.Run(runCtx, cmd, r.procs)
	res.Duration = time.Since(start)
	res.Stdout = r.redactor.String(truncate(string(stdout), r.cfg.MaxOutput))
	res.Stderr = r.redactor.String(truncate(string(stderr), r.cfg.MaxOutput))

	switch {
	case err == nil:
		res.ExitCode = 0
	case ctx.Err() != nil:
		return res, fmt.Errorf("running %q: %w", command, ctx.Err())
	case runCtx.Err() != nil:
		res.TimedOut = true
	default:
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return res, fmt.Errorf("running %q: %w", command, err)
		}
		res.ExitCode = exitErr.ExitCode()
	}

	r.logger.Debug("command finished",
		zap.String("command", command),
		zap.Int("exit_code", res.ExitCode),
		zap.Bool("timed_out", res.TimedOut),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return "[output truncated]\n" + s[len(s)-limit:]
}
