package backend

import (
	"context"
	"errors"
	"slices"

	"github.com/google/uuid"
)

// CommandAdapter runs any prompt-in/text-out CLI, such as
// `jules remote new`: the prompt is the final argument and stdout is the
// reply.
type CommandAdapter struct {
	cfg     Config
	session string
	procs   *ProcessManager
}

// NewCommandAdapter creates a generic adapter. cfg.Command is required.
func NewCommandAdapter(cfg Config, procs *ProcessManager) (*CommandAdapter, error) {
	if cfg.Command == "" {
		return nil, errors.New("command backend requires a command")
	}
	session := cfg.SessionID
	if session == "" {
		session = "cmd-" + uuid.NewString()[:8]
	}
	return &CommandAdapter{cfg: cfg, session: session, procs: procs}, nil
}

// Send runs the command once.
func (c *CommandAdapter) Send(ctx context.Context, msg Message) (Response, error) {
	args := append(slices.Clone(c.cfg.Args), msg.Content)
	stdout, _, err := invoke(ctx, c.procs, c.cfg.Command, c.cfg.WorkDir, args)
	if err != nil {
		return failed(c.cfg.Command+" failed", err, c.session)
	}
	return Response{Content: string(stdout), SessionID: c.session}, nil
}

// Close is a no-op.
func (c *CommandAdapter) Close() error { return nil }

// SessionID returns the synthetic session name.
func (c *CommandAdapter) SessionID() string { return c.session }
