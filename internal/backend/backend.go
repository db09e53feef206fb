// Package backend adapts the CLI coding agents (claude, codex, opencode or
// any prompt-in/text-out command) to one request/response interface.
package backend

import (
	"context"
	"fmt"
)

// Backend is a blocking prompt/response transport to one CLI agent.
type Backend interface {
	// Send delivers msg and waits for the complete reply.
	Send(ctx context.Context, msg Message) (Response, error)

	// Close releases any resources held by the adapter.
	Close() error

	// SessionID returns the current conversation identifier, if any.
	SessionID() string
}

// Roles a Message can carry.
const (
	RoleUser   = "user"
	RoleSystem = "system"
)

// Message is one prompt: a batch instruction, an audit question or a
// planning request.
type Message struct {
	Content string
	Role    string
}

// Response is the agent's reply to one Message. Error carries the
// failure text when Send also returns an error.
type Response struct {
	Content   string
	SessionID string
	Error     string
}

// Config selects and parameterises one adapter.
type Config struct {
	Type         string   // one of Types
	Command      string   // executable; empty means the type name
	Args         []string // appended to every invocation
	WorkDir      string
	SessionID    string // resume this session instead of starting one
	Model        string
	Agent        string // opencode agent profile
	SystemPrompt string
}

func (c Config) executable(def string) string {
	if c.Command == "" {
		return def
	}
	return c.Command
}

type constructor func(Config, *ProcessManager) (Backend, error)

var constructors = map[string]constructor{
	"claude":   func(c Config, p *ProcessManager) (Backend, error) { return NewClaudeAdapter(c, p) },
	"codex":    func(c Config, p *ProcessManager) (Backend, error) { return NewCodexAdapter(c, p) },
	"opencode": func(c Config, p *ProcessManager) (Backend, error) { return NewOpenCodeAdapter(c, p) },
	"command":  func(c Config, p *ProcessManager) (Backend, error) { return NewCommandAdapter(c, p) },
}

// Types lists the adapter types New understands, in display order.
var Types = []string{"claude", "codex", "opencode", "command"}

// New creates the adapter for cfg.Type.
func New(cfg Config, procs *ProcessManager) (Backend, error) {
	ctor, ok := constructors[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
	return ctor(cfg, procs)
}

// invoke runs one agent turn as a subprocess of dir.
func invoke(ctx context.Context, procs *ProcessManager, bin, dir string, args []string) (stdout, stderr []byte, err error) {
	cmd := NewCommand(ctx, bin, args...)
	cmd.Dir = dir
	return Run(ctx, cmd, procs)
}

// failed builds the Response returned alongside err.
func failed(what string, err error, session string) (Response, error) {
	return Response{Error: fmt.Sprintf("%s: %v", what, err), SessionID: session}, err
}
