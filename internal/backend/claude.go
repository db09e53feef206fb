package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// ClaudeAdapter drives the claude CLI in print mode. The first Send opens
// the session; later sends (the completion re-ask) resume it.
type ClaudeAdapter struct {
	cfg     Config
	bin     string
	session string
	opened  bool
	procs   *ProcessManager
}

// NewClaudeAdapter creates a claude adapter. Without cfg.SessionID a fresh
// UUID names the session; without cfg.WorkDir the process cwd is used.
func NewClaudeAdapter(cfg Config, procs *ProcessManager) (*ClaudeAdapter, error) {
	if cfg.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving working directory: %w", err)
		}
		cfg.WorkDir = wd
	}
	session := cfg.SessionID
	if session == "" {
		session = uuid.NewString()
	}
	return &ClaudeAdapter{cfg: cfg, bin: cfg.executable("claude"), session: session, procs: procs}, nil
}

// Send runs one print-mode turn.
func (a *ClaudeAdapter) Send(ctx context.Context, msg Message) (Response, error) {
	stdout, stderr, err := invoke(ctx, a.procs, a.bin, a.cfg.WorkDir, a.args(msg.Content))
	if err != nil {
		return failed("claude command failed", err, a.session)
	}

	var env claudeEnvelope
	if err := json.Unmarshal(stdout, &env); err != nil {
		return failed("parsing claude output", fmt.Errorf("%w (stderr: %s)", err, tail(stderr, stderrTail)), a.session)
	}
	text, err := env.text()
	if err != nil {
		return failed("claude turn", err, a.session)
	}

	a.opened = true
	if env.SessionID != "" {
		a.session = env.SessionID
	}
	return Response{Content: text, SessionID: a.session}, nil
}

func (a *ClaudeAdapter) args(prompt string) []string {
	sessionFlag := "--session-id"
	if a.opened {
		sessionFlag = "--resume"
	}
	args := []string{"-p", prompt, "--output-format", "json", sessionFlag, a.session}
	if a.cfg.Model != "" {
		args = append(args, "--model", a.cfg.Model)
	}
	if a.cfg.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", a.cfg.SystemPrompt)
	}
	return append(args, a.cfg.Args...)
}

// Close is a no-op; each turn is its own process.
func (a *ClaudeAdapter) Close() error { return nil }

// SessionID returns the claude session name.
func (a *ClaudeAdapter) SessionID() string { return a.session }

// claudeEnvelope is the print-mode JSON result. Result is either the reply
// string or, on older CLI releases, an object with typed content parts.
type claudeEnvelope struct {
	SessionID string          `json:"session_id"`
	IsError   bool            `json:"is_error"`
	Result    json.RawMessage `json:"result"`
}

func (e claudeEnvelope) text() (string, error) {
	var reply string
	switch {
	case len(e.Result) == 0:
	case json.Unmarshal(e.Result, &reply) == nil:
	default:
		var parts struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := json.Unmarshal(e.Result, &parts); err != nil {
			return "", fmt.Errorf("unexpected result shape: %w", err)
		}
		var b strings.Builder
		for _, p := range parts.Content {
			if p.Type == "text" {
				b.WriteString(p.Text)
			}
		}
		reply = b.String()
	}
	if e.IsError {
		return "", errors.New("claude reported an error: " + reply)
	}
	return reply, nil
}
