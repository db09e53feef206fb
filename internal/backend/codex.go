package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// CodexAdapter drives `codex exec --json`, resuming its thread on later
// turns.
type CodexAdapter struct {
	cfg    Config
	bin    string
	thread string
	procs  *ProcessManager
}

// NewCodexAdapter creates a codex adapter. A non-empty cfg.SessionID is an
// existing thread to resume.
func NewCodexAdapter(cfg Config, procs *ProcessManager) (*CodexAdapter, error) {
	return &CodexAdapter{cfg: cfg, bin: cfg.executable("codex"), thread: cfg.SessionID, procs: procs}, nil
}

// Send runs one turn and returns the last agent message of the stream.
func (c *CodexAdapter) Send(ctx context.Context, msg Message) (Response, error) {
	stdout, _, err := invoke(ctx, c.procs, c.bin, c.cfg.WorkDir, c.args(msg.Content))
	if err != nil {
		return failed("codex command failed", err, c.thread)
	}

	turn, err := parseCodexStream(stdout)
	if err != nil {
		return failed("parsing codex events", err, c.thread)
	}
	if turn.thread != "" {
		c.thread = turn.thread
	}
	return Response{Content: turn.reply, SessionID: c.thread}, nil
}

func (c *CodexAdapter) args(prompt string) []string {
	args := []string{"exec"}
	if c.thread != "" {
		args = append(args, "resume", c.thread)
	}
	args = append(args, prompt, "--json")
	if c.cfg.Model != "" {
		args = append(args, "--model", c.cfg.Model)
	}
	return append(args, c.cfg.Args...)
}

// Close is a no-op; each turn is its own process.
func (c *CodexAdapter) Close() error { return nil }

// SessionID returns the codex thread, empty before the first turn.
func (c *CodexAdapter) SessionID() string { return c.thread }

type codexTurn struct {
	thread string
	reply  string
}

// codexEvent covers both event vocabularies the CLI has shipped:
// ThreadStarted/TurnCompleted and thread.started/item.completed.
type codexEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Content  string `json:"content"`
	Item     *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item"`
}

func parseCodexStream(data []byte) (codexTurn, error) {
	var turn codexTurn
	events := 0
	err := scanJSONLines(data, func(line []byte) error {
		var ev codexEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return fmt.Errorf("malformed event: %w", err)
		}
		events++
		switch ev.Type {
		case "ThreadStarted", "thread.started":
			turn.thread = ev.ThreadID
		case "TurnCompleted":
			if ev.Content != "" {
				turn.reply = ev.Content
			}
		case "item.completed":
			if ev.Item != nil && ev.Item.Type == "agent_message" {
				turn.reply = ev.Item.Text
			}
		}
		return nil
	})
	if err != nil {
		return codexTurn{}, err
	}
	if events == 0 && len(bytes.TrimSpace(data)) > 0 {
		return codexTurn{}, errors.New("no JSON events in codex output")
	}
	return turn, nil
}
