package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
)

// OpenCodeAdapter drives `opencode run`.
type OpenCodeAdapter struct {
	cfg     Config
	bin     string
	session string
	procs   *ProcessManager
}

// NewOpenCodeAdapter creates an opencode adapter. cfg.Model takes the
// provider/model form; cfg.Agent picks a profile.
func NewOpenCodeAdapter(cfg Config, procs *ProcessManager) (*OpenCodeAdapter, error) {
	return &OpenCodeAdapter{cfg: cfg, bin: cfg.executable("opencode"), session: cfg.SessionID, procs: procs}, nil
}

// Send runs one turn, continuing the session once opencode has named one.
// Builds without JSON output fall back to the raw text.
func (o *OpenCodeAdapter) Send(ctx context.Context, msg Message) (Response, error) {
	stdout, stderr, err := invoke(ctx, o.procs, o.bin, o.cfg.WorkDir, o.args(msg.Content))
	if err != nil {
		return failed("opencode command failed", err, o.session)
	}

	session, reply, ok := parseOpenCodeStream(stdout)
	switch {
	case ok:
	case len(bytes.TrimSpace(stdout)) == 0 && len(stderr) > 0:
		reply = string(stderr)
	default:
		reply = string(stdout)
	}
	if session != "" {
		o.session = session
	}
	return Response{Content: reply, SessionID: o.session}, nil
}

func (o *OpenCodeAdapter) args(prompt string) []string {
	args := []string{"run", "--format", "json"}
	for _, kv := range [][2]string{{"--session", o.session}, {"--model", o.cfg.Model}, {"--agent", o.cfg.Agent}} {
		if kv[1] != "" {
			args = append(args, kv[0], kv[1])
		}
	}
	args = append(args, o.cfg.Args...)
	return append(args, prompt)
}

// Close is a no-op; each turn is its own process.
func (o *OpenCodeAdapter) Close() error { return nil }

// SessionID returns the opencode session, empty until the first reply.
func (o *OpenCodeAdapter) SessionID() string { return o.session }

type opencodeEvent struct {
	SessionID string `json:"sessionID"`
	Part      *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"part"`
}

// parseOpenCodeStream joins the text parts of a `--format json` stream.
// ok reports whether any event parsed.
func parseOpenCodeStream(data []byte) (session, reply string, ok bool) {
	var texts []string
	err := scanJSONLines(data, func(line []byte) error {
		var ev opencodeEvent
		if json.Unmarshal(line, &ev) != nil {
			return nil
		}
		ok = true
		if ev.SessionID != "" {
			session = ev.SessionID
		}
		if ev.Part != nil && ev.Part.Type == "text" && ev.Part.Text != "" {
			texts = append(texts, ev.Part.Text)
		}
		return nil
	})
	if err != nil {
		return "", "", false
	}
	return session, strings.Join(texts, "\n"), ok
}
