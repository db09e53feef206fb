package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodexAdapter_Args(t *testing.T) {
	a, err := NewCodexAdapter(Config{Model: "gpt-5", Args: []string{"--full-auto"}}, nil)
	require.NoError(t, err)
	assert.Empty(t, a.SessionID())
	assert.Equal(t, []string{"exec", "fix it", "--json", "--model", "gpt-5", "--full-auto"}, a.args("fix it"))

	a.thread = "t-1"
	assert.Equal(t,
		[]string{"exec", "resume", "t-1", "again", "--json", "--model", "gpt-5", "--full-auto"},
		a.args("again"))

	resumed, err := NewCodexAdapter(Config{SessionID: "thread-7"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "thread-7", resumed.SessionID())
	assert.Equal(t, []string{"exec", "resume", "thread-7", "x", "--json"}, resumed.args("x"))
}

func TestParseCodexStream(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    codexTurn
		wantErr bool
	}{
		{
			name: "legacy events",
			input: `{"type":"ThreadStarted","thread_id":"th-1"}
{"type":"TurnCompleted","content":"done"}`,
			want: codexTurn{thread: "th-1", reply: "done"},
		},
		{
			name: "last agent message wins",
			input: `{"type":"thread.started","thread_id":"th-2"}
{"type":"item.completed","item":{"type":"reasoning","text":"thinking"}}
{"type":"item.completed","item":{"type":"agent_message","text":"first"}}
{"type":"item.completed","item":{"type":"agent_message","text":"final"}}
{"type":"turn.completed"}`,
			want: codexTurn{thread: "th-2", reply: "final"},
		},
		{
			name: "progress chatter skipped",
			input: `Reading prompt from stdin...
{"type":"thread.started","thread_id":"th-3"}`,
			want: codexTurn{thread: "th-3"},
		},
		{name: "empty output"},
		{name: "malformed JSON", input: `{"type": broken}`, wantErr: true},
		{name: "no events at all", input: "plain text only", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCodexStream([]byte(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
