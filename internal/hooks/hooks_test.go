package hooks

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/inercia/conduit"
	"github.com/inercia/conduit/internal/config"
)

func TestCommand_RunWritesInput(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "input.json")

	c := Command{
		Event:   conduit.HookPromptSubmit,
		Name:    "capture",
		Command: "cat > " + out,
	}
	in := conduit.HookInput{
		Event:     conduit.HookPromptSubmit,
		SessionID: "sess-1",
		PromptID:  "p-1",
		Prompt:    "hi there",
	}
	if err := c.Run(context.Background(), in); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("hook did not write its input: %v", err)
	}
	var got conduit.HookInput
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("stdin was not JSON: %v (%q)", err, data)
	}
	if !reflect.DeepEqual(got, in) {
		t.Errorf("stdin = %+v, want %+v", got, in)
	}
}

func TestCommand_RunEnvironment(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "env")

	c := Command{
		Event:   conduit.HookSessionCreated,
		Name:    "env",
		Command: `printf '%s|%s|%s' "$CONDUIT_EVENT" "$CONDUIT_SESSION_ID" "$CONDUIT_PROMPT_ID" > ` + out,
	}
	in := conduit.HookInput{Event: conduit.HookSessionCreated, SessionID: "s-42", PromptID: "p-7"}
	if err := c.Run(context.Background(), in); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	want := string(conduit.HookSessionCreated) + "|s-42|p-7"
	if string(data) != want {
		t.Errorf("environment = %q, want %q", data, want)
	}
}

func TestExpand(t *testing.T) {
	in := conduit.HookInput{
		Event:     conduit.HookPreToolUse,
		SessionID: "s1",
		PromptID:  "p1",
		ToolName:  "Read",
	}
	tests := []struct {
		command string
		want    string
	}{
		{"echo ${SESSION_ID}", "echo s1"},
		{"log ${EVENT} ${TOOL_NAME}", "log " + string(conduit.HookPreToolUse) + " Read"},
		{"${PROMPT_ID}-${PROMPT_ID}", "p1-p1"},
		{"echo $SESSION_ID", "echo $SESSION_ID"},
		{"no placeholders", "no placeholders"},
	}
	for _, tt := range tests {
		if got := expand(tt.command, in); got != tt.want {
			t.Errorf("expand(%q) = %q, want %q", tt.command, got, tt.want)
		}
	}
}

func TestCommand_RunFailure(t *testing.T) {
	c := Command{Event: conduit.HookConnected, Name: "fails", Command: "echo oops >&2; exit 3"}
	err := c.Run(context.Background(), conduit.HookInput{Event: conduit.HookConnected})
	if err == nil {
		t.Fatal("Run() should fail for a non-zero exit")
	}
	if !strings.Contains(err.Error(), "exited with code 3") {
		t.Errorf("error = %v, want exit code 3", err)
	}
}

func TestCommand_RunTimeout(t *testing.T) {
	c := Command{
		Event:   conduit.HookConnected,
		Name:    "slow",
		Command: "sleep 10",
		Timeout: 100 * time.Millisecond,
	}

	start := time.Now()
	err := c.Run(context.Background(), conduit.HookInput{Event: conduit.HookConnected})
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("Run() should fail on timeout")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("error = %v, want a timeout", err)
	}
	if elapsed > 5*time.Second {
		t.Errorf("Run() took %v, the command was not killed", elapsed)
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.Hooks{
		Connected:    []string{"echo up"},
		PromptSubmit: []string{"echo one", "  ", "echo two"},
		PreToolUse:   []string{"echo tool"},
		Timeout:      config.Duration(5 * time.Second),
	}

	hooks := FromConfig(cfg)
	want := []struct {
		event conduit.HookEvent
		name  string
	}{
		{conduit.HookConnected, string(conduit.HookConnected) + "#1"},
		{conduit.HookPromptSubmit, string(conduit.HookPromptSubmit) + "#1"},
		{conduit.HookPromptSubmit, string(conduit.HookPromptSubmit) + "#3"},
		{conduit.HookPreToolUse, string(conduit.HookPreToolUse) + "#1"},
	}
	if len(hooks) != len(want) {
		t.Fatalf("FromConfig() returned %d hooks, want %d", len(hooks), len(want))
	}
	for i, w := range want {
		if hooks[i].Event != w.event || hooks[i].Name != w.name {
			t.Errorf("hook[%d] = %s/%s, want %s/%s", i, hooks[i].Event, hooks[i].Name, w.event, w.name)
		}
		if hooks[i].Fn == nil {
			t.Errorf("hook[%d] has no function", i)
		}
	}
}

func TestFromConfig_Empty(t *testing.T) {
	if hooks := FromConfig(config.Hooks{}); len(hooks) != 0 {
		t.Errorf("FromConfig(empty) = %d hooks, want 0", len(hooks))
	}
}

func TestLimitedBuffer(t *testing.T) {
	var b limitedBuffer
	chunk := strings.Repeat("x", maxOutput-10)
	if n, _ := b.Write([]byte(chunk)); n != len(chunk) {
		t.Errorf("Write() = %d, want %d", n, len(chunk))
	}
	if n, _ := b.Write([]byte(strings.Repeat("y", 100))); n != 100 {
		t.Errorf("Write() = %d, want 100", n)
	}
	if got := len(b.String()); got != maxOutput {
		t.Errorf("buffer length = %d, want %d", got, maxOutput)
	}
}
