package acptest

import (
	"encoding/json"
	"strings"
	"sync"
)

// Turn is one session/prompt request being answered. Its methods send
// session/update notifications for the turn's session.
type Turn struct {
	SessionID string
	Blocks    []json.RawMessage

	agent      *Agent
	cancelOnce sync.Once
	cancelled  chan struct{}
}

func (t *Turn) cancel() {
	t.cancelOnce.Do(func() { close(t.cancelled) })
}

// Cancelled is closed when the client sent session/cancel for this
// session, or disconnected.
func (t *Turn) Cancelled() <-chan struct{} {
	return t.cancelled
}

// PromptText concatenates the text blocks of the prompt.
func (t *Turn) PromptText() string {
	var b strings.Builder
	for _, raw := range t.Blocks {
		var block struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if json.Unmarshal(raw, &block) == nil && block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// Update sends a session/update with the given discriminator. Fields are
// merged into the update object.
func (t *Turn) Update(kind string, fields map[string]any) {
	update := map[string]any{"sessionUpdate": kind}
	for k, v := range fields {
		update[k] = v
	}
	_ = t.agent.Notify("session/update", map[string]any{
		"sessionId": t.SessionID,
		"update":    update,
	})
}

// Text sends an agent_message_chunk.
func (t *Turn) Text(text string) {
	t.Update("agent_message_chunk", map[string]any{"content": map[string]string{"type": "text", "text": text}})
}

// Thought sends an agent_thought_chunk.
func (t *Turn) Thought(text string) {
	t.Update("agent_thought_chunk", map[string]any{"content": map[string]string{"type": "text", "text": text}})
}

// UserEcho sends a user_message_chunk.
func (t *Turn) UserEcho(text string) {
	t.Update("user_message_chunk", map[string]any{"content": map[string]string{"type": "text", "text": text}})
}

// ToolCall sends a tool_call.
func (t *Turn) ToolCall(id, title, kind string, rawInput any) {
	t.Update("tool_call", map[string]any{
		"toolCallId": id,
		"title":      title,
		"kind":       kind,
		"status":     "pending",
		"rawInput":   rawInput,
	})
}

// ToolCallUpdate sends a tool_call_update with the given status.
func (t *Turn) ToolCallUpdate(id, status string) {
	t.Update("tool_call_update", map[string]any{
		"toolCallId": id,
		"status":     status,
		"content":    []any{},
	})
}

// RequestPermission asks the client to approve a tool call and returns the
// selected option id, or "" when the client cancelled.
func (t *Turn) RequestPermission(toolCallID, title string, options []PermissionOption) (string, error) {
	result, rerr, err := t.agent.Request("session/request_permission", map[string]any{
		"sessionId": t.SessionID,
		"toolCall": map[string]any{
			"toolCallId": toolCallID,
			"title":      title,
		},
		"options": options,
	})
	if err != nil {
		return "", err
	}
	if rerr != nil {
		return "", rerr
	}
	var resp struct {
		Outcome struct {
			Outcome  string `json:"outcome"`
			OptionID string `json:"optionId"`
		} `json:"outcome"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return "", err
	}
	return resp.Outcome.OptionID, nil
}

// PermissionOption is an option offered in a permission request.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
}

// StandardOptions are the options most agents offer.
var StandardOptions = []PermissionOption{
	{OptionID: "reject", Name: "Reject", Kind: "reject_once"},
	{OptionID: "allow", Name: "Allow", Kind: "allow_once"},
	{OptionID: "always", Name: "Always allow", Kind: "allow_always"},
}
