package acp

import (
	"encoding/json"
	"fmt"

	"github.com/coder/acp-go-sdk"
)

// SessionNotification is a decoded session/update together with the update
// exactly as it arrived.
type SessionNotification struct {
	acp.SessionNotification
	Raw json.RawMessage
}

// DecodeSessionNotification decodes the params of a session/update.
//
// The SDK union falls back to matching on field names when it does not know
// the discriminator, so an unknown update carrying "content" would decode as
// a user chunk. Updates whose decoded variant disagrees with their
// discriminator are rejected.
func DecodeSessionNotification(params json.RawMessage) (SessionNotification, error) {
	var env struct {
		Update json.RawMessage `json:"update"`
	}
	if err := json.Unmarshal(params, &env); err != nil {
		return SessionNotification{}, err
	}
	var n acp.SessionNotification
	if err := json.Unmarshal(params, &n); err != nil {
		return SessionNotification{}, err
	}
	var head struct {
		SessionUpdate string `json:"sessionUpdate"`
	}
	_ = json.Unmarshal(env.Update, &head)
	if kind := UpdateKind(n.Update); kind == "" || kind != head.SessionUpdate {
		return SessionNotification{}, fmt.Errorf("unsupported session update %q", head.SessionUpdate)
	}
	return SessionNotification{SessionNotification: n, Raw: env.Update}, nil
}

// UpdateKind returns the discriminator of the populated variant of u, or ""
// when none is.
func UpdateKind(u acp.SessionUpdate) string {
	switch {
	case u.UserMessageChunk != nil:
		return "user_message_chunk"
	case u.AgentMessageChunk != nil:
		return "agent_message_chunk"
	case u.AgentThoughtChunk != nil:
		return "agent_thought_chunk"
	case u.ToolCall != nil:
		return "tool_call"
	case u.ToolCallUpdate != nil:
		return "tool_call_update"
	case u.Plan != nil:
		return "plan"
	case u.AvailableCommandsUpdate != nil:
		return "available_commands_update"
	case u.CurrentModeUpdate != nil:
		return "current_mode_update"
	case u.ConfigOptionUpdate != nil:
		return "config_option_update"
	case u.SessionInfoUpdate != nil:
		return "session_info_update"
	case u.UsageUpdate != nil:
		return "usage_update"
	}
	return ""
}

// MarshalRaw encodes a free-form protocol value. Nil stays nil.
func MarshalRaw(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// IsTerminalStatus reports whether a tool call status ends the call.
func IsTerminalStatus(status acp.ToolCallStatus) bool {
	return status == acp.ToolCallStatusCompleted || status == acp.ToolCallStatusFailed
}
