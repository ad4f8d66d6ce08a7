package gateway

import (
	"encoding/json"

	"github.com/inercia/conduit"
)

// Frame is the envelope of every WebSocket message, in both directions.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Frame types sent by clients.
const (
	// FramePrompt starts a prompt. Data: PromptData.
	FramePrompt = "prompt"
	// FrameCancel cancels the running turn of a session. Data: CancelData.
	FrameCancel = "cancel"
	// FrameNewSession opens a session and makes it the default. Data: NewSessionData.
	FrameNewSession = "new_session"
)

// Frame types sent by the gateway.
const (
	// FrameConnected is the first frame on every connection. Data: ConnectedData.
	FrameConnected = "connected"
	// FrameUpdate carries one prompt event. Data: UpdateData.
	FrameUpdate = "update"
	// FramePromptComplete ends a prompt. Data: PromptCompleteData.
	FramePromptComplete = "prompt_complete"
	// FrameSessionCreated answers new_session. Data: SessionCreatedData.
	FrameSessionCreated = "session_created"
	// FrameCancelled acknowledges cancel. Data: CancelData.
	FrameCancelled = "cancelled"
	// FrameError reports a failed or rejected frame. Data: ErrorData.
	FrameError = "error"
)

type PromptData struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id,omitempty"`
}

type CancelData struct {
	SessionID string `json:"session_id,omitempty"`
}

type NewSessionData struct {
	Cwd          string `json:"cwd,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Model        string `json:"model,omitempty"`
}

type ConnectedData struct {
	ClientID     string `json:"client_id"`
	Agent        string `json:"agent,omitempty"`
	AgentVersion string `json:"agent_version,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
}

// UpdateData is the wire form of a conduit.Update. Raw holds the payload of
// events that carry one (plan, usage, config options and so on).
type UpdateData struct {
	Kind       conduit.UpdateKind `json:"kind"`
	SessionID  string             `json:"session_id"`
	PromptID   string             `json:"prompt_id,omitempty"`
	Text       string             `json:"text,omitempty"`
	ToolUseID  string             `json:"tool_use_id,omitempty"`
	ToolName   string             `json:"tool_name,omitempty"`
	Status     string             `json:"status,omitempty"`
	StopReason string             `json:"stop_reason,omitempty"`
	Raw        json.RawMessage    `json:"raw,omitempty"`
}

type PromptCompleteData struct {
	SessionID  string `json:"session_id"`
	StopReason string `json:"stop_reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

type SessionCreatedData struct {
	SessionID string `json:"session_id"`
}

type ErrorData struct {
	Message string `json:"message"`
	// Frame is the type of the frame that failed, when there is one.
	Frame string `json:"frame,omitempty"`
}

func updateData(u conduit.Update) UpdateData {
	d := UpdateData{
		Kind:       u.Kind,
		SessionID:  u.SessionID,
		PromptID:   u.PromptID,
		Text:       u.Text,
		ToolUseID:  u.ToolUseID,
		ToolName:   u.ToolName,
		Status:     u.Status,
		StopReason: u.StopReason,
	}
	switch e := u.Event.(type) {
	case conduit.ModeChange:
		d.Raw = e.Raw
	case conduit.Plan:
		d.Raw = e.Raw
	case conduit.ConfigUpdate:
		d.Raw = e.Raw
	case conduit.CommandsUpdate:
		d.Raw = e.Raw
	case conduit.Usage:
		d.Raw = e.Raw
	case conduit.SessionInfo:
		d.Raw = e.Raw
	case conduit.RateLimit:
		d.Raw = e.Params
	}
	return d
}

func encodeFrame(frameType string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Frame{Type: frameType, Data: raw})
}
