package conduit

import (
	"encoding/json"
	"strings"

	"github.com/coder/acp-go-sdk"

	conduitacp "github.com/inercia/conduit/internal/acp"
)

// Event is one increment of agent activity. The set of events is closed.
type Event interface {
	// Meta identifies the session and prompt the event belongs to.
	Meta() EventMeta
	isEvent()
}

// EventMeta tags an event. PromptID is empty for events that arrived while
// no prompt of that session was in flight.
type EventMeta struct {
	SessionID string
	PromptID  string
}

func (m EventMeta) Meta() EventMeta { return m }
func (EventMeta) isEvent()          {}

// TextDelta is a chunk of the agent's answer.
type TextDelta struct {
	EventMeta
	Text string
}

// ThoughtDelta is a chunk of the agent's reasoning.
type ThoughtDelta struct {
	EventMeta
	Text string
}

// ToolUseStart announces a tool call.
type ToolUseStart struct {
	EventMeta
	ToolUseID string
	Name      string
	Kind      string
	Status    string
	RawInput  json.RawMessage
	Content   []acp.ToolCallContent
	Locations []acp.ToolCallLocation
}

// ToolUseUpdate reports progress of a tool call.
type ToolUseUpdate struct {
	EventMeta
	ToolUseID string
	Status    string
	RawOutput json.RawMessage
	Content   []acp.ToolCallContent
	Locations []acp.ToolCallLocation
}

// ToolUseEnd follows the ToolUseUpdate that completed or failed a call.
type ToolUseEnd struct {
	EventMeta
	ToolUseID string
	Status    string
}

// ModeChange reports the session's current mode.
type ModeChange struct {
	EventMeta
	ModeID string
	Raw    json.RawMessage
}

// Plan carries the agent's plan entries.
type Plan struct {
	EventMeta
	Entries []acp.PlanEntry
	Raw     json.RawMessage
}

// ConfigUpdate carries changed session config options.
type ConfigUpdate struct {
	EventMeta
	Options []acp.SessionConfigOption
	Raw     json.RawMessage
}

// CommandsUpdate carries the available slash commands.
type CommandsUpdate struct {
	EventMeta
	Commands []acp.AvailableCommand
	Raw      json.RawMessage
}

// Usage carries context window and cost accounting.
type Usage struct {
	EventMeta
	Used int
	Size int
	Cost *acp.Cost
	Raw  json.RawMessage
}

// SessionInfo carries session metadata such as the title.
type SessionInfo struct {
	EventMeta
	Title     string
	UpdatedAt string
	Raw       json.RawMessage
}

// RateLimit is an extension notification about rate limiting.
type RateLimit struct {
	EventMeta
	Method string
	Params json.RawMessage
}

// RateLimitInfo is the typed form of a rate limit notification.
type RateLimitInfo struct {
	Status             string  `json:"status"`
	ResetsAt           int64   `json:"resetsAt"`
	RateLimitType      string  `json:"rateLimitType"`
	Utilization        float64 `json:"utilization"`
	IsUsingOverage     bool    `json:"isUsingOverage"`
	SurpassedThreshold float64 `json:"surpassedThreshold"`
}

// Info decodes the notification. Agents either send the fields at the top
// level of the params or nest them under rate_limit_info. Unparseable
// params yield a zero RateLimitInfo.
func (r RateLimit) Info() RateLimitInfo {
	var nested struct {
		Info *RateLimitInfo `json:"rate_limit_info"`
	}
	if json.Unmarshal(r.Params, &nested) == nil && nested.Info != nil {
		return *nested.Info
	}
	var info RateLimitInfo
	_ = json.Unmarshal(r.Params, &info)
	return info
}

// Done is the last event of a prompt. StopReason is nil when the prompt
// failed or the agent did not report one.
type Done struct {
	EventMeta
	StopReason *string
}

// classifyNotification turns one notification into zero or more events,
// all belonging to the returned session. Unknown and echoed content yields
// no events.
func classifyNotification(method string, params json.RawMessage) (string, []Event) {
	if method == conduitacp.MethodSessionUpdate {
		return classifyUpdate(params)
	}
	if conduitacp.IsExtension(method) && isRateLimit(method, params) {
		var target struct {
			SessionID string `json:"sessionId"`
		}
		_ = json.Unmarshal(params, &target)
		return target.SessionID, []Event{RateLimit{
			EventMeta: EventMeta{SessionID: target.SessionID},
			Method:    method,
			Params:    params,
		}}
	}
	return "", nil
}

func isRateLimit(method string, params json.RawMessage) bool {
	for _, s := range []string{method, string(params)} {
		lower := strings.ToLower(s)
		if strings.Contains(lower, "rate_limit") || strings.Contains(lower, "ratelimit") {
			return true
		}
	}
	return false
}

func classifyUpdate(params json.RawMessage) (string, []Event) {
	n, err := conduitacp.DecodeSessionNotification(params)
	if err != nil {
		var envelope struct {
			SessionID string `json:"sessionId"`
		}
		_ = json.Unmarshal(params, &envelope)
		return envelope.SessionID, nil
	}
	sessionID := string(n.SessionId)
	o := EventMeta{SessionID: sessionID}
	u := n.Update

	switch {
	case u.AgentMessageChunk != nil:
		if text := u.AgentMessageChunk.Content.Text; text != nil {
			return sessionID, []Event{TextDelta{EventMeta: o, Text: text.Text}}
		}
	case u.AgentThoughtChunk != nil:
		if text := u.AgentThoughtChunk.Content.Text; text != nil {
			return sessionID, []Event{ThoughtDelta{EventMeta: o, Text: text.Text}}
		}

	case u.ToolCall != nil:
		tc := u.ToolCall
		return sessionID, []Event{ToolUseStart{
			EventMeta: o,
			ToolUseID: string(tc.ToolCallId),
			Name:      tc.Title,
			Kind:      string(tc.Kind),
			Status:    string(tc.Status),
			RawInput:  conduitacp.MarshalRaw(tc.RawInput),
			Content:   tc.Content,
			Locations: tc.Locations,
		}}

	case u.ToolCallUpdate != nil:
		tu := u.ToolCallUpdate
		var status acp.ToolCallStatus
		if tu.Status != nil {
			status = *tu.Status
		}
		events := []Event{ToolUseUpdate{
			EventMeta: o,
			ToolUseID: string(tu.ToolCallId),
			Status:    string(status),
			RawOutput: conduitacp.MarshalRaw(tu.RawOutput),
			Content:   tu.Content,
			Locations: tu.Locations,
		}}
		if conduitacp.IsTerminalStatus(status) {
			events = append(events, ToolUseEnd{EventMeta: o, ToolUseID: string(tu.ToolCallId), Status: string(status)})
		}
		return sessionID, events

	case u.CurrentModeUpdate != nil:
		return sessionID, []Event{ModeChange{EventMeta: o, ModeID: string(u.CurrentModeUpdate.CurrentModeId), Raw: n.Raw}}
	case u.Plan != nil:
		return sessionID, []Event{Plan{EventMeta: o, Entries: u.Plan.Entries, Raw: n.Raw}}
	case u.AvailableCommandsUpdate != nil:
		return sessionID, []Event{CommandsUpdate{EventMeta: o, Commands: u.AvailableCommandsUpdate.AvailableCommands, Raw: n.Raw}}
	case u.ConfigOptionUpdate != nil:
		return sessionID, []Event{ConfigUpdate{EventMeta: o, Options: u.ConfigOptionUpdate.ConfigOptions, Raw: n.Raw}}
	case u.UsageUpdate != nil:
		uu := u.UsageUpdate
		return sessionID, []Event{Usage{EventMeta: o, Used: uu.Used, Size: uu.Size, Cost: uu.Cost, Raw: n.Raw}}
	case u.SessionInfoUpdate != nil:
		info := SessionInfo{EventMeta: o, Raw: n.Raw}
		if t := u.SessionInfoUpdate.Title; t != nil {
			info.Title = *t
		}
		if at := u.SessionInfoUpdate.UpdatedAt; at != nil {
			info.UpdatedAt = *at
		}
		return sessionID, []Event{info}
	}
	// User message chunks echo our own prompt; non-text chunks are not
	// surfaced.
	return sessionID, nil
}

// withSession sets the session of an event that arrived without one. Only
// extension notifications do.
func withSession(ev Event, sessionID string) Event {
	if rl, ok := ev.(RateLimit); ok && rl.SessionID == "" {
		rl.SessionID = sessionID
		return rl
	}
	return ev
}

// withPrompt returns ev with its prompt id set.
func withPrompt(ev Event, promptID string) Event {
	switch e := ev.(type) {
	case TextDelta:
		e.PromptID = promptID
		return e
	case ThoughtDelta:
		e.PromptID = promptID
		return e
	case ToolUseStart:
		e.PromptID = promptID
		return e
	case ToolUseUpdate:
		e.PromptID = promptID
		return e
	case ToolUseEnd:
		e.PromptID = promptID
		return e
	case ModeChange:
		e.PromptID = promptID
		return e
	case Plan:
		e.PromptID = promptID
		return e
	case ConfigUpdate:
		e.PromptID = promptID
		return e
	case CommandsUpdate:
		e.PromptID = promptID
		return e
	case Usage:
		e.PromptID = promptID
		return e
	case SessionInfo:
		e.PromptID = promptID
		return e
	case RateLimit:
		e.PromptID = promptID
		return e
	case Done:
		e.PromptID = promptID
		return e
	}
	return ev
}
