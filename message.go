package conduit

import (
	"strings"

	"github.com/coder/acp-go-sdk"
)

// Role of a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is an aggregated turn returned by Prompt.
type Message struct {
	Role       Role
	Content    []acp.ContentBlock
	SessionID  string
	PromptID   string
	StopReason string
}

// Text concatenates the text blocks of the message.
func (m Message) Text() string {
	var b strings.Builder
	for _, block := range m.Content {
		if block.Text != nil {
			b.WriteString(block.Text.Text)
		}
	}
	return b.String()
}

// UpdateKind is the kind of an Update.
type UpdateKind string

const (
	UpdateText         UpdateKind = "text"
	UpdateThought      UpdateKind = "thought"
	UpdateToolStart    UpdateKind = "tool_start"
	UpdateToolProgress UpdateKind = "tool_update"
	UpdateToolEnd      UpdateKind = "tool_end"
	UpdateMode         UpdateKind = "mode"
	UpdatePlan         UpdateKind = "plan"
	UpdateConfig       UpdateKind = "config"
	UpdateCommands     UpdateKind = "commands"
	UpdateUsage        UpdateKind = "usage"
	UpdateSessionInfo  UpdateKind = "session_info"
	UpdateRateLimit    UpdateKind = "rate_limit"
	UpdateDone         UpdateKind = "done"
)

// Update is the record RecvUpdate returns for each event.
type Update struct {
	Kind       UpdateKind
	SessionID  string
	PromptID   string
	Text       string
	ToolUseID  string
	ToolName   string
	Status     string
	StopReason string
	// Event is the event the update was built from.
	Event Event
}

func toUpdate(ev Event) Update {
	meta := ev.Meta()
	u := Update{SessionID: meta.SessionID, PromptID: meta.PromptID, Event: ev}
	switch e := ev.(type) {
	case TextDelta:
		u.Kind, u.Text = UpdateText, e.Text
	case ThoughtDelta:
		u.Kind, u.Text = UpdateThought, e.Text
	case ToolUseStart:
		u.Kind, u.ToolUseID, u.ToolName, u.Status = UpdateToolStart, e.ToolUseID, e.Name, e.Status
	case ToolUseUpdate:
		u.Kind, u.ToolUseID, u.Status = UpdateToolProgress, e.ToolUseID, e.Status
	case ToolUseEnd:
		u.Kind, u.ToolUseID, u.Status = UpdateToolEnd, e.ToolUseID, e.Status
	case ModeChange:
		u.Kind, u.Text = UpdateMode, e.ModeID
	case Plan:
		u.Kind = UpdatePlan
	case ConfigUpdate:
		u.Kind = UpdateConfig
	case CommandsUpdate:
		u.Kind = UpdateCommands
	case Usage:
		u.Kind = UpdateUsage
	case SessionInfo:
		u.Kind = UpdateSessionInfo
	case RateLimit:
		u.Kind, u.Text = UpdateRateLimit, e.Method
	case Done:
		u.Kind = UpdateDone
		if e.StopReason != nil {
			u.StopReason = *e.StopReason
		}
	}
	return u
}
