// Package acp adapts the acp-go-sdk connection to the needs of the conduit
// supervisor: a single peer object that issues requests, dispatches inbound
// notifications in wire order, and answers agent-side requests.
package acp

import "github.com/coder/acp-go-sdk"

// Agent-side methods (client -> agent).
const (
	MethodInitialize      = acp.AgentMethodInitialize
	MethodSessionNew      = acp.AgentMethodSessionNew
	MethodSessionLoad     = acp.AgentMethodSessionLoad
	MethodSessionFork     = acp.AgentMethodSessionFork
	MethodSessionList     = acp.AgentMethodSessionList
	MethodSessionResume   = acp.AgentMethodSessionResume
	MethodSessionSetMode  = acp.AgentMethodSessionSetMode
	MethodSessionSetModel = acp.AgentMethodSessionSetModel
	MethodSessionSetCfg   = acp.AgentMethodSessionSetConfigOption
	MethodSessionPrompt   = acp.AgentMethodSessionPrompt
	MethodSessionCancel   = acp.AgentMethodSessionCancel
)

// Client-side methods (agent -> client).
const (
	MethodSessionUpdate       = acp.ClientMethodSessionUpdate
	MethodRequestPermission   = acp.ClientMethodSessionRequestPermission
	MethodFSReadTextFile      = acp.ClientMethodFsReadTextFile
	MethodFSWriteTextFile     = acp.ClientMethodFsWriteTextFile
	MethodTerminalCreate      = acp.ClientMethodTerminalCreate
	MethodTerminalOutput      = acp.ClientMethodTerminalOutput
	MethodTerminalRelease     = acp.ClientMethodTerminalRelease
	MethodTerminalWaitForExit = acp.ClientMethodTerminalWaitForExit
	MethodTerminalKill        = acp.ClientMethodTerminalKill
)

// IsExtension reports whether method is an extension method. The protocol
// reserves the underscore prefix for non-standard methods.
func IsExtension(method string) bool {
	return len(method) > 1 && method[0] == '_'
}
