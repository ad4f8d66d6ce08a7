package conduit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/coder/acp-go-sdk"

	conduitacp "github.com/inercia/conduit/internal/acp"
)

// Defaults for Options.
const (
	DefaultCommandBuffer     = 32
	DefaultEventBuffer       = 64
	DefaultControlTimeout    = 30 * time.Second
	DefaultPermissionTimeout = 30 * time.Second
	DefaultHookTimeout       = 5 * time.Second
)

// Version is reported to agents as the client version.
var Version = "dev"

// Options configure a connection. They are read once by Connect; changing
// them afterwards has no effect.
type Options struct {
	// Command is the agent command line, split with shell quoting rules.
	Command string
	// Cwd is the agent's working directory and the directory of sessions
	// created implicitly by Prompt.
	Cwd string
	// Env is added to the agent's environment.
	Env map[string]string
	// Sandbox restricts the agent process. Nil runs it directly. Ignored
	// by ConnectIO.
	Sandbox *Sandbox
	// Stderr receives the agent's stderr. Nil discards it.
	Stderr io.Writer
	// Proxies run between the client and the agent. When the chain is not
	// empty Connect starts Conductor instead of Command, passing it the
	// proxies and the agent command. Ignored by ConnectIO.
	Proxies *ProxyChain
	// Conductor is the command that runs Proxies. Default DefaultConductor.
	Conductor string

	// ClientName is sent as clientInfo.name. Default "conduit".
	ClientName string

	// CommandBuffer is the capacity of the command channel.
	CommandBuffer int
	// EventBuffer is the capacity of the event channel.
	EventBuffer int
	// ControlTimeout bounds every request except prompts.
	ControlTimeout time.Duration
	// PermissionTimeout bounds one call to Decide.
	PermissionTimeout time.Duration

	// Decide answers the agent's permission requests. Nil approves all.
	Decide DecideFunc
	// Hooks run at lifecycle points.
	Hooks []Hook
	// HookTimeout bounds one hook call. Hooks run on the supervisor and on
	// the read path, which wait at most this long for each.
	HookTimeout time.Duration
	// OnEvent receives events that belong to no prompt being collected,
	// such as updates for other sessions. Called on the read path.
	OnEvent func(Event)

	// FileSystem serves fs/* requests and enables the fs capabilities.
	FileSystem conduitacp.FileSystem
	// Terminal serves terminal/* requests. Nil answers with a stub.
	Terminal conduitacp.TerminalHandler
	// ExtHandler serves extension requests from the agent.
	ExtHandler func(ctx context.Context, method string, params json.RawMessage) (any, error)
	// MCPServers are attached to every session the client creates.
	MCPServers []acp.McpServer
	// Tools are served over MCP while connected and attached to every
	// session the client creates, next to MCPServers.
	Tools []Tool
	// ToolServerName is the MCP server name the agent sees for Tools.
	// Default "conduit".
	ToolServerName string

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ClientName == "" {
		o.ClientName = "conduit"
	}
	if o.CommandBuffer <= 0 {
		o.CommandBuffer = DefaultCommandBuffer
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
	if o.ControlTimeout <= 0 {
		o.ControlTimeout = DefaultControlTimeout
	}
	if o.PermissionTimeout <= 0 {
		o.PermissionTimeout = DefaultPermissionTimeout
	}
	if o.Conductor == "" {
		o.Conductor = DefaultConductor
	}
	if o.HookTimeout <= 0 {
		o.HookTimeout = DefaultHookTimeout
	}
	if o.Terminal == nil {
		o.Terminal = &conduitacp.StubTerminalHandler{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// SessionOptions are sent with session/new as _meta and mcpServers.
type SessionOptions struct {
	SystemPrompt    string
	Model           string
	PermissionMode  string
	AllowedTools    []string
	DisallowedTools []string
	MaxTurns        int
	Env             map[string]string
	// Meta is merged into _meta last.
	Meta       map[string]any
	MCPServers []acp.McpServer
}

// meta renders the options as _meta with camelCase keys. It returns nil
// when nothing is set.
func (o SessionOptions) meta() map[string]any {
	m := map[string]any{}
	if o.SystemPrompt != "" {
		m["systemPrompt"] = o.SystemPrompt
	}
	if o.Model != "" {
		m["model"] = o.Model
	}
	if o.PermissionMode != "" {
		m["permissionMode"] = o.PermissionMode
	}
	if len(o.AllowedTools) > 0 {
		m["allowedTools"] = o.AllowedTools
	}
	if len(o.DisallowedTools) > 0 {
		m["disallowedTools"] = o.DisallowedTools
	}
	if o.MaxTurns > 0 {
		m["maxTurns"] = o.MaxTurns
	}
	if len(o.Env) > 0 {
		m["env"] = o.Env
	}
	for k, v := range o.Meta {
		m[k] = v
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// PromptOption adjusts one prompt.
type PromptOption func(*promptConfig)

type promptConfig struct {
	sessionID   string
	attachments []Attachment
	blocks      []acp.ContentBlock
}

// Attachment is a file or link sent along with prompt text.
type Attachment = conduitacp.Attachment

// InSession sends the prompt to sessionID instead of the default session.
func InSession(sessionID string) PromptOption {
	return func(c *promptConfig) { c.sessionID = sessionID }
}

// WithAttachments adds attachments before the prompt text.
func WithAttachments(atts ...Attachment) PromptOption {
	return func(c *promptConfig) { c.attachments = append(c.attachments, atts...) }
}

// WithContent appends raw content blocks after the prompt text.
func WithContent(blocks ...acp.ContentBlock) PromptOption {
	return func(c *promptConfig) { c.blocks = append(c.blocks, blocks...) }
}

func (c *promptConfig) content(text string) []acp.ContentBlock {
	return append(conduitacp.BuildContentBlocks(text, c.attachments), c.blocks...)
}
