package conduit

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/inercia/conduit/internal/mcpserver"
)

// ToolHandler runs a tool call. args holds the decoded arguments; the
// returned text is the tool result. An error is reported to the agent as a
// failed tool call.
type ToolHandler func(ctx context.Context, args map[string]any) (string, error)

// Tool is a Go function the agent can call. The client serves its tools
// over MCP on 127.0.0.1 while connected and attaches that server to every
// session it creates, provided the agent supports MCP over HTTP.
type Tool struct {
	Name        string
	Description string
	// Params maps parameter names to type names such as "string", "int"
	// or "[]string". Every parameter is required. Ignored when InputSchema
	// is set.
	Params map[string]string
	// InputSchema is the full JSON schema of the arguments.
	InputSchema *jsonschema.Schema
	Handler     ToolHandler
}

func (t Tool) schema() *jsonschema.Schema {
	if t.InputSchema != nil {
		return t.InputSchema
	}
	return mcpserver.SimpleSchema(t.Params)
}

func validateTools(tools []Tool) error {
	seen := make(map[string]bool, len(tools))
	for i, t := range tools {
		switch {
		case t.Name == "":
			return fmt.Errorf("tool %d has no name", i)
		case t.Handler == nil:
			return fmt.Errorf("tool %q has no handler", t.Name)
		case seen[t.Name]:
			return fmt.Errorf("tool %q registered twice", t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

// startTools serves opts.Tools and returns the running server.
func startTools(ctx context.Context, opts Options) (*mcpserver.Server, error) {
	if err := validateTools(opts.Tools); err != nil {
		return nil, err
	}
	srv := mcpserver.NewServer(mcpserver.Config{Name: opts.ToolServerName})
	for _, t := range opts.Tools {
		srv.AddTextTool(t.Name, t.Description, t.schema(), mcpserver.TextHandler(t.Handler))
	}
	if err := srv.Start(ctx); err != nil {
		return nil, err
	}
	return srv, nil
}

// withTools starts the tool server, if any, and attaches it to opts. The
// returned release also stops the server.
func withTools(ctx context.Context, opts Options, release func(<-chan struct{}, bool) error) (Options, func(<-chan struct{}, bool) error, error) {
	if len(opts.Tools) == 0 {
		return opts, release, nil
	}
	srv, err := startTools(ctx, opts)
	if err != nil {
		return opts, release, fmt.Errorf("tool server: %w", err)
	}
	entry, err := srv.McpServer()
	if err != nil {
		return opts, release, errors.Join(err, srv.Stop())
	}
	opts.MCPServers = append(opts.MCPServers[:len(opts.MCPServers):len(opts.MCPServers)], entry)
	opts.Logger.Debug("Serving tools", "url", srv.URL(), "tools", srv.Tools())

	return opts, func(peerDone <-chan struct{}, graceful bool) error {
		err := release(peerDone, graceful)
		_ = srv.Stop()
		return err
	}, nil
}
