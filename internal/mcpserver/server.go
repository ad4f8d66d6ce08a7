// Package mcpserver serves Go functions as MCP tools over the Streamable
// HTTP transport, so they can be attached to ACP sessions as an http MCP
// server. It binds only to 127.0.0.1.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/acp-go-sdk"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/inercia/conduit/internal/logging"
)

const (
	// ServerName is the default name of the MCP server, as agents see it.
	ServerName = "conduit"
	// ServerVersion is the version of the MCP server.
	ServerVersion = "1.0.0"
	// Path is where the Streamable HTTP handler is mounted.
	Path = "/mcp"
)

// Config holds the configuration for the MCP server.
type Config struct {
	// Name identifies the server to the agent. Defaults to ServerName.
	Name string
	// Port to listen on. 0 picks a free port when the server starts.
	Port int
}

// Server is an MCP tool server.
type Server struct {
	mcpServer *mcp.Server
	logger    *slog.Logger
	name      string
	port      int
	listener  net.Listener
	httpSrv   *http.Server

	mu       sync.RWMutex
	tools    []string
	running  bool
	shutdown bool
}

// NewServer creates a tool server with no tools.
func NewServer(cfg Config) *Server {
	if cfg.Name == "" {
		cfg.Name = ServerName
	}
	return &Server{
		mcpServer: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: ServerVersion,
		}, nil),
		logger: logging.MCP(),
		name:   cfg.Name,
		port:   cfg.Port,
	}
}

// AddTool registers fn as a tool. The input and output schemas are inferred
// from In and Out; an error from fn is reported to the agent as a failed
// tool call.
func AddTool[In, Out any](s *Server, name, description string, fn func(ctx context.Context, in In) (Out, error)) {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        name,
		Description: description,
	}, func(ctx context.Context, req *mcp.CallToolRequest, in In) (*mcp.CallToolResult, Out, error) {
		s.logger.Debug("Tool called", "tool", name)
		out, err := fn(ctx, in)
		return nil, out, err
	})
	s.addName(name)
}

// TextHandler handles a tool registered with AddTextTool.
type TextHandler func(ctx context.Context, args map[string]any) (string, error)

// AddTextTool registers a tool with an explicit input schema whose result is
// plain text. See SimpleSchema.
func (s *Server) AddTextTool(name, description string, schema *jsonschema.Schema, fn TextHandler) {
	if schema == nil {
		schema = &jsonschema.Schema{Type: "object"}
	}
	s.mcpServer.AddTool(&mcp.Tool{
		Name:        name,
		Description: description,
		InputSchema: schema,
	}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s.logger.Debug("Tool called", "tool", name)
		args := map[string]any{}
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return ErrorResult("invalid arguments: " + err.Error()), nil
			}
		}
		text, err := fn(ctx, args)
		if err != nil {
			return ErrorResult(err.Error()), nil
		}
		return TextResult(text), nil
	})
	s.addName(name)
}

func (s *Server) addName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = append(s.tools, name)
}

// Tools returns the registered tool names, in registration order.
func (s *Server) Tools() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.tools...)
}

// Start starts the HTTP server on 127.0.0.1. It returns once the listener
// is open.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.mu.Unlock()

	addr := fmt.Sprintf("127.0.0.1:%d", s.port)
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.running = true
	s.port = listener.Addr().(*net.TCPAddr).Port
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.Handle(Path, mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcpServer
	}, nil))
	s.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.logger.Info("MCP tool server started",
		"url", s.URL(),
		"tools", len(s.Tools()),
	)

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("MCP server error", "error", err)
		}
	}()
	return nil
}

// Stop stops the server gracefully.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.shutdown {
		return nil
	}
	s.shutdown = true
	s.running = false

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Warn("Error shutting down MCP HTTP server", "error", err)
		}
	}
	if s.listener != nil {
		s.listener.Close()
	}

	s.logger.Info("MCP tool server stopped")
	return nil
}

// Port returns the port the server listens on, once started.
func (s *Server) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.port
}

// URL returns the server endpoint.
func (s *Server) URL() string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", s.Port(), Path)
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running && !s.shutdown
}

// McpServer returns the entry that attaches this server to an ACP session.
// It is built from the wire form so it decodes into whichever variant the
// ACP types use for http servers.
func (s *Server) McpServer() (acp.McpServer, error) {
	data, err := json.Marshal(map[string]any{
		"type":    "http",
		"name":    s.name,
		"url":     s.URL(),
		"headers": []any{},
	})
	if err != nil {
		return acp.McpServer{}, err
	}
	var srv acp.McpServer
	if err := json.Unmarshal(data, &srv); err != nil {
		return acp.McpServer{}, fmt.Errorf("failed to build MCP server entry: %w", err)
	}
	return srv, nil
}

// ProxyMcpServer returns a stdio entry that runs "<executable> mcp
// --proxy-to <url>", for agents that only accept stdio MCP servers. The
// server must be started first.
func (s *Server) ProxyMcpServer(executable string) (acp.McpServer, error) {
	data, err := json.Marshal(map[string]any{
		"name":    s.name,
		"command": executable,
		"args":    []string{"mcp", "--proxy-to", s.URL()},
		"env":     []any{},
	})
	if err != nil {
		return acp.McpServer{}, err
	}
	var srv acp.McpServer
	if err := json.Unmarshal(data, &srv); err != nil {
		return acp.McpServer{}, fmt.Errorf("failed to build MCP server entry: %w", err)
	}
	return srv, nil
}

// RunStdio serves the tools over stdin and stdout until the peer closes
// the stream or ctx is done.
func (s *Server) RunStdio(ctx context.Context) error {
	s.logger.Info("MCP tool server started", "mode", "stdio", "tools", len(s.Tools()))
	err := s.mcpServer.Run(ctx, &mcp.StdioTransport{})
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
