package cmd

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/coder/acp-go-sdk"
	"github.com/spf13/cobra"

	"github.com/inercia/conduit"
	"github.com/inercia/conduit/internal/config"
	"github.com/inercia/conduit/internal/gateway"
	"github.com/inercia/conduit/internal/hooks"
	"github.com/inercia/conduit/internal/logging"
	"github.com/inercia/conduit/internal/mcpserver"
)

var (
	serveListen    string
	serveTools     bool
	serveToolsPort int
	serveToolsVia  string
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Expose an ACP agent over a WebSocket gateway",
	Long: `Start the agent and serve it over WebSocket.

Clients connect to ws://<listen>/ws and exchange JSON frames of the
form {"type": ..., "data": ...}:

  prompt       {"text": "...", "session_id": "..."}  start a prompt
  cancel       {"session_id": "..."}                 cancel the running turn
  new_session  {"cwd": "...", "model": "..."}        open a new session

Events stream back as "update" frames, followed by "prompt_complete".
All clients share one agent connection, so one prompt runs at a time.

The gateway section of the configuration sets the rate limit and,
optionally, OIDC bearer-token authentication.

Unless --tools=false, conduit also serves its MCP tools (list_agents,
list_sessions, get_runtime_info) on 127.0.0.1 and attaches them to
sessions of agents that accept MCP servers over HTTP. With
--tools-transport stdio, agents reach them through "conduit mcp
--proxy-to" instead.

Examples:
  conduit serve
  conduit serve --listen 127.0.0.1:9000 --agent codex-acp`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Address to listen on (default: gateway.listen or "+gateway.DefaultListen+")")
	serveCmd.Flags().BoolVar(&serveTools, "tools", true, "Serve conduit's MCP tools to the agent")
	serveCmd.Flags().IntVar(&serveToolsPort, "tools-port", 0, "Port for the MCP tool server. Use 0 for random port")
	serveCmd.Flags().StringVar(&serveToolsVia, "tools-transport", "http", "How agents reach the MCP tools: http or stdio")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := logging.Gateway()

	agent, err := selectedAgent(ctx)
	if err != nil {
		return err
	}
	dir, err := sessionDir(agent)
	if err != nil {
		return err
	}

	decide, err := permissionDecider(ctx, conduit.DenyAll("no approver is attached to the gateway"))
	if err != nil {
		return err
	}
	opts, err := clientOptions(agent, dir, decide)
	if err != nil {
		return err
	}

	var connected atomic.Pointer[conduit.Client]
	if serveTools {
		tools := mcpserver.NewServer(mcpserver.Config{Port: serveToolsPort})
		mcpserver.RegisterBuiltins(tools, mcpserver.Dependencies{
			Config: cfg,
			Sessions: func() []mcpserver.SessionInfo {
				if c := connected.Load(); c != nil {
					return sessionInfos(c.Sessions())
				}
				return nil
			},
		})
		if err := tools.Start(ctx); err != nil {
			return fmt.Errorf("failed to start MCP tool server: %w", err)
		}
		defer tools.Stop()
		entry, err := toolsEntry(tools, serveToolsVia)
		if err != nil {
			return err
		}
		opts.MCPServers = append(opts.MCPServers, entry)
	}

	client, err := connect(ctx, agent, opts)
	if err != nil {
		return err
	}
	connected.Store(client)
	if _, err := openSession(ctx, client, dir); err != nil {
		client.Disconnect(ctx)
		return err
	}

	gcfg, err := gateway.FromConfig(ctx, cfg.Gateway)
	if err != nil {
		client.Disconnect(ctx)
		return err
	}
	defer gcfg.Guard.Close()
	if serveListen != "" {
		gcfg.Listen = serveListen
	}
	gcfg.Rewrite = promptRewriter(loadPromptHooks(), client)
	gw := gateway.New(client, gcfg)

	sm := hooks.NewShutdownManager(ctx)
	disconnectOnShutdown(sm, client)
	sm.Start()
	defer sm.Shutdown("exit")
	ctx = sm.Context()

	go func() {
		select {
		case <-client.Done():
			logger.Warn("Agent connection closed, stopping gateway")
			sm.Shutdown("agent exited")
		case <-ctx.Done():
		}
	}()

	listen := gcfg.Listen
	if listen == "" {
		listen = gateway.DefaultListen
	}
	fmt.Printf("🌐 Serving %s on ws://%s%s\n", agent.Name, listen, gateway.WSPath)
	if gcfg.Verifier != nil {
		fmt.Printf("   Bearer tokens from %s required\n", cfg.Gateway.OIDC.Issuer)
	}
	if !cfg.Permissions.AutoApproveEnabled() && cfg.Permissions.RulesFile == "" && !autoApprove {
		fmt.Printf("   ⚠️  Permission requests will be denied: set permissions.auto_approve or rules_file in %s\n", config.DefaultConfigPath())
	}

	return gw.ListenAndServe(ctx)
}

func sessionInfos(sessions []conduit.Session) []mcpserver.SessionInfo {
	out := make([]mcpserver.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, mcpserver.SessionInfo{
			SessionID: s.ID,
			Cwd:       s.Cwd,
			Mode:      s.Mode,
			Model:     s.Model,
			Active:    s.Active,
		})
	}
	return out
}

func toolsEntry(tools *mcpserver.Server, transport string) (acp.McpServer, error) {
	switch transport {
	case "", "http":
		return tools.McpServer()
	case "stdio":
		exe, err := os.Executable()
		if err != nil {
			return acp.McpServer{}, fmt.Errorf("failed to locate conduit executable: %w", err)
		}
		return tools.ProxyMcpServer(exe)
	default:
		return acp.McpServer{}, fmt.Errorf("unknown tools transport %q (want http or stdio)", transport)
	}
}
