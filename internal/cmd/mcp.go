package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inercia/conduit/internal/hooks"
	"github.com/inercia/conduit/internal/mcpserver"
)

// maxSSEEvent bounds one Server-Sent Event from the tool server.
const maxSSEEvent = 1024 * 1024

var mcpProxyTo string

// mcpCmd represents the mcp command
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve conduit's MCP tools over stdio",
	Long: `Serve conduit's MCP tools (list_agents, get_runtime_info) over
stdin and stdout, for use as a stdio MCP server.

With --proxy-to, relay stdio to a running tool server instead. "conduit
serve --tools-transport stdio" attaches this mode to agents that cannot
reach MCP servers over HTTP.

Examples:
  conduit mcp
  conduit mcp --proxy-to http://127.0.0.1:41234/mcp`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)

	mcpCmd.Flags().StringVar(&mcpProxyTo, "proxy-to", "", "URL of a tool server to relay stdio to")
}

func runMCP(cmd *cobra.Command, args []string) error {
	sm := hooks.NewShutdownManager(context.Background())
	sm.Start()
	defer sm.Shutdown("exit")
	ctx := sm.Context()

	if mcpProxyTo != "" {
		// Closing stdin ends the blocked read.
		sm.AddCleanup(func(string) { os.Stdin.Close() })
		p := &stdioProxy{target: mcpProxyTo, client: http.DefaultClient}
		if err := p.run(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	}

	srv := mcpserver.NewServer(mcpserver.Config{})
	mcpserver.RegisterBuiltins(srv, mcpserver.Dependencies{Config: cfg})
	return srv.RunStdio(ctx)
}

// stdioProxy relays newline-delimited JSON-RPC messages to a Streamable
// HTTP MCP endpoint and writes the replies back. The Mcp-Session-Id the
// server hands out is sent with every later request.
type stdioProxy struct {
	target    string
	client    *http.Client
	sessionID string
}

func (p *stdioProxy) run(ctx context.Context, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := reader.ReadString('\n')
		if msg := strings.TrimSpace(line); msg != "" {
			p.relay(ctx, msg, out)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read error: %w", err)
		}
	}
}

// relay forwards one message. Failures become JSON-RPC errors carrying the
// request's id; notifications produce no output.
func (p *stdioProxy) relay(ctx context.Context, msg string, out io.Writer) {
	reply, err := p.forward(ctx, msg)
	if err != nil {
		var req struct {
			ID any `json:"id"`
		}
		_ = json.Unmarshal([]byte(msg), &req)
		reply, _ = json.Marshal(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"error": map[string]any{
				"code":    -32603,
				"message": fmt.Sprintf("proxy error: %v", err),
			},
		})
	}
	if len(reply) == 0 {
		return
	}
	out.Write(reply)
	if reply[len(reply)-1] != '\n' {
		out.Write([]byte("\n"))
	}
}

func (p *stdioProxy) forward(ctx context.Context, msg string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.target, strings.NewReader(msg))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if p.sessionID != "" {
		req.Header.Set("Mcp-Session-Id", p.sessionID)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if id := resp.Header.Get("Mcp-Session-Id"); id != "" {
		p.sessionID = id
	}
	switch {
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("http error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	case resp.StatusCode == http.StatusAccepted:
		return nil, nil
	case strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream"):
		return sseMessages(resp.Body)
	default:
		return io.ReadAll(resp.Body)
	}
}

// sseMessages joins the data of every event in an SSE stream, one message
// per line.
func sseMessages(r io.Reader) ([]byte, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSEEvent)

	var messages [][]byte
	var event bytes.Buffer
	flush := func() {
		if event.Len() > 0 {
			messages = append(messages, bytes.Clone(event.Bytes()))
			event.Reset()
		}
	}
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			if event.Len() > 0 {
				event.WriteByte('\n')
			}
			event.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case line == "":
			flush()
		}
	}
	flush()
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan SSE: %w", err)
	}
	return bytes.Join(messages, []byte("\n")), nil
}
