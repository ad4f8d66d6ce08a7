// Package conduit connects to an Agent Client Protocol agent and exposes
// its sessions to many concurrent callers.
//
// One goroutine, the supervisor, owns the connection for its lifetime.
// Callers talk to it through a bounded command channel and read prompt
// events from a bounded event channel; they never touch the connection.
//
//	c, err := conduit.Connect(ctx, conduit.Options{Command: "claude-code-acp", Cwd: dir})
//	if err != nil {
//		return err
//	}
//	defer c.Disconnect(context.Background())
//
//	msgs, err := c.Prompt(ctx, "summarize README.md")
package conduit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/coder/acp-go-sdk"

	conduitacp "github.com/inercia/conduit/internal/acp"
	"github.com/inercia/conduit/internal/runner"
)

// shutdownGrace is how long an agent gets to exit after its stdin closed.
const shutdownGrace = 2 * time.Second

// Capabilities is what the agent advertised during the handshake.
type Capabilities struct {
	ProtocolVersion int
	LoadSession     bool
	Prompt          PromptCapabilities
	MCP             MCPCapabilities
	Sessions        SessionCapabilities
	AuthMethods     []string
	AgentInfo       AgentInfo
}

// PromptCapabilities lists the content block types a prompt may carry
// besides text and resource links.
type PromptCapabilities struct {
	Image           bool
	Audio           bool
	EmbeddedContext bool
}

// MCPCapabilities lists the MCP transports the agent can connect to besides
// stdio.
type MCPCapabilities struct {
	HTTP bool
	SSE  bool
}

// SessionCapabilities lists the optional session methods the agent serves.
type SessionCapabilities struct {
	Fork   bool
	List   bool
	Resume bool
}

// AgentInfo identifies the agent.
type AgentInfo struct {
	Name    string
	Title   string
	Version string
}

func capabilitiesFrom(res acp.InitializeResponse) Capabilities {
	ac := res.AgentCapabilities
	caps := Capabilities{
		ProtocolVersion: int(res.ProtocolVersion),
		LoadSession:     ac.LoadSession,
		Prompt: PromptCapabilities{
			Image:           ac.PromptCapabilities.Image,
			Audio:           ac.PromptCapabilities.Audio,
			EmbeddedContext: ac.PromptCapabilities.EmbeddedContext,
		},
		MCP: MCPCapabilities{HTTP: ac.McpCapabilities.Http, SSE: ac.McpCapabilities.Sse},
	}
	// Older agents advertise session methods under _meta.
	inMeta := func(name string) bool {
		_, ok := ac.Meta[name]
		return ok
	}
	sc := ac.SessionCapabilities
	caps.Sessions = SessionCapabilities{
		Fork:   sc.Fork != nil || inMeta("fork"),
		List:   sc.List != nil || inMeta("list"),
		Resume: sc.Resume != nil || inMeta("resume"),
	}
	for _, m := range res.AuthMethods {
		caps.AuthMethods = append(caps.AuthMethods, m.Id)
	}
	if info := res.AgentInfo; info != nil {
		caps.AgentInfo = AgentInfo{Name: info.Name, Version: info.Version}
		if info.Title != nil {
			caps.AgentInfo.Title = *info.Title
		}
	}
	return caps
}

// Client is a connection to one agent. It is safe for concurrent use.
type Client struct {
	opts   Options
	caps   Capabilities
	logger *slog.Logger

	commands chan<- command
	events   <-chan Event
	done     <-chan struct{}
	exited   <-chan struct{}

	sessions *sessionRegistry
	hooks    *hookRunner

	// promptSlot holds a token while a prompt is in flight.
	promptSlot chan struct{}
	streamMu   sync.Mutex
	stream     *promptCmd

	disconnectOnce sync.Once
}

// Connect starts the agent process and performs the handshake. The
// process lives until Disconnect; ctx only bounds the handshake.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	if opts.Cwd == "" {
		if wd, err := os.Getwd(); err == nil {
			opts.Cwd = wd
		}
	}

	cmdline := opts.Command
	if opts.Proxies.Len() > 0 {
		line, err := opts.Proxies.CommandLine(opts.Conductor, opts.Command)
		if err != nil {
			return nil, newError(KindConnection, "connect", "", err)
		}
		opts.Logger.Debug("Starting proxy chain", "chain", opts.Proxies.String())
		cmdline = line
	}
	sandbox, err := newSandboxRunner(opts)
	if err != nil {
		return nil, newError(KindConnection, "connect", "", err)
	}
	proc, err := runner.Spawn(context.Background(), runner.Spec{
		Command: cmdline,
		Cwd:     opts.Cwd,
		Env:     opts.Env,
		Runner:  sandbox,
		Stderr:  opts.Stderr,
		Logger:  opts.Logger,
	})
	if err != nil {
		return nil, newError(KindConnection, "connect", "", err)
	}
	stdin, err := proc.TakeStdin()
	if err != nil {
		proc.Kill()
		return nil, newError(KindConnection, "connect", "", err)
	}
	stdout, err := proc.TakeStdout()
	if err != nil {
		proc.Kill()
		return nil, newError(KindConnection, "connect", "", err)
	}

	release := func(peerDone <-chan struct{}, graceful bool) error {
		_ = stdin.Close()
		if graceful {
			select {
			case <-peerDone:
			case <-time.After(shutdownGrace):
				opts.Logger.Debug("Agent did not exit, killing it")
				proc.Kill()
			}
		} else {
			proc.Kill()
		}
		return proc.Wait()
	}
	return start(ctx, opts, stdin, stdout, release)
}

// ConnectIO performs the handshake over an already running agent's stdio.
// Disconnect closes stdin, and stdout too when it is an io.Closer.
func ConnectIO(ctx context.Context, stdin io.WriteCloser, stdout io.Reader, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	if opts.Cwd == "" {
		if wd, err := os.Getwd(); err == nil {
			opts.Cwd = wd
		}
	}
	release := func(peerDone <-chan struct{}, graceful bool) error {
		err := stdin.Close()
		if graceful {
			select {
			case <-peerDone:
			case <-time.After(shutdownGrace):
			}
		}
		if rc, ok := stdout.(io.Closer); ok {
			_ = rc.Close()
		}
		return err
	}
	return start(ctx, opts, stdin, stdout, release)
}

func start(ctx context.Context, opts Options, w io.Writer, r io.Reader, release func(<-chan struct{}, bool) error) (*Client, error) {
	var err error
	if opts, release, err = withTools(ctx, opts, release); err != nil {
		_ = release(nil, false)
		return nil, newError(KindConnection, "connect", "", err)
	}
	logger := opts.Logger
	hooks := newHookRunner(opts.Hooks, opts.HookTimeout, logger)
	sessions := newSessionRegistry()

	mux := newMultiplexer(opts.EventBuffer, opts.OnEvent, hooks, logger)
	mux.observe = sessions.observe
	gate := &permissionGate{decide: opts.Decide, timeout: opts.PermissionTimeout, logger: logger}

	router := &conduitacp.Router{
		Notify:     mux.handleNotification,
		Permission: gate.answer,
		FS:         opts.FileSystem,
		Terminal:   opts.Terminal,
		Ext:        opts.ExtHandler,
		Logger:     logger,
	}
	peer := conduitacp.NewPeer(w, r, router, logger)

	sctx, cancel := context.WithCancel(context.Background())
	commands := make(chan command, opts.CommandBuffer)
	s := &supervisor{
		peer:       peer,
		opts:       opts,
		logger:     logger,
		mux:        mux,
		hooks:      hooks,
		sessions:   sessions,
		commands:   commands,
		done:       make(chan struct{}),
		ctx:        sctx,
		cancel:     cancel,
		promptDone: make(chan promptOutcome, 1),
		exited:     make(chan struct{}),
	}
	s.closer = func(graceful bool) error { return release(peer.Done(), graceful) }

	ready := make(chan handshake, 1)
	go s.run(ctx, ready)

	hs := <-ready
	if hs.err != nil {
		<-s.exited
		return nil, hs.err
	}

	return &Client{
		opts:       opts,
		caps:       hs.caps,
		logger:     logger,
		commands:   commands,
		events:     mux.events,
		done:       s.done,
		exited:     s.exited,
		sessions:   sessions,
		hooks:      hooks,
		promptSlot: make(chan struct{}, 1),
	}, nil
}

// Capabilities returns the snapshot taken at the handshake.
func (c *Client) Capabilities() Capabilities {
	return c.caps
}

// AgentInfo returns the agent's name and version.
func (c *Client) AgentInfo() AgentInfo {
	return c.caps.AgentInfo
}

// Done is closed once the connection is gone, after Disconnect or when the
// agent exits.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Disconnect shuts the connection down and waits for the agent to exit.
// Operations issued afterwards fail with ErrConnectionClosed. Calling it
// more than once is safe.
func (c *Client) Disconnect(ctx context.Context) error {
	var err error
	c.disconnectOnce.Do(func() {
		if e := c.enqueue(ctx, "disconnect", "", shutdownCmd{}); e != nil && KindOf(e) != KindConnection {
			err = e
			return
		}
		select {
		case <-c.exited:
		case <-ctx.Done():
			err = classify("disconnect", "", ctx.Err())
			return
		}
		for _, id := range c.sessions.deactivateAll() {
			c.hooks.run(ctx, HookInput{Event: HookSessionDestroyed, SessionID: id})
		}
		c.logger.Info("Disconnected")
	})
	if err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}
