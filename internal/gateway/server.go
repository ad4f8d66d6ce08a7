// Package gateway exposes one conduit client to WebSocket clients. Each
// connection exchanges JSON frames ({"type": ..., "data": ...}): clients
// send prompt, cancel and new_session frames and receive the prompt's
// events back as update frames.
//
// All connections share the client, so only one prompt runs at a time;
// a prompt frame sent while another is running fails with an error frame.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/inercia/conduit"
	"github.com/inercia/conduit/internal/config"
	"github.com/inercia/conduit/internal/defense"
	"github.com/inercia/conduit/internal/logging"
)

const (
	// WSPath is where the WebSocket endpoint is mounted.
	WSPath = "/ws"
	// DefaultListen is the address used when none is configured.
	DefaultListen = "127.0.0.1:7777"

	shutdownTimeout = 5 * time.Second
	abandonTimeout  = 30 * time.Second
)

// Backend is the part of *conduit.Client the gateway drives.
type Backend interface {
	SendPrompt(ctx context.Context, text string, opts ...conduit.PromptOption) error
	RecvUpdate(ctx context.Context) (conduit.Update, error)
	CancelSession(ctx context.Context, sessionID string) error
	NewSession(ctx context.Context, cwd string, opts conduit.SessionOptions) (string, error)
	DefaultSession() string
	AgentInfo() conduit.AgentInfo
}

// RewriteFunc rewrites a prompt before it is sent to the agent and may
// add attachments. An error refuses the prompt.
type RewriteFunc func(ctx context.Context, sessionID, text string) (string, []conduit.Attachment, error)

// Config configures a Server.
type Config struct {
	Listen string
	// Rate is the number of frames per second each connection may send.
	// Zero or less means unlimited.
	Rate float64
	// Burst is the number of frames a connection may send at once. It
	// defaults to Rate rounded up.
	Burst    int
	Security SecurityConfig
	// Verifier, when set, requires a valid bearer token on every
	// connection.
	Verifier TokenVerifier
	// Guard, when set, blocks addresses that fail authentication, exceed
	// the rate limit, send malformed frames or request scanner paths.
	// The caller closes it.
	Guard   *defense.Guard
	Rewrite RewriteFunc
	Logger  *slog.Logger
}

// FromConfig builds a Config from the gateway section of the config file.
// When an OIDC issuer is configured the provider is discovered here.
func FromConfig(ctx context.Context, g config.Gateway) (Config, error) {
	cfg := Config{
		Listen:   g.Listen,
		Rate:     g.Rate,
		Burst:    g.Burst,
		Security: DefaultSecurityConfig(),
	}
	if g.OIDC != nil {
		v, err := NewOIDCVerifier(ctx, *g.OIDC)
		if err != nil {
			return Config{}, err
		}
		cfg.Verifier = v
	}
	if g.Defense != nil {
		guard, err := defense.New(defense.FromConfig(*g.Defense), logging.WithComponent("defense"))
		if err != nil {
			return Config{}, err
		}
		cfg.Guard = guard
	}
	return cfg, nil
}

// Server serves the WebSocket gateway.
type Server struct {
	backend  Backend
	cfg      Config
	upgrader websocket.Upgrader
	tracker  *ConnectionTracker
	logger   *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
	active    sync.WaitGroup
}

func New(backend Backend, cfg Config) *Server {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	cfg.Security = cfg.Security.withDefaults()
	if cfg.Logger == nil {
		cfg.Logger = logging.Gateway()
	}
	return &Server{
		backend:  backend,
		cfg:      cfg,
		upgrader: newUpgrader(cfg.Security),
		tracker:  NewConnectionTracker(cfg.Security.MaxConnectionsPerIP),
		logger:   cfg.Logger,
		done:     make(chan struct{}),
	}
}

// Handler returns the gateway routes: the WebSocket endpoint at WSPath and
// a health check at /healthz. Requests for scanner paths count as strikes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(WSPath, s)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "ok\n")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if defense.IsSuspiciousPath(r.URL.Path) {
			s.strike(remoteIP(r), defense.ReasonSuspiciousPath)
		}
		http.NotFound(w, r)
	})
	return mux
}

// strike records a strike against ip and reports whether ip is now
// blocked.
func (s *Server) strike(ip, reason string) bool {
	if s.cfg.Guard.Strike(ip, reason) {
		s.logger.Warn("Blocked gateway client", "remote_addr", ip, "reason", reason)
		return true
	}
	return false
}

// Connections returns the number of open WebSocket connections.
func (s *Server) Connections() int {
	return s.tracker.Total()
}

// ListenAndServe listens on the configured address and serves until ctx is
// done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then closes every
// WebSocket connection and shuts the HTTP server down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.logger.Info("Gateway listening",
		"addr", ln.Addr().String(),
		"auth", s.cfg.Verifier != nil,
		"defense", s.cfg.Guard != nil)
	ln = defense.NewListener(ln, s.cfg.Guard)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.waitConnections(shutdownCtx)
		return err
	})
	err := g.Wait()
	s.logger.Info("Gateway stopped")
	return err
}

// Close ends every WebSocket connection. Running prompts are cancelled.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Server) waitConnections(ctx context.Context) {
	idle := make(chan struct{})
	go func() {
		s.active.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-ctx.Done():
		s.logger.Warn("Gateway connections still open after shutdown timeout", "connections", s.Connections())
	}
}

func (s *Server) limiter() *rate.Limiter {
	if s.cfg.Rate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := s.cfg.Burst
	if burst <= 0 {
		burst = max(1, int(math.Ceil(s.cfg.Rate)))
	}
	return rate.NewLimiter(rate.Limit(s.cfg.Rate), burst)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.done:
		http.Error(w, "gateway is shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	ip := remoteIP(r)
	if reason, blocked := s.cfg.Guard.Blocked(ip); blocked {
		s.logger.Debug("Refused blocked client", "remote_addr", ip, "reason", reason)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	var subject string
	if s.cfg.Verifier != nil {
		token, err := bearerToken(r)
		if err == nil {
			subject, err = s.cfg.Verifier.Verify(r.Context(), token)
		}
		if err != nil {
			s.logger.Warn("Rejected gateway connection", "remote_addr", ip, "error", err)
			s.strike(ip, defense.ReasonAuth)
			w.Header().Set("WWW-Authenticate", `Bearer realm="conduit"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	if !s.tracker.TryAdd(ip) {
		s.logger.Warn("Too many gateway connections", "remote_addr", ip, "limit", s.cfg.Security.MaxConnectionsPerIP)
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	defer s.tracker.Remove(ip)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", "remote_addr", ip, "error", err)
		return
	}

	s.active.Add(1)
	defer s.active.Done()

	id := ulid.Make().String()
	logger := logging.WithClient(s.logger, id, ip)
	if subject != "" {
		logger = logger.With("subject", subject)
	}
	c := newWSConn(id, ip, ws, s.cfg.Security, s.limiter(), logger)
	s.serveConn(r.Context(), c)
}

func (s *Server) serveConn(parent context.Context, c *wsConn) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	pumpDone := make(chan struct{})
	go func() {
		c.writePump(ctx)
		close(pumpDone)
	}()

	c.logger.Info("Gateway client connected")
	info := s.backend.AgentInfo()
	c.sendFrame(FrameConnected, ConnectedData{
		ClientID:     c.id,
		Agent:        info.Name,
		AgentVersion: info.Version,
		SessionID:    s.backend.DefaultSession(),
	})

	var tasks sync.WaitGroup
	for {
		msg, err := c.readFrame()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("WebSocket read failed", "error", err)
			}
			break
		}
		if !c.limiter.Allow() {
			c.sendError("", "rate limit exceeded")
			if s.strike(c.ip, defense.ReasonRateLimit) {
				break
			}
			continue
		}
		var f Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			c.sendError("", "invalid frame: "+err.Error())
			if s.strike(c.ip, defense.ReasonInvalidFrame) {
				break
			}
			continue
		}
		s.dispatch(ctx, c, f, &tasks)
	}

	cancel()
	tasks.Wait()
	c.close()
	<-pumpDone
	c.logger.Info("Gateway client disconnected")
}

func (s *Server) dispatch(ctx context.Context, c *wsConn, f Frame, tasks *sync.WaitGroup) {
	switch f.Type {
	case FramePrompt:
		var d PromptData
		if err := decodeData(f.Data, &d); err != nil {
			c.sendError(f.Type, err.Error())
			return
		}
		if d.Text == "" {
			c.sendError(f.Type, "text is required")
			return
		}
		tasks.Add(1)
		go func() {
			defer tasks.Done()
			s.runPrompt(ctx, c, d)
		}()

	case FrameCancel:
		var d CancelData
		if err := decodeData(f.Data, &d); err != nil {
			c.sendError(f.Type, err.Error())
			return
		}
		if d.SessionID == "" {
			d.SessionID = s.backend.DefaultSession()
		}
		if d.SessionID == "" {
			c.sendError(f.Type, "no session to cancel")
			return
		}
		if err := s.backend.CancelSession(ctx, d.SessionID); err != nil {
			c.sendError(f.Type, err.Error())
			return
		}
		c.sendFrame(FrameCancelled, d)

	case FrameNewSession:
		var d NewSessionData
		if err := decodeData(f.Data, &d); err != nil {
			c.sendError(f.Type, err.Error())
			return
		}
		tasks.Add(1)
		go func() {
			defer tasks.Done()
			id, err := s.backend.NewSession(ctx, d.Cwd, conduit.SessionOptions{
				SystemPrompt: d.SystemPrompt,
				Model:        d.Model,
			})
			if err != nil {
				c.sendError(FrameNewSession, err.Error())
				return
			}
			c.logger.Info("Session created", "session_id", id)
			c.sendFrame(FrameSessionCreated, SessionCreatedData{SessionID: id})
		}()

	default:
		c.sendError(f.Type, fmt.Sprintf("unknown frame type %q", f.Type))
	}
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid data: %w", err)
	}
	return nil
}

func (s *Server) runPrompt(ctx context.Context, c *wsConn, d PromptData) {
	var opts []conduit.PromptOption
	if d.SessionID != "" {
		opts = append(opts, conduit.InSession(d.SessionID))
	}
	sessionID := d.SessionID
	if sessionID == "" {
		sessionID = s.backend.DefaultSession()
	}
	text := d.Text
	if s.cfg.Rewrite != nil {
		rewritten, atts, err := s.cfg.Rewrite(ctx, sessionID, text)
		if err != nil {
			c.sendError(FramePrompt, err.Error())
			return
		}
		text = rewritten
		if len(atts) > 0 {
			opts = append(opts, conduit.WithAttachments(atts...))
		}
	}
	if err := s.backend.SendPrompt(ctx, text, opts...); err != nil {
		c.sendError(FramePrompt, err.Error())
		return
	}
	// The first prompt of a client creates its default session.
	if sessionID == "" {
		sessionID = s.backend.DefaultSession()
	}
	c.logger.Debug("Prompt started", "session_id", sessionID)

	complete := PromptCompleteData{SessionID: sessionID}
	for {
		u, err := s.backend.RecvUpdate(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				s.abandon(complete.SessionID, c.logger)
				return
			}
			complete.Error = err.Error()
			break
		}
		if complete.SessionID == "" {
			complete.SessionID = u.SessionID
		}
		c.sendFrame(FrameUpdate, updateData(u))
		if u.Kind == conduit.UpdateDone {
			complete.StopReason = u.StopReason
			break
		}
	}
	c.sendFrame(FramePromptComplete, complete)
}

// abandon cancels a prompt whose connection went away and reads its
// remaining updates, so the client is free for the next prompt.
func (s *Server) abandon(sessionID string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), abandonTimeout)
	defer cancel()

	logger.Info("Client gone, cancelling prompt", "session_id", sessionID)
	if sessionID != "" {
		if err := s.backend.CancelSession(ctx, sessionID); err != nil {
			logger.Warn("Failed to cancel abandoned prompt", "session_id", sessionID, "error", err)
		}
	}
	for {
		u, err := s.backend.RecvUpdate(ctx)
		if err != nil || u.Kind == conduit.UpdateDone {
			return
		}
	}
}
