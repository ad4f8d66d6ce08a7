package conduit

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/coder/acp-go-sdk"

	conduitacp "github.com/inercia/conduit/internal/acp"
)

// Session is what the client knows about one agent session.
type Session struct {
	ID     string
	Cwd    string
	Mode   string
	Model  string
	Config []acp.SessionConfigOption
	Active bool
}

// SessionSummary is one entry of ListSessions.
type SessionSummary struct {
	ID        string
	Cwd       string
	Title     string
	UpdatedAt string
}

// errNoSession is returned when an operation needs a session and there is
// neither an explicit nor a default one.
var errNoSession = errors.New("no session: create one first")

// sessionRegistry tracks sessions and the default session. It is updated
// by callers once a command's reply arrived, and by mode change events.
type sessionRegistry struct {
	mu        sync.Mutex
	defaultID string
	sessions  map[string]*Session

	// createMu makes concurrent implicit creations produce one session.
	createMu sync.Mutex
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[string]*Session)}
}

func (r *sessionRegistry) add(setup sessionSetup, cwd string, makeDefault bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[setup.sessionID]
	if !ok {
		s = &Session{ID: setup.sessionID}
		r.sessions[setup.sessionID] = s
	}
	s.Active = true
	if cwd != "" {
		s.Cwd = cwd
	}
	if setup.modeID != "" {
		s.Mode = setup.modeID
	}
	if setup.modelID != "" {
		s.Model = setup.modelID
	}
	if len(setup.config) > 0 {
		s.Config = setup.config
	}
	if makeDefault {
		r.defaultID = setup.sessionID
	}
}

func (r *sessionRegistry) update(id string, fn func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		fn(s)
	}
}

func (r *sessionRegistry) defaultSession() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.defaultID
}

func (r *sessionRegistry) get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

func (r *sessionRegistry) list() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// deactivateAll marks every session inactive and returns the ids that were
// active.
func (r *sessionRegistry) deactivateAll() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, s := range r.sessions {
		if s.Active {
			ids = append(ids, id)
			s.Active = false
		}
	}
	sort.Strings(ids)
	return ids
}

// observe keeps the registry in step with agent-side changes.
func (r *sessionRegistry) observe(ev Event) {
	switch e := ev.(type) {
	case ModeChange:
		if e.ModeID != "" {
			r.update(e.SessionID, func(s *Session) { s.Mode = e.ModeID })
		}
	case ConfigUpdate:
		if len(e.Options) > 0 {
			r.update(e.SessionID, func(s *Session) { s.Config = e.Options })
		}
	}
}

// resolve returns sessionID, or the default session when it is empty.
func (c *Client) resolve(op, sessionID string) (string, error) {
	if sessionID != "" {
		return sessionID, nil
	}
	if id := c.sessions.defaultSession(); id != "" {
		return id, nil
	}
	return "", newError(KindSession, op, "", errNoSession)
}

// ensureSession returns sessionID, the default session, or a new session
// created in Options.Cwd.
func (c *Client) ensureSession(ctx context.Context, sessionID string) (string, error) {
	if sessionID != "" {
		return sessionID, nil
	}
	if id := c.sessions.defaultSession(); id != "" {
		return id, nil
	}

	c.sessions.createMu.Lock()
	defer c.sessions.createMu.Unlock()
	if id := c.sessions.defaultSession(); id != "" {
		return id, nil
	}
	c.logger.Debug("Creating session for prompt", "cwd", c.opts.Cwd)
	return c.NewSession(ctx, c.opts.Cwd, SessionOptions{})
}

// NewSession creates a session and makes it the default. An empty cwd
// means Options.Cwd.
func (c *Client) NewSession(ctx context.Context, cwd string, opts SessionOptions) (string, error) {
	if cwd == "" {
		cwd = c.opts.Cwd
	}
	cmd := &newSessionCmd{call: newCall[sessionSetup](ctx), cwd: cwd, opts: opts}
	setup, err := submit(ctx, c, "new_session", "", cmd, cmd.call)
	if err != nil {
		return "", err
	}
	c.opened(ctx, setup, cwd, true)
	return setup.sessionID, nil
}

// LoadSession loads an existing session and makes it the default.
func (c *Client) LoadSession(ctx context.Context, sessionID, cwd string, opts SessionOptions) error {
	if cwd == "" {
		cwd = c.opts.Cwd
	}
	cmd := &loadSessionCmd{call: newCall[sessionSetup](ctx), sessionID: sessionID, cwd: cwd, opts: opts}
	setup, err := submit(ctx, c, "load_session", sessionID, cmd, cmd.call)
	if err != nil {
		return err
	}
	setup.sessionID = sessionID
	c.opened(ctx, setup, cwd, true)
	return nil
}

// ForkSession creates a session branching off sessionID. The default
// session does not change.
func (c *Client) ForkSession(ctx context.Context, sessionID, cwd string, opts SessionOptions) (string, error) {
	sessionID, err := c.resolve("fork_session", sessionID)
	if err != nil {
		return "", err
	}
	if cwd == "" {
		cwd = c.opts.Cwd
	}
	cmd := &forkSessionCmd{call: newCall[sessionSetup](ctx), sessionID: sessionID, cwd: cwd, opts: opts}
	setup, err := submit(ctx, c, "fork_session", sessionID, cmd, cmd.call)
	if err != nil {
		return "", err
	}
	c.opened(ctx, setup, cwd, false)
	return setup.sessionID, nil
}

// ResumeSession resumes sessionID without replaying its history and makes
// it the default.
func (c *Client) ResumeSession(ctx context.Context, sessionID, cwd string, opts SessionOptions) error {
	if cwd == "" {
		cwd = c.opts.Cwd
	}
	cmd := &resumeSessionCmd{call: newCall[sessionSetup](ctx), sessionID: sessionID, cwd: cwd, opts: opts}
	setup, err := submit(ctx, c, "resume_session", sessionID, cmd, cmd.call)
	if err != nil {
		return err
	}
	setup.sessionID = sessionID
	c.opened(ctx, setup, cwd, true)
	return nil
}

func (c *Client) opened(ctx context.Context, setup sessionSetup, cwd string, makeDefault bool) {
	_, known := c.sessions.get(setup.sessionID)
	c.sessions.add(setup, cwd, makeDefault)
	if !known {
		c.hooks.run(ctx, HookInput{Event: HookSessionCreated, SessionID: setup.sessionID})
	}
}

// ListSessions lists the agent's sessions, optionally only those in cwd.
func (c *Client) ListSessions(ctx context.Context, cwd string) ([]SessionSummary, error) {
	cmd := &listSessionsCmd{call: newCall[[]SessionSummary](ctx), cwd: cwd}
	return submit(ctx, c, "list_sessions", "", cmd, cmd.call)
}

// SetSessionMode switches the mode of sessionID (or the default session).
func (c *Client) SetSessionMode(ctx context.Context, sessionID, modeID string) error {
	sessionID, err := c.resolve("set_session_mode", sessionID)
	if err != nil {
		return err
	}
	cmd := &setModeCmd{call: newCall[struct{}](ctx), sessionID: sessionID, modeID: modeID}
	if _, err := submit(ctx, c, "set_session_mode", sessionID, cmd, cmd.call); err != nil {
		return err
	}
	c.sessions.update(sessionID, func(s *Session) { s.Mode = modeID })
	return nil
}

// CancelSession asks the agent to stop the prompt running in sessionID
// (or the default session). It does not wait; the prompt still ends with
// Done.
func (c *Client) CancelSession(ctx context.Context, sessionID string) error {
	sessionID, err := c.resolve("cancel", sessionID)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, "cancel", sessionID, cancelCmd{sessionID: sessionID})
}

// DefaultSession returns the default session id, or "".
func (c *Client) DefaultSession() string {
	return c.sessions.defaultSession()
}

// Session returns what the client knows about sessionID.
func (c *Client) Session(sessionID string) (Session, bool) {
	return c.sessions.get(sessionID)
}

// Sessions returns every session the client opened, by id.
func (c *Client) Sessions() []Session {
	return c.sessions.list()
}

// mcpServers returns the client's and the session's MCP servers, dropping
// http and sse servers the agent did not advertise support for.
func (s *supervisor) mcpServers(opts SessionOptions) []acp.McpServer {
	servers := make([]acp.McpServer, 0, len(s.opts.MCPServers)+len(opts.MCPServers))
	for _, srv := range append(append([]acp.McpServer{}, s.opts.MCPServers...), opts.MCPServers...) {
		transport, name := mcpTransport(srv)
		if (transport == "http" && !s.caps.MCP.HTTP) || (transport == "sse" && !s.caps.MCP.SSE) {
			s.logger.Warn("Agent does not support MCP transport, server not attached",
				"server", name,
				"transport", transport)
			continue
		}
		servers = append(servers, srv)
	}
	return servers
}

// mcpTransport reads the transport type and name of an MCP server entry
// from its wire form. Stdio servers carry no type.
func mcpTransport(srv acp.McpServer) (transport, name string) {
	data, err := json.Marshal(srv)
	if err != nil {
		return "", ""
	}
	var wire struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	_ = json.Unmarshal(data, &wire)
	if wire.Type == "" {
		wire.Type = "stdio"
	}
	return wire.Type, wire.Name
}

func setupFrom(sessionID string, config []acp.SessionConfigOption, modes *acp.SessionModeState, model string) sessionSetup {
	setup := sessionSetup{sessionID: sessionID, config: config, modelID: model}
	if modes != nil {
		setup.modeID = string(modes.CurrentModeId)
	}
	return setup
}

func modelOf(m *acp.SessionModelState) string {
	if m == nil {
		return ""
	}
	return string(m.CurrentModelId)
}

func unstableModelOf(m *acp.UnstableSessionModelState) string {
	if m == nil {
		return ""
	}
	return string(m.CurrentModelId)
}

func (c *newSessionCmd) execute(s *supervisor) {
	params := acp.NewSessionRequest{
		Cwd:        c.cwd,
		McpServers: s.mcpServers(c.opts),
		Meta:       c.opts.meta(),
	}
	var res acp.NewSessionResponse
	if err := s.control(c.ctx, conduitacp.MethodSessionNew, params, &res); err != nil {
		c.fail(s.wrap("new_session", "", err))
		return
	}
	if res.SessionId == "" {
		c.fail(newError(KindProtocol, "new_session", "", errors.New("agent returned no session id")))
		return
	}
	s.logger.Info("Session created", "session_id", res.SessionId, "cwd", c.cwd)
	c.resolve(setupFrom(string(res.SessionId), res.ConfigOptions, res.Modes, modelOf(res.Models)), nil)
}

func (c *loadSessionCmd) execute(s *supervisor) {
	params := acp.LoadSessionRequest{
		SessionId:  acp.SessionId(c.sessionID),
		Cwd:        c.cwd,
		McpServers: s.mcpServers(c.opts),
		Meta:       c.opts.meta(),
	}
	var res acp.LoadSessionResponse
	if err := s.control(c.ctx, conduitacp.MethodSessionLoad, params, &res); err != nil {
		c.fail(s.wrap("load_session", c.sessionID, err))
		return
	}
	s.logger.Info("Session loaded", "session_id", c.sessionID)
	c.resolve(setupFrom(c.sessionID, res.ConfigOptions, res.Modes, modelOf(res.Models)), nil)
}

func (c *forkSessionCmd) execute(s *supervisor) {
	params := acp.UnstableForkSessionRequest{
		SessionId:  acp.SessionId(c.sessionID),
		Cwd:        c.cwd,
		McpServers: s.mcpServers(c.opts),
		Meta:       c.opts.meta(),
	}
	var res acp.UnstableForkSessionResponse
	if err := s.control(c.ctx, conduitacp.MethodSessionFork, params, &res); err != nil {
		c.fail(s.wrap("fork_session", c.sessionID, err))
		return
	}
	if res.SessionId == "" {
		c.fail(newError(KindProtocol, "fork_session", c.sessionID, errors.New("agent returned no session id")))
		return
	}
	s.logger.Info("Session forked", "session_id", res.SessionId, "parent", c.sessionID)
	c.resolve(setupFrom(string(res.SessionId), res.ConfigOptions, res.Modes, unstableModelOf(res.Models)), nil)
}

func (c *resumeSessionCmd) execute(s *supervisor) {
	params := acp.UnstableResumeSessionRequest{
		SessionId:  acp.SessionId(c.sessionID),
		Cwd:        c.cwd,
		McpServers: s.mcpServers(c.opts),
		Meta:       c.opts.meta(),
	}
	var res acp.UnstableResumeSessionResponse
	if err := s.control(c.ctx, conduitacp.MethodSessionResume, params, &res); err != nil {
		c.fail(s.wrap("resume_session", c.sessionID, err))
		return
	}
	s.logger.Info("Session resumed", "session_id", c.sessionID)
	c.resolve(setupFrom(c.sessionID, res.ConfigOptions, res.Modes, unstableModelOf(res.Models)), nil)
}

func (c *listSessionsCmd) execute(s *supervisor) {
	const maxPages = 100

	var out []SessionSummary
	params := acp.UnstableListSessionsRequest{}
	if c.cwd != "" {
		params.Cwd = &c.cwd
	}
	for range maxPages {
		var res acp.UnstableListSessionsResponse
		if err := s.control(c.ctx, conduitacp.MethodSessionList, params, &res); err != nil {
			c.fail(s.wrap("list_sessions", "", err))
			return
		}
		for _, sess := range res.Sessions {
			summary := SessionSummary{ID: string(sess.SessionId), Cwd: sess.Cwd}
			if sess.Title != nil {
				summary.Title = *sess.Title
			}
			if sess.UpdatedAt != nil {
				summary.UpdatedAt = *sess.UpdatedAt
			}
			out = append(out, summary)
		}
		next := res.NextCursor
		if next == nil || *next == "" || (params.Cursor != nil && *params.Cursor == *next) {
			break
		}
		params.Cursor = next
	}
	c.resolve(out, nil)
}

func (c *setModeCmd) execute(s *supervisor) {
	params := acp.SetSessionModeRequest{
		SessionId: acp.SessionId(c.sessionID),
		ModeId:    acp.SessionModeId(c.modeID),
	}
	if err := s.control(c.ctx, conduitacp.MethodSessionSetMode, params, nil); err != nil {
		c.fail(s.wrap("set_session_mode", c.sessionID, err))
		return
	}
	c.resolve(struct{}{}, nil)
}
