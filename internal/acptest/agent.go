// Package acptest provides an in-process fake ACP agent speaking JSON-RPC
// lines over pipes. Tests script each prompt turn and inspect what the
// client sent.
package acptest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// Standard error codes.
const (
	CodeMethodNotFound  = -32601
	CodeInvalidParams   = -32602
	CodeInternalError   = -32603
	CodeAuthRequired    = -32000
	CodeSessionNotFound = -32002
)

// HandlerFunc answers one client request.
type HandlerFunc func(params json.RawMessage) (any, *RPCError)

// PromptFunc scripts one prompt turn. It returns the stop reason, or an
// error to fail the prompt request. An empty stop reason is sent as a
// result without stopReason.
type PromptFunc func(turn *Turn) (stopReason string, err *RPCError)

// Call is a message received from the client.
type Call struct {
	Method string
	Params json.RawMessage
	// Notification is true when the message had no id.
	Notification bool
}

type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Agent is a scripted ACP agent. Configure it before Start; the fields are
// not synchronized.
type Agent struct {
	// Capabilities is sent as agentCapabilities. Nil sends a default set.
	Capabilities map[string]any
	// InitError fails the initialize request.
	InitError *RPCError
	// OnPrompt scripts session/prompt. Nil echoes the prompt text.
	OnPrompt PromptFunc
	// Handlers override the built-in answer for a method.
	Handlers map[string]HandlerFunc

	in  *bufio.Scanner
	out io.WriteCloser

	writeMu sync.Mutex

	mu       sync.Mutex
	calls    []Call
	sessions []string
	turns    map[string]*Turn
	pending  map[string]chan message

	nextID      atomic.Int64
	nextSession atomic.Int64
	done        chan struct{}
}

// Pipe returns a fake agent together with the client ends of its stdio:
// the writer the client sends on and the reader it receives from.
func Pipe() (agent *Agent, clientStdin io.WriteCloser, clientStdout io.Reader) {
	agentIn, clientW := io.Pipe()
	clientR, agentOut := io.Pipe()
	return New(agentIn, agentOut), clientW, clientR
}

// New returns a fake agent reading client messages from in and writing to
// out, such as a process's stdin and stdout.
func New(in io.Reader, out io.WriteCloser) *Agent {
	a := &Agent{
		in:      bufio.NewScanner(in),
		out:     out,
		turns:   make(map[string]*Turn),
		pending: make(map[string]chan message),
		done:    make(chan struct{}),
	}
	a.in.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	return a
}

// Start serves client messages until the client closes its stdin or Close
// is called.
func (a *Agent) Start() {
	go a.serve()
}

// Close closes the agent's output, which the client sees as EOF.
func (a *Agent) Close() error {
	return a.out.Close()
}

// Done is closed when the agent stopped reading.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// Calls returns everything the client sent so far.
func (a *Agent) Calls() []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Call(nil), a.calls...)
}

// Count returns how many messages with method the client sent.
func (a *Agent) Count(method string) int {
	n := 0
	for _, c := range a.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

// LastParams returns the params of the last message with method, or nil.
func (a *Agent) LastParams(method string) json.RawMessage {
	calls := a.Calls()
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i].Method == method {
			return calls[i].Params
		}
	}
	return nil
}

func (a *Agent) serve() {
	defer close(a.done)
	defer a.out.Close()

	for a.in.Scan() {
		var msg message
		if err := json.Unmarshal(a.in.Bytes(), &msg); err != nil {
			continue
		}

		if msg.Method == "" {
			a.deliver(msg)
			continue
		}

		notification := len(msg.ID) == 0 || string(msg.ID) == "null"
		a.mu.Lock()
		a.calls = append(a.calls, Call{Method: msg.Method, Params: msg.Params, Notification: notification})
		a.mu.Unlock()

		if notification {
			a.handleNotification(msg)
			continue
		}
		go a.handleRequest(msg)
	}

	a.mu.Lock()
	for _, turn := range a.turns {
		turn.cancel()
	}
	for _, ch := range a.pending {
		close(ch)
	}
	a.pending = map[string]chan message{}
	a.mu.Unlock()
}

func (a *Agent) deliver(msg message) {
	a.mu.Lock()
	ch, ok := a.pending[string(msg.ID)]
	delete(a.pending, string(msg.ID))
	a.mu.Unlock()
	if ok {
		ch <- msg
	}
}

func (a *Agent) handleNotification(msg message) {
	if msg.Method != "session/cancel" {
		return
	}
	var params struct {
		SessionID string `json:"sessionId"`
	}
	_ = json.Unmarshal(msg.Params, &params)

	a.mu.Lock()
	turn := a.turns[params.SessionID]
	a.mu.Unlock()
	if turn != nil {
		turn.cancel()
	}
}

func (a *Agent) handleRequest(msg message) {
	if h, ok := a.Handlers[msg.Method]; ok {
		result, rerr := h(msg.Params)
		a.reply(msg.ID, result, rerr)
		return
	}

	switch msg.Method {
	case "initialize":
		a.initialize(msg)
	case "session/new":
		a.reply(msg.ID, map[string]any{
			"sessionId": a.newSession(),
			"modes": map[string]any{
				"currentModeId":  "default",
				"availableModes": []map[string]string{{"id": "default", "name": "Default"}, {"id": "plan", "name": "Plan"}},
			},
		}, nil)
	case "session/load", "session/resume":
		var params struct {
			SessionID string `json:"sessionId"`
		}
		_ = json.Unmarshal(msg.Params, &params)
		if !a.knows(params.SessionID) {
			a.reply(msg.ID, nil, &RPCError{Code: CodeSessionNotFound, Message: "Session not found: " + params.SessionID})
			return
		}
		a.reply(msg.ID, map[string]any{}, nil)
	case "session/fork":
		a.reply(msg.ID, map[string]any{"sessionId": a.newSession()}, nil)
	case "session/list":
		a.mu.Lock()
		sessions := make([]map[string]string, 0, len(a.sessions))
		for _, id := range a.sessions {
			sessions = append(sessions, map[string]string{"sessionId": id})
		}
		a.mu.Unlock()
		a.reply(msg.ID, map[string]any{"sessions": sessions}, nil)
	case "session/set_mode", "session/set_model":
		a.reply(msg.ID, map[string]any{}, nil)
	case "session/set_config_option":
		a.reply(msg.ID, map[string]any{"configOptions": []any{}}, nil)
	case "session/prompt":
		a.prompt(msg)
	default:
		a.reply(msg.ID, nil, &RPCError{Code: CodeMethodNotFound, Message: "Method not found"})
	}
}

func (a *Agent) initialize(msg message) {
	if a.InitError != nil {
		a.reply(msg.ID, nil, a.InitError)
		return
	}
	caps := a.Capabilities
	if caps == nil {
		caps = map[string]any{
			"loadSession":        true,
			"promptCapabilities": map[string]bool{"image": true, "embeddedContext": true},
			"mcpCapabilities":    map[string]bool{"http": true},
			"sessionCapabilities": map[string]any{
				"fork": map[string]any{},
				"list": map[string]any{},
			},
		}
	}
	a.reply(msg.ID, map[string]any{
		"protocolVersion":   1,
		"agentCapabilities": caps,
		"agentInfo":         map[string]string{"name": "acptest", "version": "0.0.1"},
	}, nil)
}

func (a *Agent) newSession() string {
	id := fmt.Sprintf("sess-%d", a.nextSession.Add(1))
	a.mu.Lock()
	a.sessions = append(a.sessions, id)
	a.mu.Unlock()
	return id
}

func (a *Agent) knows(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.sessions {
		if s == id {
			return true
		}
	}
	return false
}

func (a *Agent) prompt(msg message) {
	var params struct {
		SessionID string            `json:"sessionId"`
		Prompt    []json.RawMessage `json:"prompt"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		a.reply(msg.ID, nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()})
		return
	}

	turn := &Turn{
		SessionID: params.SessionID,
		Blocks:    params.Prompt,
		agent:     a,
		cancelled: make(chan struct{}),
	}
	a.mu.Lock()
	a.turns[params.SessionID] = turn
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		if a.turns[params.SessionID] == turn {
			delete(a.turns, params.SessionID)
		}
		a.mu.Unlock()
	}()

	script := a.OnPrompt
	if script == nil {
		script = Echo
	}
	stop, rerr := script(turn)
	if rerr != nil {
		a.reply(msg.ID, nil, rerr)
		return
	}
	if stop == "" {
		a.reply(msg.ID, map[string]any{}, nil)
		return
	}
	a.reply(msg.ID, map[string]any{"stopReason": stop}, nil)
}

// Echo answers every prompt with "echo: <text>" and end_turn.
func Echo(turn *Turn) (string, *RPCError) {
	turn.Text("echo: " + turn.PromptText())
	return "end_turn", nil
}

func (a *Agent) send(msg message) error {
	msg.JSONRPC = "2.0"
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_, err = fmt.Fprintf(a.out, "%s\n", data)
	return err
}

func (a *Agent) reply(id json.RawMessage, result any, rerr *RPCError) {
	msg := message{ID: id, Error: rerr}
	if rerr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			msg.Error = &RPCError{Code: CodeInternalError, Message: err.Error()}
		} else {
			msg.Result = raw
		}
	}
	_ = a.send(msg)
}

// Notify sends a notification to the client.
func (a *Agent) Notify(method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return a.send(message{Method: method, Params: raw})
}

// WriteRaw writes one line to the client as is.
func (a *Agent) WriteRaw(line string) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_, err := io.WriteString(a.out, strings.TrimRight(line, "\n")+"\n")
	return err
}

// Request sends a request to the client and waits for its answer.
func (a *Agent) Request(method string, params any) (json.RawMessage, *RPCError, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, nil, err
	}
	id := json.RawMessage(fmt.Sprintf(`"agent-%d"`, a.nextID.Add(1)))
	ch := make(chan message, 1)

	a.mu.Lock()
	a.pending[string(id)] = ch
	a.mu.Unlock()

	if err := a.send(message{ID: id, Method: method, Params: raw}); err != nil {
		return nil, nil, err
	}
	resp, ok := <-ch
	if !ok {
		return nil, nil, io.EOF
	}
	return resp.Result, resp.Error, nil
}
