package acp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"

	"github.com/coder/acp-go-sdk"
)

// JSON-RPC error codes used when answering agent requests.
const (
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// Peer is the client end of one ACP connection.
//
// Requests and replies go through the acp-go-sdk connection. Inbound
// notifications are taken off the byte stream before the SDK sees them and
// handed to Handler.HandleNotification synchronously, so a notification
// read before a reply has always been handled by the time Call returns
// that reply.
type Peer struct {
	conn    *acp.Connection
	handler Handler
	filter  *JSONLineFilterReader
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewPeer starts a connection writing to w and reading from r.
func NewPeer(w io.Writer, r io.Reader, handler Handler, logger *slog.Logger) *Peer {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		handler: handler,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	p.filter = NewJSONLineFilterReader(r, logger)
	p.filter.Tap = p.tap
	p.conn = acp.NewConnection(p.handle, w, p.filter)
	return p
}

// Call sends a request and decodes the reply into result (which may be nil).
func (p *Peer) Call(ctx context.Context, method string, params, result any) error {
	raw, err := acp.SendRequest[json.RawMessage](p.conn, ctx, method, params)
	if err != nil {
		return err
	}
	if result == nil || len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// Notify sends a notification.
func (p *Peer) Notify(ctx context.Context, method string, params any) error {
	return p.conn.SendNotification(ctx, method, params)
}

// Done is closed when the connection stops reading, either because the
// agent closed its output or because of a read error.
func (p *Peer) Done() <-chan struct{} {
	return p.conn.Done()
}

// Dropped returns how many non-JSON lines the agent printed on stdout.
func (p *Peer) Dropped() int {
	return p.filter.Dropped()
}

// Close cancels the context handed to handlers. Closing the underlying
// streams is the owner's job.
func (p *Peer) Close() {
	p.cancel()
}

type lineHead struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func (p *Peer) tap(line []byte) bool {
	var head lineHead
	if err := json.Unmarshal(line, &head); err != nil {
		return false
	}
	if head.Method == "" {
		return false
	}
	if len(head.ID) != 0 && !bytes.Equal(head.ID, []byte("null")) {
		return false
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("Panic in notification handler",
					"method", head.Method,
					"panic", r,
					"stack", string(debug.Stack()))
			}
		}()
		p.handler.HandleNotification(p.ctx, head.Method, head.Params)
	}()
	return true
}

func (p *Peer) handle(ctx context.Context, method string, params json.RawMessage) (result any, rerr *acp.RequestError) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Panic in request handler",
				"method", method,
				"panic", r,
				"stack", string(debug.Stack()))
			result, rerr = nil, &acp.RequestError{Code: codeInternalError, Message: fmt.Sprintf("internal error: %v", r)}
		}
	}()

	res, err := p.handler.HandleRequest(ctx, method, params)
	if err != nil {
		p.logger.Debug("Agent request failed", "method", method, "error", err)
		return nil, toRequestError(method, err)
	}
	return res, nil
}

func toRequestError(method string, err error) *acp.RequestError {
	var reqErr *acp.RequestError
	if errors.As(err, &reqErr) {
		return reqErr
	}
	var invalid *invalidParamsError
	switch {
	case errors.Is(err, ErrMethodNotFound):
		return &acp.RequestError{Code: codeMethodNotFound, Message: "Method not found", Data: map[string]any{"method": method}}
	case errors.As(err, &invalid):
		return &acp.RequestError{Code: codeInvalidParams, Message: invalid.Error()}
	default:
		return &acp.RequestError{Code: codeInternalError, Message: err.Error()}
	}
}
