package acp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/coder/acp-go-sdk"
)

// ErrMethodNotFound is returned by handlers for methods they do not serve.
var ErrMethodNotFound = errors.New("method not found")

// Handler receives everything the agent sends that is not a reply.
//
// HandleNotification is called on the connection's read path, one
// notification at a time and in wire order; it may block to apply
// backpressure. HandleRequest runs on its own goroutine per request.
type Handler interface {
	HandleNotification(ctx context.Context, method string, params json.RawMessage)
	HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, error)
}

// PermissionFunc answers a session/request_permission request.
type PermissionFunc func(ctx context.Context, req acp.RequestPermissionRequest) acp.RequestPermissionResponse

// Router is a Handler that serves the standard client-side methods.
type Router struct {
	// Notify receives every inbound notification. Nil drops them.
	Notify func(ctx context.Context, method string, params json.RawMessage)
	// Permission answers permission requests. Nil auto-approves.
	Permission PermissionFunc
	// FS serves fs/* requests. Nil rejects them with method-not-found.
	FS FileSystem
	// Terminal serves terminal/* requests. Nil rejects them.
	Terminal TerminalHandler
	// Ext serves extension (underscore-prefixed) requests. Nil rejects them.
	Ext func(ctx context.Context, method string, params json.RawMessage) (any, error)

	Logger *slog.Logger
}

var _ Handler = (*Router)(nil)

func (r *Router) HandleNotification(ctx context.Context, method string, params json.RawMessage) {
	if r.Notify != nil {
		r.Notify(ctx, method, params)
	}
}

func (r *Router) HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, error) {
	if r.Logger != nil {
		r.Logger.Debug("Agent request", "method", method)
	}

	switch method {
	case MethodRequestPermission:
		var req acp.RequestPermissionRequest
		if err := decode(params, &req); err != nil {
			return nil, err
		}
		if r.Permission == nil {
			return AutoApprovePermission(req.Options), nil
		}
		return r.Permission(ctx, req), nil

	case MethodFSReadTextFile:
		if r.FS == nil {
			return nil, ErrMethodNotFound
		}
		var req acp.ReadTextFileRequest
		if err := decode(params, &req); err != nil {
			return nil, err
		}
		content, err := r.FS.ReadTextFile(req.Path, req.Line, req.Limit)
		if err != nil {
			return nil, err
		}
		return acp.ReadTextFileResponse{Content: content}, nil

	case MethodFSWriteTextFile:
		if r.FS == nil {
			return nil, ErrMethodNotFound
		}
		var req acp.WriteTextFileRequest
		if err := decode(params, &req); err != nil {
			return nil, err
		}
		if err := r.FS.WriteTextFile(req.Path, req.Content); err != nil {
			return nil, err
		}
		return acp.WriteTextFileResponse{}, nil

	case MethodTerminalCreate, MethodTerminalOutput, MethodTerminalRelease,
		MethodTerminalWaitForExit, MethodTerminalKill:
		if r.Terminal == nil {
			return nil, ErrMethodNotFound
		}
		return r.terminal(ctx, method, params)
	}

	if IsExtension(method) && r.Ext != nil {
		return r.Ext(ctx, method, params)
	}
	return nil, ErrMethodNotFound
}

func (r *Router) terminal(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case MethodTerminalCreate:
		var req acp.CreateTerminalRequest
		if err := decode(params, &req); err != nil {
			return nil, err
		}
		return r.Terminal.CreateTerminal(ctx, req)
	case MethodTerminalOutput:
		var req acp.TerminalOutputRequest
		if err := decode(params, &req); err != nil {
			return nil, err
		}
		return r.Terminal.TerminalOutput(ctx, req)
	case MethodTerminalRelease:
		var req acp.ReleaseTerminalRequest
		if err := decode(params, &req); err != nil {
			return nil, err
		}
		return r.Terminal.ReleaseTerminal(ctx, req)
	case MethodTerminalWaitForExit:
		var req acp.WaitForTerminalExitRequest
		if err := decode(params, &req); err != nil {
			return nil, err
		}
		return r.Terminal.WaitForTerminalExit(ctx, req)
	default:
		var req acp.KillTerminalCommandRequest
		if err := decode(params, &req); err != nil {
			return nil, err
		}
		return r.Terminal.KillTerminalCommand(ctx, req)
	}
}

// invalidParamsError marks a request whose params did not decode.
type invalidParamsError struct{ err error }

func (e *invalidParamsError) Error() string { return "invalid params: " + e.err.Error() }
func (e *invalidParamsError) Unwrap() error { return e.err }

func decode(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return &invalidParamsError{err: fmt.Errorf("missing params")}
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &invalidParamsError{err: err}
	}
	return nil
}
