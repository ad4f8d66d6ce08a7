package conduit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/coder/acp-go-sdk"
	"golang.org/x/sync/singleflight"

	conduitacp "github.com/inercia/conduit/internal/acp"
)

// Decision is the answer to a permission request: Allow or Deny.
type Decision interface {
	isDecision()
}

// Allow lets the tool call proceed.
type Allow struct{}

// Deny refuses the tool call.
type Deny struct {
	Reason string
}

func (Allow) isDecision() {}
func (Deny) isDecision()  {}

// PermissionRequest describes a tool call the agent wants to make.
type PermissionRequest struct {
	SessionID string
	ToolUseID string
	ToolName  string
	Kind      string
	RawInput  json.RawMessage
	Options   []acp.PermissionOption
}

// DecideFunc decides a permission request. It may block; it is bounded by
// Options.PermissionTimeout. An error, a panic, a timeout or a nil
// Decision all count as Allow.
type DecideFunc func(ctx context.Context, req PermissionRequest) (Decision, error)

// AllowAll approves every request.
func AllowAll(context.Context, PermissionRequest) (Decision, error) {
	return Allow{}, nil
}

// DenyAll refuses every request with reason.
func DenyAll(reason string) DecideFunc {
	return func(context.Context, PermissionRequest) (Decision, error) {
		return Deny{Reason: reason}, nil
	}
}

// permissionGate answers session/request_permission. It runs on the
// request's own goroutine, never on the notification path.
type permissionGate struct {
	decide  DecideFunc
	timeout time.Duration
	group   singleflight.Group
	logger  *slog.Logger
}

func (g *permissionGate) answer(ctx context.Context, req acp.RequestPermissionRequest) acp.RequestPermissionResponse {
	pr := toPermissionRequest(req)
	logger := g.logger.With("session_id", pr.SessionID, "tool_use_id", pr.ToolUseID)

	// Identical requests in flight share one decision.
	key := pr.SessionID + "/" + pr.ToolUseID
	v, _, shared := g.group.Do(key, func() (any, error) {
		return g.decideSafely(ctx, pr, logger), nil
	})
	if shared {
		logger.Debug("Permission decision shared")
	}

	if deny, ok := v.(Deny); ok {
		logger.Info("Permission denied", "tool", pr.ToolName, "reason", deny.Reason)
		return conduitacp.CancelledPermissionResponse()
	}
	return conduitacp.AutoApprovePermission(req.Options)
}

func (g *permissionGate) decideSafely(ctx context.Context, pr PermissionRequest, logger *slog.Logger) Decision {
	if g.decide == nil {
		return Allow{}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type outcome struct {
		decision Decision
		err      error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("panic: %v\n%s", r, debug.Stack())}
			}
		}()
		d, err := g.decide(ctx, pr)
		ch <- outcome{decision: d, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			logger.Warn("Permission decision failed, allowing", "error", out.err)
			return Allow{}
		}
		if out.decision == nil {
			return Allow{}
		}
		return out.decision
	case <-ctx.Done():
		logger.Warn("Permission decision timed out, allowing", "timeout", g.timeout)
		return Allow{}
	}
}

func toPermissionRequest(req acp.RequestPermissionRequest) PermissionRequest {
	tc := req.ToolCall
	pr := PermissionRequest{
		SessionID: string(req.SessionId),
		Options:   req.Options,
		ToolUseID: string(tc.ToolCallId),
		RawInput:  conduitacp.MarshalRaw(tc.RawInput),
	}
	if tc.Title != nil {
		pr.ToolName = *tc.Title
	}
	if tc.Kind != nil {
		pr.Kind = string(*tc.Kind)
	}
	return pr
}
