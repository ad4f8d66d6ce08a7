package conduit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"
)

// HookEvent names a lifecycle point.
type HookEvent string

const (
	HookConnected        HookEvent = "connected"
	HookDisconnected     HookEvent = "disconnected"
	HookSessionCreated   HookEvent = "session_created"
	HookSessionDestroyed HookEvent = "session_destroyed"
	HookPromptSubmit     HookEvent = "prompt_submit"
	HookResponseReceived HookEvent = "response_received"
	HookPreToolUse       HookEvent = "pre_tool_use"
	HookPostToolUse      HookEvent = "post_tool_use"
)

// HookInput describes what happened. Fields that do not apply to the event
// are empty.
type HookInput struct {
	Event      HookEvent       `json:"event"`
	SessionID  string          `json:"session_id,omitempty"`
	PromptID   string          `json:"prompt_id,omitempty"`
	Prompt     string          `json:"prompt,omitempty"`
	StopReason string          `json:"stop_reason,omitempty"`
	ToolUseID  string          `json:"tool_use_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolStatus string          `json:"tool_status,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// HookFunc runs at a lifecycle point. Its error is logged; it never fails
// the operation that triggered it.
type HookFunc func(ctx context.Context, in HookInput) error

// Hook binds a function to an event. Hooks of one event run by descending
// Priority, then in registration order.
type Hook struct {
	Event    HookEvent
	Name     string
	Priority int
	Fn       HookFunc
}

type hookRunner struct {
	byEvent map[HookEvent][]Hook
	timeout time.Duration
	logger  *slog.Logger
}

func newHookRunner(hooks []Hook, timeout time.Duration, logger *slog.Logger) *hookRunner {
	if timeout <= 0 {
		timeout = DefaultHookTimeout
	}
	r := &hookRunner{byEvent: make(map[HookEvent][]Hook), timeout: timeout, logger: logger}
	for _, h := range hooks {
		if h.Fn == nil {
			continue
		}
		r.byEvent[h.Event] = append(r.byEvent[h.Event], h)
	}
	for _, hs := range r.byEvent {
		sort.SliceStable(hs, func(i, j int) bool { return hs[i].Priority > hs[j].Priority })
	}
	return r
}

func (r *hookRunner) run(ctx context.Context, in HookInput) {
	if r == nil {
		return
	}
	for _, h := range r.byEvent[in.Event] {
		if err := r.call(ctx, h, in); err != nil {
			r.logger.Warn("Hook failed", "hook", h.Name, "event", in.Event, "error", err)
		}
	}
}

// call runs one hook with its own deadline. A hook that ignores its context
// is abandoned when the deadline passes so that the supervisor and the read
// path keep moving.
func (r *hookRunner) call(ctx context.Context, h Hook, in HookInput) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("panic: %v\n%s", p, debug.Stack())
			}
		}()
		done <- h.Fn(ctx, in)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("hook abandoned after %s: %w", r.timeout, ctx.Err())
	}
}

// toolEvent runs the tool hooks an event triggers.
func (r *hookRunner) toolEvent(ctx context.Context, ev Event) {
	switch e := ev.(type) {
	case ToolUseStart:
		r.run(ctx, HookInput{
			Event:      HookPreToolUse,
			SessionID:  e.SessionID,
			ToolUseID:  e.ToolUseID,
			ToolName:   e.Name,
			ToolStatus: e.Status,
			ToolInput:  e.RawInput,
		})
	case ToolUseEnd:
		r.run(ctx, HookInput{
			Event:      HookPostToolUse,
			SessionID:  e.SessionID,
			ToolUseID:  e.ToolUseID,
			ToolStatus: e.Status,
		})
	}
}
