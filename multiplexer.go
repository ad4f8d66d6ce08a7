package conduit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// multiplexer turns inbound notifications into events. Events of the
// session whose prompt is in flight go to the event channel; everything
// else goes to the side handler. Publication is serialized by mu, so the
// event channel sees events in wire order and a prompt's Done after all
// of its events.
type multiplexer struct {
	mu     sync.Mutex
	events chan Event
	active *activePrompt
	shut   bool

	closed    chan struct{}
	closeOnce sync.Once

	side func(Event)
	// observe sees every event, routed or not.
	observe func(Event)
	hooks   *hookRunner
	logger  *slog.Logger
}

type activePrompt struct {
	sessionID string
	promptID  string
}

func newMultiplexer(buffer int, side func(Event), hooks *hookRunner, logger *slog.Logger) *multiplexer {
	return &multiplexer{
		events: make(chan Event, buffer),
		closed: make(chan struct{}),
		side:   side,
		hooks:  hooks,
		logger: logger,
	}
}

// handleNotification is called on the connection's read path.
func (m *multiplexer) handleNotification(ctx context.Context, method string, params json.RawMessage) {
	sessionID, events := classifyNotification(method, params)
	if len(events) == 0 {
		m.logger.Debug("Notification dropped", "method", method, "session_id", sessionID)
		return
	}
	for _, ev := range events {
		if m.observe != nil {
			m.observe(ev)
		}
		m.hooks.toolEvent(ctx, ev)
	}
	m.publish(sessionID, events)
}

// publish delivers events atomically: no other publication interleaves
// with them. It blocks while the event channel is full.
func (m *multiplexer) publish(sessionID string, events []Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shut {
		return
	}
	if sessionID == "" && m.active != nil {
		// Extension notifications may omit the session. They belong to
		// the prompt in flight.
		sessionID = m.active.sessionID
		for i, ev := range events {
			events[i] = withSession(ev, sessionID)
		}
	}
	if m.active == nil || m.active.sessionID != sessionID {
		for _, ev := range events {
			m.deliverSide(ev)
		}
		return
	}
	for _, ev := range events {
		select {
		case m.events <- withPrompt(ev, m.active.promptID):
		case <-m.closed:
			return
		}
	}
}

func (m *multiplexer) deliverSide(ev Event) {
	if m.side == nil {
		m.logger.Debug("Event outside prompt dropped", "session_id", ev.Meta().SessionID, "type", eventName(ev))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Panic in event handler", "panic", r)
		}
	}()
	m.side(ev)
}

// begin routes sessionID's events to the event channel.
func (m *multiplexer) begin(sessionID, promptID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = &activePrompt{sessionID: sessionID, promptID: promptID}
}

// finish publishes Done for the active prompt and stops routing.
func (m *multiplexer) finish(stopReason *string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shut || m.active == nil {
		return
	}
	done := Done{
		EventMeta:  EventMeta{SessionID: m.active.sessionID, PromptID: m.active.promptID},
		StopReason: stopReason,
	}
	m.active = nil
	select {
	case m.events <- done:
	case <-m.closed:
	}
}

// close unblocks publishers, ends the active prompt if there is room for
// its Done, and closes the event channel.
func (m *multiplexer) close() {
	m.closeOnce.Do(func() {
		close(m.closed)

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.active != nil {
			select {
			case m.events <- Done{EventMeta: EventMeta{SessionID: m.active.sessionID, PromptID: m.active.promptID}}:
			default:
			}
			m.active = nil
		}
		m.shut = true
		close(m.events)
	})
}

func eventName(ev Event) string {
	switch ev.(type) {
	case TextDelta:
		return "text_delta"
	case ThoughtDelta:
		return "thought_delta"
	case ToolUseStart:
		return "tool_use_start"
	case ToolUseUpdate:
		return "tool_use_update"
	case ToolUseEnd:
		return "tool_use_end"
	case ModeChange:
		return "mode_change"
	case Plan:
		return "plan"
	case ConfigUpdate:
		return "config_update"
	case CommandsUpdate:
		return "commands_update"
	case Usage:
		return "usage"
	case SessionInfo:
		return "session_info"
	case RateLimit:
		return "rate_limit"
	case Done:
		return "done"
	}
	return "unknown"
}
