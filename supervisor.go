package conduit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/acp-go-sdk"
	"github.com/google/uuid"

	conduitacp "github.com/inercia/conduit/internal/acp"
	"github.com/inercia/conduit/internal/logging"
)

// supervisor owns the connection. Only its goroutine calls into the peer;
// prompt requests run on a helper goroutine started by the loop so that
// cancel commands are served while a prompt is in flight.
type supervisor struct {
	peer   *conduitacp.Peer
	opts   Options
	logger *slog.Logger

	mux      *multiplexer
	hooks    *hookRunner
	sessions *sessionRegistry

	commands chan command
	done     chan struct{}

	// ctx is cancelled when the loop exits; prompt requests use it.
	ctx    context.Context
	cancel context.CancelFunc

	// caps is set by the handshake, before the loop starts.
	caps Capabilities

	inflight   *promptCmd
	promptDone chan promptOutcome

	// closer releases the transport after the loop exited. graceful is
	// false when the handshake failed and the agent is not worth waiting for.
	closer func(graceful bool) error
	exited chan struct{}
}

type handshake struct {
	caps Capabilities
	err  error
}

// run performs the handshake, reports it on ready and, when it succeeded,
// serves commands until shutdown or transport failure.
func (s *supervisor) run(ctx context.Context, ready chan<- handshake) {
	defer close(s.exited)

	caps, err := s.initialize(ctx)
	ready <- handshake{caps: caps, err: err}
	if err != nil {
		s.logger.Warn("Handshake failed", "error", err)
		s.shutdown(false)
		return
	}
	s.caps = caps

	s.logger.Info("Connected",
		"agent", caps.AgentInfo.Name,
		"agent_version", caps.AgentInfo.Version,
		"protocol_version", caps.ProtocolVersion)
	s.hooks.run(s.ctx, HookInput{Event: HookConnected})

	s.loop()
	s.shutdown(true)
	s.hooks.run(context.Background(), HookInput{Event: HookDisconnected})
}

func (s *supervisor) initialize(ctx context.Context) (Capabilities, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ControlTimeout)
	defer cancel()

	params := acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientCapabilities: acp.ClientCapabilities{
			Fs: acp.FileSystemCapability{
				ReadTextFile:  s.opts.FileSystem != nil,
				WriteTextFile: s.opts.FileSystem != nil,
			},
		},
		ClientInfo: &acp.Implementation{Name: s.opts.ClientName, Version: Version},
		Meta:       map[string]any{"clientId": uuid.NewString()},
	}

	var res acp.InitializeResponse
	if err := s.peer.Call(ctx, conduitacp.MethodInitialize, params, &res); err != nil {
		return Capabilities{}, s.wrap("initialize", "", err)
	}
	return capabilitiesFrom(res), nil
}

func (s *supervisor) loop() {
	for {
		select {
		case cmd := <-s.commands:
			if _, ok := cmd.(shutdownCmd); ok {
				s.logger.Debug("Shutdown requested")
				return
			}
			cmd.execute(s)
		case out := <-s.promptDone:
			s.completePrompt(out)
		case <-s.peer.Done():
			s.logger.Warn("Agent connection closed")
			return
		}
	}
}

// shutdown stops accepting commands, fails everything pending and releases
// the transport.
func (s *supervisor) shutdown(graceful bool) {
	s.cancel()
	close(s.done)
	s.mux.close()

	if s.inflight != nil {
		// The request returns promptly now that s.ctx is cancelled.
		out := <-s.promptDone
		out.err = closedError("prompt")
		s.completePrompt(out)
	}

	for drained := false; !drained; {
		select {
		case cmd := <-s.commands:
			cmd.fail(closedError("queued command"))
		default:
			drained = true
		}
	}

	s.peer.Close()
	if s.closer != nil {
		if err := s.closer(graceful); err != nil {
			s.logger.Debug("Agent exited with error", "error", err)
		}
	}
}

// control issues a non-prompt request bounded by the control timeout.
func (s *supervisor) control(parent context.Context, method string, params, result any) error {
	ctx, cancel := context.WithTimeout(parent, s.opts.ControlTimeout)
	defer cancel()

	err := s.peer.Call(ctx, method, params, result)
	if err != nil && ctx.Err() == context.DeadlineExceeded && parent.Err() == nil {
		return fmt.Errorf("%s: %w after %s", method, ErrTimeout, s.opts.ControlTimeout)
	}
	return err
}

// wrap classifies err, reporting a lost connection as ErrConnectionClosed.
func (s *supervisor) wrap(op, sessionID string, err error) error {
	if err == nil {
		return nil
	}
	select {
	case <-s.peer.Done():
		return newError(KindConnection, op, sessionID, fmt.Errorf("%w: %v", ErrConnectionClosed, err))
	default:
	}
	if s.ctx.Err() != nil {
		return newError(KindConnection, op, sessionID, fmt.Errorf("%w: %v", ErrConnectionClosed, err))
	}
	return classify(op, sessionID, err)
}

func (s *supervisor) execCancel(sessionID string) {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.ControlTimeout)
	defer cancel()
	if err := s.peer.Notify(ctx, conduitacp.MethodSessionCancel, acp.CancelNotification{SessionId: acp.SessionId(sessionID)}); err != nil {
		s.logger.Warn("Failed to send cancel", "session_id", sessionID, "error", err)
	}
}

func (c cancelCmd) execute(s *supervisor) {
	s.execCancel(c.sessionID)
}

func (shutdownCmd) execute(*supervisor) {}

type promptOutcome struct {
	cmd        *promptCmd
	stopReason string
	err        error
	started    time.Time
}

// runPrompt starts a prompt request on its own goroutine. The goroutine
// publishes Done once the request returned; the loop then resolves the
// reply in completePrompt.
func (s *supervisor) runPrompt(cmd *promptCmd) {
	if s.inflight != nil {
		cmd.fail(newError(KindSession, "prompt", cmd.sessionID, ErrPromptInFlight))
		return
	}
	s.inflight = cmd

	s.hooks.run(s.ctx, HookInput{Event: HookPromptSubmit, SessionID: cmd.sessionID, PromptID: cmd.promptID, Prompt: cmd.text})
	s.mux.begin(cmd.sessionID, cmd.promptID)

	params := acp.PromptRequest{
		SessionId: acp.SessionId(cmd.sessionID),
		Prompt:    cmd.blocks,
	}
	started := time.Now()
	logging.WithPrompt(s.logger, cmd.sessionID, cmd.promptID).Debug("Prompt sent", "blocks", len(cmd.blocks))

	go func() {
		var res acp.PromptResponse
		err := s.peer.Call(s.ctx, conduitacp.MethodSessionPrompt, params, &res)

		reason := string(res.StopReason)
		var stop *string
		if err == nil && reason != "" {
			stop = &reason
		}
		s.mux.finish(stop)
		s.promptDone <- promptOutcome{cmd: cmd, stopReason: reason, err: err, started: started}
	}()
}

func (s *supervisor) completePrompt(out promptOutcome) {
	cmd := out.cmd
	if s.inflight == cmd {
		s.inflight = nil
	}
	logger := logging.WithPrompt(s.logger, cmd.sessionID, cmd.promptID)

	in := HookInput{Event: HookResponseReceived, SessionID: cmd.sessionID, PromptID: cmd.promptID}
	if out.err != nil {
		err := s.wrap("prompt", cmd.sessionID, out.err)
		in.Error = err.Error()
		logger.Info("Prompt failed", "error", err, "duration", time.Since(out.started))
		cmd.fail(err)
	} else {
		in.StopReason = out.stopReason
		logger.Info("Prompt completed", "stop_reason", out.stopReason, "duration", time.Since(out.started))
		cmd.resolve(promptReply{stopReason: out.stopReason}, nil)
	}
	s.hooks.run(context.Background(), in)
}

func (c *promptCmd) execute(s *supervisor) {
	s.runPrompt(c)
}
