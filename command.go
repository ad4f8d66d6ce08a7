package conduit

import (
	"context"
	"encoding/json"

	"github.com/coder/acp-go-sdk"
)

// command is a request from a caller to the supervisor. Every command is
// either executed or failed, exactly once.
type command interface {
	execute(s *supervisor)
	fail(err error)
}

type result[T any] struct {
	val T
	err error
}

// call is the reply slot embedded in a command.
type call[T any] struct {
	ctx   context.Context
	reply chan result[T]
}

func newCall[T any](ctx context.Context) call[T] {
	return call[T]{ctx: ctx, reply: make(chan result[T], 1)}
}

func (c call[T]) resolve(v T, err error) {
	c.reply <- result[T]{val: v, err: err}
}

func (c call[T]) fail(err error) {
	var zero T
	c.resolve(zero, err)
}

// sessionSetup is the reply of the commands that open a session.
type sessionSetup struct {
	sessionID string
	modeID    string
	modelID   string
	config    []acp.SessionConfigOption
}

type newSessionCmd struct {
	call[sessionSetup]
	cwd  string
	opts SessionOptions
}

type loadSessionCmd struct {
	call[sessionSetup]
	sessionID string
	cwd       string
	opts      SessionOptions
}

type forkSessionCmd struct {
	call[sessionSetup]
	sessionID string
	cwd       string
	opts      SessionOptions
}

type resumeSessionCmd struct {
	call[sessionSetup]
	sessionID string
	cwd       string
	opts      SessionOptions
}

type listSessionsCmd struct {
	call[[]SessionSummary]
	cwd string
}

type setModeCmd struct {
	call[struct{}]
	sessionID string
	modeID    string
}

type setConfigOptionCmd struct {
	call[[]acp.SessionConfigOption]
	sessionID string
	configID  string
	value     string
}

type setModelCmd struct {
	call[struct{}]
	sessionID string
	modelID   string
}

type extMethodCmd struct {
	call[json.RawMessage]
	method string
	params any
}

type promptReply struct {
	stopReason string
}

type promptCmd struct {
	call[promptReply]
	sessionID string
	promptID  string
	text      string
	blocks    []acp.ContentBlock
}

// cancelCmd and shutdownCmd have no reply.
type cancelCmd struct {
	sessionID string
}

func (cancelCmd) fail(error) {}

type shutdownCmd struct{}

func (shutdownCmd) fail(error) {}

// submit sends cmd to the supervisor and waits for its reply. The send
// blocks while the command channel is full.
func submit[T any](ctx context.Context, c *Client, op, sessionID string, cmd command, cl call[T]) (T, error) {
	var zero T
	if err := c.enqueue(ctx, op, sessionID, cmd); err != nil {
		return zero, err
	}
	return await(ctx, c, op, sessionID, cl)
}

// await waits for the reply of a command already enqueued.
func await[T any](ctx context.Context, c *Client, op, sessionID string, cl call[T]) (T, error) {
	var zero T
	select {
	case r := <-cl.reply:
		return r.val, r.err
	case <-ctx.Done():
		return zero, classify(op, sessionID, ctx.Err())
	case <-c.done:
		// The supervisor fails every queued command on exit; prefer
		// that reply when it is already there.
		select {
		case r := <-cl.reply:
			return r.val, r.err
		default:
			return zero, closedError(op)
		}
	}
}

func (c *Client) enqueue(ctx context.Context, op, sessionID string, cmd command) error {
	select {
	case <-c.done:
		return closedError(op)
	default:
	}
	select {
	case c.commands <- cmd:
		return nil
	case <-ctx.Done():
		return classify(op, sessionID, ctx.Err())
	case <-c.done:
		return closedError(op)
	}
}
