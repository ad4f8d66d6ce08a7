package conduit

import (
	"context"
	"io"
)

// SendPrompt starts a prompt without waiting for it; read its events with
// RecvUpdate. It fails with ErrPromptInFlight while another prompt runs.
func (c *Client) SendPrompt(ctx context.Context, text string, opts ...PromptOption) error {
	select {
	case <-c.done:
		return closedError("send_prompt")
	default:
	}
	if !c.tryAcquirePrompt() {
		return newError(KindSession, "send_prompt", "", ErrPromptInFlight)
	}
	cmd, err := c.startPrompt(ctx, "send_prompt", text, opts)
	if err != nil {
		return err
	}

	c.streamMu.Lock()
	c.stream = cmd
	c.streamMu.Unlock()
	return nil
}

// RecvUpdate returns the next update of the prompt started by SendPrompt.
// The last update has Kind UpdateDone and carries the stop reason; when
// the agent reported none, RecvUpdate returns io.EOF instead. With no
// prompt in flight it returns io.EOF right away.
func (c *Client) RecvUpdate(ctx context.Context) (Update, error) {
	c.streamMu.Lock()
	cmd := c.stream
	c.streamMu.Unlock()
	if cmd == nil {
		return Update{}, io.EOF
	}

	select {
	case ev, ok := <-c.events:
		if !ok {
			c.endStream(cmd)
			if _, err := c.settle(ctx, cmd); err != nil {
				return Update{}, err
			}
			return Update{}, io.EOF
		}
		done, isDone := ev.(Done)
		if !isDone {
			return toUpdate(ev), nil
		}
		c.endStream(cmd)
		if _, err := c.settle(ctx, cmd); err != nil {
			return Update{}, err
		}
		if done.StopReason == nil {
			return Update{}, io.EOF
		}
		return toUpdate(done), nil
	case <-ctx.Done():
		return Update{}, classify("recv_update", cmd.sessionID, ctx.Err())
	}
}

func (c *Client) endStream(cmd *promptCmd) {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	if c.stream == cmd {
		c.stream = nil
	}
}
