package conduit

import (
	"context"
	"strings"

	"github.com/coder/acp-go-sdk"
	"github.com/oklog/ulid/v2"
)

// aggregator builds the text of a batch prompt. Thought text is kept only
// until the first text delta arrives.
type aggregator struct {
	text    strings.Builder
	thought strings.Builder
	sawText bool
}

func (a *aggregator) add(ev Event) {
	switch e := ev.(type) {
	case TextDelta:
		a.sawText = true
		a.text.WriteString(e.Text)
	case ThoughtDelta:
		if !a.sawText {
			a.thought.WriteString(e.Text)
		}
	}
}

func (a *aggregator) result() string {
	if a.sawText {
		return a.text.String()
	}
	return a.thought.String()
}

// acquirePrompt takes the prompt slot, waiting for the running prompt.
func (c *Client) acquirePrompt(ctx context.Context, op string) error {
	select {
	case c.promptSlot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return classify(op, "", ctx.Err())
	case <-c.done:
		return closedError(op)
	}
}

// tryAcquirePrompt takes the prompt slot if it is free.
func (c *Client) tryAcquirePrompt() bool {
	select {
	case c.promptSlot <- struct{}{}:
		return true
	default:
		return false
	}
}

func (c *Client) releasePrompt() {
	<-c.promptSlot
}

// startPrompt resolves the session and enqueues a prompt. The caller holds
// the prompt slot; on error it is released.
func (c *Client) startPrompt(ctx context.Context, op, text string, opts []PromptOption) (*promptCmd, error) {
	var cfg promptConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	sessionID, err := c.ensureSession(ctx, cfg.sessionID)
	if err != nil {
		c.releasePrompt()
		return nil, err
	}

	cmd := &promptCmd{
		call:      newCall[promptReply](ctx),
		sessionID: sessionID,
		promptID:  ulid.Make().String(),
		text:      text,
		blocks:    cfg.content(text),
	}
	if err := c.enqueue(ctx, op, sessionID, cmd); err != nil {
		c.releasePrompt()
		return nil, err
	}
	return cmd, nil
}

// settle waits for the reply of a prompt whose events were consumed and
// frees the prompt slot. If ctx ends first the slot is freed in the
// background once the reply arrives.
func (c *Client) settle(ctx context.Context, cmd *promptCmd) (promptReply, error) {
	select {
	case r := <-cmd.reply:
		c.releasePrompt()
		return r.val, r.err
	case <-c.done:
		c.releasePrompt()
		select {
		case r := <-cmd.reply:
			return r.val, r.err
		default:
			return promptReply{}, closedError("prompt")
		}
	case <-ctx.Done():
		go func() {
			defer c.releasePrompt()
			select {
			case <-cmd.reply:
			case <-c.done:
			}
		}()
		return promptReply{}, classify("prompt", cmd.sessionID, ctx.Err())
	}
}

// abandon cancels a prompt whose caller went away. The prompt's remaining
// events are drained in the background; the slot is freed after its
// reply.
func (c *Client) abandon(cmd *promptCmd) {
	c.logger.Debug("Prompt abandoned, cancelling", "session_id", cmd.sessionID, "prompt_id", cmd.promptID)
	go func() {
		_ = c.enqueue(context.Background(), "cancel", cmd.sessionID, cancelCmd{sessionID: cmd.sessionID})
	}()
	go func() {
		for ev := range c.events {
			if _, ok := ev.(Done); ok {
				break
			}
		}
		_, _ = c.settle(context.Background(), cmd)
	}()
}

// Prompt sends text to a session and collects the answer. Without
// InSession it uses the default session, creating one in Options.Cwd if
// there is none. Prompts on one client run one at a time; Prompt waits
// for the running one to finish.
//
// The result holds one assistant message, or nothing when the agent
// produced no text.
func (c *Client) Prompt(ctx context.Context, text string, opts ...PromptOption) ([]Message, error) {
	if err := c.acquirePrompt(ctx, "prompt"); err != nil {
		return nil, err
	}
	cmd, err := c.startPrompt(ctx, "prompt", text, opts)
	if err != nil {
		return nil, err
	}

	var agg aggregator
	var stopReason string
collect:
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				break collect
			}
			if done, isDone := ev.(Done); isDone {
				if done.StopReason != nil {
					stopReason = *done.StopReason
				}
				break collect
			}
			agg.add(ev)
		case <-ctx.Done():
			c.abandon(cmd)
			return nil, classify("prompt", cmd.sessionID, ctx.Err())
		}
	}

	reply, err := c.settle(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if reply.stopReason != "" {
		stopReason = reply.stopReason
	}

	text = agg.result()
	if text == "" {
		return nil, nil
	}
	return []Message{{
		Role:       RoleAssistant,
		Content:    []acp.ContentBlock{acp.TextBlock(text)},
		SessionID:  cmd.sessionID,
		PromptID:   cmd.promptID,
		StopReason: stopReason,
	}}, nil
}
