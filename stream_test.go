package conduit

import (
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inercia/conduit/internal/acptest"
)

func TestStream_ToolCallsWithoutStopReason(t *testing.T) {
	c, _ := connectFake(t, func(a *acptest.Agent) {
		a.OnPrompt = func(turn *acptest.Turn) (string, *acptest.RPCError) {
			turn.ToolCall("tool-1", "Read file", "read", map[string]string{"path": "main.go"})
			turn.ToolCallUpdate("tool-1", "completed")
			return "", nil
		}
	}, Options{})
	ctx := testContext(t)

	require.NoError(t, c.SendPrompt(ctx, "x"))

	u, err := c.RecvUpdate(ctx)
	require.NoError(t, err)
	assert.Equal(t, UpdateToolStart, u.Kind)
	assert.Equal(t, "tool-1", u.ToolUseID)
	assert.Equal(t, "Read file", u.ToolName)
	assert.NotEmpty(t, u.PromptID)
	promptID := u.PromptID

	u, err = c.RecvUpdate(ctx)
	require.NoError(t, err)
	assert.Equal(t, UpdateToolProgress, u.Kind)
	assert.Equal(t, "completed", u.Status)

	u, err = c.RecvUpdate(ctx)
	require.NoError(t, err)
	assert.Equal(t, UpdateToolEnd, u.Kind)
	assert.Equal(t, "tool-1", u.ToolUseID)
	assert.Equal(t, promptID, u.PromptID)

	_, err = c.RecvUpdate(ctx)
	assert.ErrorIs(t, err, io.EOF)

	_, err = c.RecvUpdate(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestStream_DoneWithStopReason(t *testing.T) {
	c, _ := connectFake(t, nil, Options{})
	ctx := testContext(t)

	require.NoError(t, c.SendPrompt(ctx, "hi"))

	u, err := c.RecvUpdate(ctx)
	require.NoError(t, err)
	assert.Equal(t, UpdateText, u.Kind)
	assert.Equal(t, "echo: hi", u.Text)

	u, err = c.RecvUpdate(ctx)
	require.NoError(t, err)
	assert.Equal(t, UpdateDone, u.Kind)
	assert.Equal(t, "end_turn", u.StopReason)
	done, ok := u.Event.(Done)
	require.True(t, ok)
	require.NotNil(t, done.StopReason)

	_, err = c.RecvUpdate(ctx)
	assert.ErrorIs(t, err, io.EOF)

	// The slot is free again.
	msgs, err := c.Prompt(ctx, "again")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestStream_NothingInFlight(t *testing.T) {
	c, _ := connectFake(t, nil, Options{})

	_, err := c.RecvUpdate(testContext(t))
	assert.ErrorIs(t, err, io.EOF)
}

func TestStream_RejectsSecondPrompt(t *testing.T) {
	release := make(chan struct{})
	c, _ := connectFake(t, func(a *acptest.Agent) {
		a.OnPrompt = func(turn *acptest.Turn) (string, *acptest.RPCError) {
			<-release
			return "end_turn", nil
		}
	}, Options{})
	ctx := testContext(t)

	require.NoError(t, c.SendPrompt(ctx, "first"))

	err := c.SendPrompt(ctx, "second")
	require.ErrorIs(t, err, ErrPromptInFlight)
	assert.Equal(t, KindSession, KindOf(err))

	close(release)
	u, err := c.RecvUpdate(ctx)
	require.NoError(t, err)
	assert.Equal(t, UpdateDone, u.Kind)
}

func TestStream_DoneIsLast(t *testing.T) {
	c, _ := connectFake(t, func(a *acptest.Agent) {
		a.OnPrompt = func(turn *acptest.Turn) (string, *acptest.RPCError) {
			for i := 0; i < 200; i++ {
				turn.Text("x")
			}
			return "end_turn", nil
		}
	}, Options{EventBuffer: 4})
	ctx := testContext(t)

	require.NoError(t, c.SendPrompt(ctx, "many"))

	texts := 0
	for {
		u, err := c.RecvUpdate(ctx)
		require.NoError(t, err)
		if u.Kind == UpdateDone {
			break
		}
		require.Equal(t, UpdateText, u.Kind)
		texts++
	}
	assert.Equal(t, 200, texts)

	_, err := c.RecvUpdate(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestStream_RateLimitWithoutSession(t *testing.T) {
	var side []Event
	var mu sync.Mutex
	c, _ := connectFake(t, func(a *acptest.Agent) {
		a.OnPrompt = func(turn *acptest.Turn) (string, *acptest.RPCError) {
			turn.Text("a")
			_ = a.Notify("_anthropic/rate_limit_event", map[string]any{
				"status":      "allowed_warning",
				"utilization": 0.9,
			})
			turn.Text("b")
			return "end_turn", nil
		}
	}, Options{OnEvent: func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		side = append(side, ev)
	}})
	ctx := testContext(t)

	require.NoError(t, c.SendPrompt(ctx, "x"))

	var kinds []UpdateKind
	var limit Update
	for {
		u, err := c.RecvUpdate(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		kinds = append(kinds, u.Kind)
		if u.Kind == UpdateRateLimit {
			limit = u
		}
	}
	assert.Equal(t, []UpdateKind{UpdateText, UpdateRateLimit, UpdateText, UpdateDone}, kinds)
	assert.Equal(t, c.DefaultSession(), limit.SessionID)
	assert.NotEmpty(t, limit.PromptID)

	rl, ok := limit.Event.(RateLimit)
	require.True(t, ok)
	assert.Equal(t, "allowed_warning", rl.Info().Status)
	assert.InDelta(t, 0.9, rl.Info().Utilization, 1e-9)

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, side)
}
