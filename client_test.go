package conduit

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inercia/conduit/internal/acptest"
)

type hookRecorder struct {
	mu     sync.Mutex
	inputs []HookInput
}

func (r *hookRecorder) hooks(events ...HookEvent) []Hook {
	var hooks []Hook
	for _, ev := range events {
		hooks = append(hooks, Hook{Event: ev, Name: "record-" + string(ev), Fn: r.record})
	}
	return hooks
}

func (r *hookRecorder) record(_ context.Context, in HookInput) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs = append(r.inputs, in)
	return nil
}

func (r *hookRecorder) events() []HookEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]HookEvent, 0, len(r.inputs))
	for _, in := range r.inputs {
		out = append(out, in.Event)
	}
	return out
}

func (r *hookRecorder) find(ev HookEvent) (HookInput, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, in := range r.inputs {
		if in.Event == ev {
			return in, true
		}
	}
	return HookInput{}, false
}

func TestConnect_Capabilities(t *testing.T) {
	c, agent := connectFake(t, nil, Options{ClientName: "conduit-test"})

	caps := c.Capabilities()
	assert.Equal(t, 1, caps.ProtocolVersion)
	assert.True(t, caps.LoadSession)
	assert.True(t, caps.Prompt.Image)
	assert.True(t, caps.Prompt.EmbeddedContext)
	assert.False(t, caps.Prompt.Audio)
	assert.True(t, caps.MCP.HTTP)
	assert.True(t, caps.Sessions.Fork)
	assert.True(t, caps.Sessions.List)
	assert.False(t, caps.Sessions.Resume)
	assert.Equal(t, AgentInfo{Name: "acptest", Version: "0.0.1"}, c.AgentInfo())

	var params struct {
		ProtocolVersion int `json:"protocolVersion"`
		ClientInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"clientInfo"`
		Meta map[string]any `json:"_meta"`
	}
	require.NoError(t, json.Unmarshal(agent.LastParams("initialize"), &params))
	assert.Equal(t, 1, params.ProtocolVersion)
	assert.Equal(t, "conduit-test", params.ClientInfo.Name)
	assert.Equal(t, Version, params.ClientInfo.Version)
	assert.NotEmpty(t, params.Meta["clientId"])
}

func TestConnect_CapabilitiesFromMeta(t *testing.T) {
	c, _ := connectFake(t, func(a *acptest.Agent) {
		a.Capabilities = map[string]any{
			"sessionCapabilities": map[string]any{"resume": map[string]any{}},
			"_meta":               map[string]any{"fork": true},
		}
	}, Options{})

	caps := c.Capabilities()
	assert.False(t, caps.LoadSession)
	assert.Equal(t, SessionCapabilities{Fork: true, Resume: true}, caps.Sessions)
}

func TestConnect_HandshakeFailure(t *testing.T) {
	agent, stdin, stdout := acptest.Pipe()
	agent.InitError = &acptest.RPCError{Code: acptest.CodeInternalError, Message: "unsupported version"}
	agent.Start()

	c, err := ConnectIO(testContext(t), stdin, stdout, Options{Logger: discardLogger()})
	require.Error(t, err)
	assert.Nil(t, c)
	assert.Equal(t, KindProtocol, KindOf(err))
	assert.Zero(t, agent.Count("session/new"))
}

func TestDisconnect_Idempotent(t *testing.T) {
	rec := &hookRecorder{}
	c, _ := connectFake(t, nil, Options{Hooks: rec.hooks(HookConnected, HookDisconnected, HookSessionCreated, HookSessionDestroyed)})
	ctx := testContext(t)

	id, err := c.NewSession(ctx, "", SessionOptions{})
	require.NoError(t, err)

	require.NoError(t, c.Disconnect(ctx))
	require.NoError(t, c.Disconnect(ctx))

	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after Disconnect")
	}

	assert.Equal(t, []HookEvent{HookConnected, HookSessionCreated, HookDisconnected, HookSessionDestroyed}, rec.events())
	destroyed, ok := rec.find(HookSessionDestroyed)
	require.True(t, ok)
	assert.Equal(t, id, destroyed.SessionID)

	s, ok := c.Session(id)
	require.True(t, ok)
	assert.False(t, s.Active)
}

func TestDisconnect_OperationsFailAfterwards(t *testing.T) {
	c, _ := connectFake(t, nil, Options{})
	ctx := testContext(t)
	require.NoError(t, c.Disconnect(ctx))

	_, err := c.NewSession(ctx, "", SessionOptions{})
	require.ErrorIs(t, err, ErrConnectionClosed)
	assert.Equal(t, KindConnection, KindOf(err))

	_, err = c.Prompt(ctx, "hello")
	require.ErrorIs(t, err, ErrConnectionClosed)

	err = c.SendPrompt(ctx, "hello")
	require.ErrorIs(t, err, ErrConnectionClosed)

	_, err = c.ExtMethod(ctx, "_conduit/ping", nil)
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestAgentExit_ClosesClient(t *testing.T) {
	c, agent := connectFake(t, nil, Options{})
	require.NoError(t, agent.Close())

	select {
	case <-c.Done():
	case <-time.After(testTimeout):
		t.Fatal("client did not notice the agent exit")
	}

	_, err := c.Prompt(testContext(t), "hello")
	require.ErrorIs(t, err, ErrConnectionClosed)
	assert.Equal(t, KindConnection, KindOf(err))
}

func TestAgentExit_FailsPromptInFlight(t *testing.T) {
	started := make(chan struct{})
	c, agent := connectFake(t, func(a *acptest.Agent) {
		a.OnPrompt = func(turn *acptest.Turn) (string, *acptest.RPCError) {
			turn.Text("partial")
			close(started)
			<-turn.Cancelled()
			return "cancelled", nil
		}
	}, Options{})

	ctx := testContext(t)
	errc := make(chan error, 1)
	go func() {
		_, err := c.Prompt(ctx, "hello")
		errc <- err
	}()

	<-started
	require.NoError(t, agent.Close())

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrConnectionClosed)
		assert.Equal(t, KindConnection, KindOf(err))
	case <-time.After(testTimeout):
		t.Fatal("prompt did not fail after the agent exited")
	}
}

// blockingAgent answers _conduit/slow only once release is closed, keeping
// the supervisor busy with the request meanwhile.
func blockingAgent(entered chan<- struct{}, release <-chan struct{}) func(*acptest.Agent) {
	return func(a *acptest.Agent) {
		a.Handlers = map[string]acptest.HandlerFunc{
			"_conduit/slow": func(json.RawMessage) (any, *acptest.RPCError) {
				select {
				case entered <- struct{}{}:
				default:
				}
				<-release
				return map[string]any{}, nil
			},
		}
	}
}

func TestCommands_FullChannelHonoursContext(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	c, agent := connectFake(t, blockingAgent(entered, release), Options{CommandBuffer: 1})
	ctx := testContext(t)

	results := make(chan error, 2)
	go func() {
		_, err := c.ExtMethod(ctx, "_conduit/slow", nil)
		results <- err
	}()
	<-entered

	go func() {
		_, err := c.ExtMethod(ctx, "_conduit/slow", nil)
		results <- err
	}()
	require.Eventually(t, func() bool { return len(c.commands) == 1 }, testTimeout, time.Millisecond)

	blocked, cancel := context.WithCancel(ctx)
	errc := make(chan error, 1)
	go func() {
		_, err := c.ExtMethod(blocked, "_conduit/slow", nil)
		errc <- err
	}()
	select {
	case err := <-errc:
		t.Fatalf("enqueue returned while the channel was full: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-errc:
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, KindCancelled, KindOf(err))
	case <-time.After(testTimeout):
		t.Fatal("enqueue ignored its cancelled context")
	}

	close(release)
	for range 2 {
		require.NoError(t, <-results)
	}
	assert.Equal(t, 2, agent.Count("_conduit/slow"))
}

func TestAgentExit_FailsQueuedCommands(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	c, agent := connectFake(t, blockingAgent(entered, release), Options{CommandBuffer: 4})
	ctx := testContext(t)

	const queued = 3
	errs := make(chan error, queued+1)
	go func() {
		_, err := c.ExtMethod(ctx, "_conduit/slow", nil)
		errs <- err
	}()
	<-entered

	for range queued {
		go func() {
			err := c.SetModel(ctx, "sess-x", "fast")
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return len(c.commands) == queued }, testTimeout, time.Millisecond)

	require.NoError(t, agent.Close())
	for range queued + 1 {
		select {
		case err := <-errs:
			require.ErrorIs(t, err, ErrConnectionClosed)
			assert.Equal(t, KindConnection, KindOf(err))
		case <-time.After(testTimeout):
			t.Fatal("command still pending after the agent exited")
		}
	}
}
