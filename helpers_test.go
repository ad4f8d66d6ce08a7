package conduit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inercia/conduit/internal/acptest"
)

const testTimeout = 5 * time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// connectFake starts a scripted agent, lets configure adjust it, and
// connects a client to it. The client is disconnected on cleanup.
func connectFake(t *testing.T, configure func(*acptest.Agent), opts Options) (*Client, *acptest.Agent) {
	t.Helper()

	agent, stdin, stdout := acptest.Pipe()
	if configure != nil {
		configure(agent)
	}
	agent.Start()

	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.Cwd == "" {
		opts.Cwd = t.TempDir()
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	c, err := ConnectIO(ctx, stdin, stdout, opts)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = c.Disconnect(ctx)
	})
	return c, agent
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

// scripted returns a prompt script that answers the n-th prompt (from 0)
// with scripts[n], repeating the last one.
func scripted(scripts ...acptest.PromptFunc) acptest.PromptFunc {
	ch := make(chan acptest.PromptFunc, len(scripts))
	for _, s := range scripts {
		ch <- s
	}
	last := scripts[len(scripts)-1]
	return func(turn *acptest.Turn) (string, *acptest.RPCError) {
		select {
		case s := <-ch:
			return s(turn)
		default:
			return last(turn)
		}
	}
}
