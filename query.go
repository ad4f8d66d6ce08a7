package conduit

import (
	"context"
	"maps"
	"time"

	"github.com/inercia/conduit/internal/registry"
)

// QueryOptions configure Query.
type QueryOptions struct {
	// Prefer is the distribution kind tried first: npx, uvx or binary.
	Prefer string
	// RegistryURL overrides the default registry.
	RegistryURL string
	// RegistryCacheDir is where the registry snapshot is cached. Default
	// the conduit cache directory.
	RegistryCacheDir string
	// RegistryTTL is how long a cached snapshot is trusted.
	RegistryTTL time.Duration
	// Options configure the connection. Command is replaced by the
	// resolved agent command; registry environment is added under Env.
	Options Options
}

// Query resolves agentID through the agent registry, connects to it, sends
// prompt to a fresh default session and disconnects once the turn ends.
func Query(ctx context.Context, prompt, agentID string, qo QueryOptions) ([]Message, error) {
	var ropts []registry.Option
	if qo.RegistryURL != "" {
		ropts = append(ropts, registry.WithURL(qo.RegistryURL))
	}
	if qo.RegistryCacheDir != "" {
		ropts = append(ropts, registry.WithCacheDir(qo.RegistryCacheDir))
	}
	if qo.RegistryTTL > 0 {
		ropts = append(ropts, registry.WithTTL(qo.RegistryTTL))
	}
	return query(ctx, prompt, agentID, qo, registry.New(ropts...).Resolve)
}

type resolveFunc func(ctx context.Context, id, prefer string) (registry.Command, error)

func query(ctx context.Context, prompt, agentID string, qo QueryOptions, resolve resolveFunc) ([]Message, error) {
	cmd, err := resolve(ctx, agentID, qo.Prefer)
	if err != nil {
		return nil, newError(KindConnection, "query", "", err)
	}
	opts := qo.Options
	opts.Command = cmd.String()
	env := make(map[string]string, len(cmd.Env)+len(opts.Env))
	maps.Copy(env, cmd.Env)
	maps.Copy(env, opts.Env)
	opts.Env = env

	c, err := Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	defer c.Disconnect(context.Background())
	return c.Prompt(ctx, prompt)
}
