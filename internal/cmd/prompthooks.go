package cmd

import (
	"context"

	"github.com/inercia/conduit"
	"github.com/inercia/conduit/internal/appdir"
	"github.com/inercia/conduit/internal/gateway"
	"github.com/inercia/conduit/internal/logging"
	"github.com/inercia/conduit/internal/msghooks"
)

// loadPromptHooks loads the prompt hooks from the conduit directory. When
// they cannot be loaded prompts go out unchanged.
func loadPromptHooks() *msghooks.Pipeline {
	if noHooks {
		return nil
	}
	dir, err := appdir.HooksDir()
	if err != nil {
		return nil
	}
	p, err := msghooks.LoadDir(dir, logging.WithComponent("msghooks"))
	if err != nil {
		logging.Get().Warn("Failed to load prompt hooks", "dir", dir, "error", err)
		return nil
	}
	return p
}

// sessionLookup is the part of *conduit.Client that resolves a session's
// directory.
type sessionLookup interface {
	Session(sessionID string) (conduit.Session, bool)
	DefaultSession() string
}

// promptRewriter runs the pipeline over prompts sent to c's sessions. It
// returns nil without a pipeline.
func promptRewriter(p *msghooks.Pipeline, c sessionLookup) gateway.RewriteFunc {
	if p == nil {
		return nil
	}
	return func(ctx context.Context, sessionID, text string) (string, []conduit.Attachment, error) {
		if sessionID == "" {
			sessionID = c.DefaultSession()
		}
		var cwd string
		if s, ok := c.Session(sessionID); ok {
			cwd = s.Cwd
		}
		res, err := p.Apply(ctx, sessionID, cwd, text)
		if err != nil {
			return "", nil, err
		}
		return res.Message, res.Attachments, nil
	}
}
