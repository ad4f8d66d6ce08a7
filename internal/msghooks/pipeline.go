package msghooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	conduitacp "github.com/inercia/conduit/internal/acp"
	"github.com/inercia/conduit/internal/logging"
)

// Result is a prompt after the hooks ran.
type Result struct {
	Message     string
	Attachments []conduitacp.Attachment
}

// Pipeline runs the hooks on every prompt and remembers which sessions
// already had their first prompt. A nil *Pipeline leaves prompts alone.
type Pipeline struct {
	hooks  []*Hook
	logger *slog.Logger

	mu   sync.Mutex
	seen map[string]bool
}

// New returns a pipeline over hooks, which must be sorted by priority.
func New(hooks []*Hook, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = logging.WithComponent("msghooks")
	}
	return &Pipeline{hooks: hooks, logger: logger, seen: make(map[string]bool)}
}

// LoadDir loads the hooks in dir. It returns nil when there are none.
func LoadDir(dir string, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = logging.WithComponent("msghooks")
	}
	hooks, err := Load(dir, logger)
	if err != nil || len(hooks) == 0 {
		return nil, err
	}
	return New(hooks, logger), nil
}

// Hooks returns the hooks of the pipeline.
func (p *Pipeline) Hooks() []*Hook {
	if p == nil {
		return nil
	}
	return p.hooks
}

// Apply runs the applicable hooks over text in priority order. The first
// prompt of a session is the first one Apply accepts for sessionID.
func (p *Pipeline) Apply(ctx context.Context, sessionID, cwd, text string) (Result, error) {
	res := Result{Message: text}
	if p == nil || len(p.hooks) == 0 {
		return res, nil
	}

	p.mu.Lock()
	first := !p.seen[sessionID]
	p.mu.Unlock()

	for _, h := range p.hooks {
		if !h.Applies(first, cwd) {
			continue
		}
		in := Input{Message: res.Message, IsFirstMessage: first, SessionID: sessionID, WorkingDir: cwd}
		ans, err := p.run(ctx, h, in)
		if err == nil && ans.Error != "" {
			if ans.Message != "" {
				res.Message = ans.Message
			}
			err = errors.New(ans.Error)
		}
		var atts []conduitacp.Attachment
		if err == nil {
			atts, err = resolveAttachments(ans.Attachments, cwd)
		}
		if err != nil {
			p.logger.Warn("Prompt hook failed", "hook", h.Name, "error", err)
			if h.onError() == OnErrorFail {
				return Result{}, fmt.Errorf("hook %q: %w", h.Name, err)
			}
			continue
		}

		switch h.output() {
		case OutputTransform:
			if ans.Message != "" {
				res.Message = ans.Message
			}
		case OutputPrepend:
			res.Message = ans.Text + res.Message
		case OutputAppend:
			res.Message += ans.Text
		}
		res.Attachments = append(res.Attachments, atts...)
		p.logger.Debug("Prompt hook applied", "hook", h.Name, "output", h.output(), "attachments", len(atts))
	}

	p.mu.Lock()
	p.seen[sessionID] = true
	p.mu.Unlock()
	return res, nil
}

// Forget drops what the pipeline knows about a session.
func (p *Pipeline) Forget(sessionID string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	delete(p.seen, sessionID)
	p.mu.Unlock()
}

func (p *Pipeline) run(ctx context.Context, h *Hook, in Input) (Answer, error) {
	timeout := h.Timeout.Or(DefaultTimeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, h.command(), h.Args...)
	cmd.WaitDelay = time.Second
	switch h.WorkingDir {
	case WorkingDirHook:
		cmd.Dir = h.dir()
	default:
		cmd.Dir = in.WorkingDir
	}
	cmd.Env = append(os.Environ(),
		"CONDUIT_SESSION_ID="+in.SessionID,
		"CONDUIT_WORKING_DIR="+in.WorkingDir,
		"CONDUIT_IS_FIRST_MESSAGE="+strconv.FormatBool(in.IsFirstMessage),
		"CONDUIT_HOOK_FILE="+h.FilePath,
		"CONDUIT_HOOK_DIR="+h.dir(),
	)
	for k, v := range h.Environment {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := json.Marshal(in)
	if err != nil {
		return Answer{}, err
	}
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	p.logger.Debug("Prompt hook ran",
		"hook", h.Name,
		"duration", time.Since(start),
		"stderr", stderr.String())
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Answer{}, fmt.Errorf("timed out after %v", timeout)
		}
		return Answer{}, fmt.Errorf("%w (stderr: %s)", err, bytes.TrimSpace(stderr.Bytes()))
	}

	var ans Answer
	if h.output() == OutputDiscard || len(bytes.TrimSpace(stdout.Bytes())) == 0 {
		return ans, nil
	}
	if err := json.Unmarshal(stdout.Bytes(), &ans); err != nil {
		return Answer{}, fmt.Errorf("invalid hook output: %w", err)
	}
	return ans, nil
}

func resolveAttachments(list []AnswerAttach, cwd string) ([]conduitacp.Attachment, error) {
	var out []conduitacp.Attachment
	for _, a := range list {
		path := a.Path
		if path != "" && !filepath.IsAbs(path) {
			path = filepath.Join(cwd, path)
		}
		var (
			att conduitacp.Attachment
			err error
		)
		switch {
		case a.Type == "image" && a.Data != "":
			att = conduitacp.Attachment{Kind: conduitacp.AttachmentImage, Data: a.Data, MimeType: a.MimeType}
		case a.Type == "image" && path != "":
			att, err = conduitacp.ImageFile(path, a.MimeType)
		case a.Type == "text" && a.Data != "":
			att = conduitacp.Attachment{Kind: conduitacp.AttachmentTextFile, Data: a.Data}
		case a.Type == "text" && path != "":
			att, err = conduitacp.TextFile(path)
		default:
			err = fmt.Errorf("unsupported attachment %q (type %q)", a.Name, a.Type)
		}
		if err != nil {
			return nil, err
		}
		if a.Name != "" {
			att.Name = a.Name
		}
		out = append(out, att)
	}
	return out, nil
}
