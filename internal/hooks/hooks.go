// Package hooks runs the shell commands configured under `hooks:` as conduit
// lifecycle hooks. Each command runs with `sh -c`, receives the hook input
// as JSON on stdin and a few CONDUIT_* variables in its environment.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/inercia/conduit"
	"github.com/inercia/conduit/internal/config"
	"github.com/inercia/conduit/internal/logging"
)

// DefaultTimeout bounds a hook command when the configuration sets none.
const DefaultTimeout = 30 * time.Second

// maxOutput is how much of a failing command's output is kept for the log.
const maxOutput = 4 * 1024

// Command is one configured hook command.
type Command struct {
	Event   conduit.HookEvent
	Name    string
	Command string
	Timeout time.Duration
}

// FromConfig returns the hooks configured in cfg, in file order per event.
func FromConfig(cfg config.Hooks) []conduit.Hook {
	timeout := cfg.Timeout.Or(DefaultTimeout)
	lists := []struct {
		event    conduit.HookEvent
		commands []string
	}{
		{conduit.HookConnected, cfg.Connected},
		{conduit.HookDisconnected, cfg.Disconnected},
		{conduit.HookSessionCreated, cfg.SessionCreated},
		{conduit.HookSessionDestroyed, cfg.SessionDestroyed},
		{conduit.HookPromptSubmit, cfg.PromptSubmit},
		{conduit.HookResponseReceived, cfg.ResponseReceived},
		{conduit.HookPreToolUse, cfg.PreToolUse},
		{conduit.HookPostToolUse, cfg.PostToolUse},
	}

	var hooks []conduit.Hook
	for _, l := range lists {
		for i, command := range l.commands {
			if strings.TrimSpace(command) == "" {
				continue
			}
			c := Command{
				Event:   l.event,
				Name:    fmt.Sprintf("%s#%d", l.event, i+1),
				Command: command,
				Timeout: timeout,
			}
			hooks = append(hooks, c.Hook())
		}
	}
	return hooks
}

// Hook wraps the command as a conduit hook.
func (c Command) Hook() conduit.Hook {
	return conduit.Hook{Event: c.Event, Name: c.Name, Fn: c.Run}
}

// Run executes the command for in. ${EVENT}, ${SESSION_ID}, ${PROMPT_ID}
// and ${TOOL_NAME} in the command line are replaced before it runs.
func (c Command) Run(ctx context.Context, in conduit.HookInput) error {
	logger := logging.Hook()

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode hook input: %w", err)
	}

	command := expand(c.Command, in)
	logger.Debug("Running hook",
		"name", c.Name,
		"event", in.Event,
		"command", command,
	)

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(os.Environ(),
		"CONDUIT_EVENT="+string(in.Event),
		"CONDUIT_SESSION_ID="+in.SessionID,
		"CONDUIT_PROMPT_ID="+in.PromptID,
	)
	var out limitedBuffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	// Own process group, so a timeout takes the whole tree down.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return killGroup(cmd) }
	cmd.WaitDelay = time.Second

	start := time.Now()
	err = cmd.Run()
	if err == nil {
		logger.Debug("Hook completed",
			"name", c.Name,
			"duration", time.Since(start),
		)
		return nil
	}

	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("hook %s timed out after %s", c.Name, timeout)
	}
	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	logger.Debug("Hook output", "name", c.Name, "output", out.String())
	return fmt.Errorf("hook %s exited with code %d: %w", c.Name, exitCode, err)
}

func expand(command string, in conduit.HookInput) string {
	return strings.NewReplacer(
		"${EVENT}", string(in.Event),
		"${SESSION_ID}", in.SessionID,
		"${PROMPT_ID}", in.PromptID,
		"${TOOL_NAME}", in.ToolName,
	).Replace(command)
}

// killGroup sends SIGKILL to the command's process group, falling back to
// the process itself.
func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if pgid, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
		return syscall.Kill(-pgid, syscall.SIGKILL)
	}
	return cmd.Process.Kill()
}

// limitedBuffer keeps the first maxOutput bytes written to it.
type limitedBuffer struct {
	buf bytes.Buffer
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := maxOutput - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}
