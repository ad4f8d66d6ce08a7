package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/google/shlex"
)

// ErrStreamTaken is returned when a process stream is taken a second time.
var ErrStreamTaken = errors.New("stream already taken")

// ParseCommand splits a command line with shell quoting rules.
func ParseCommand(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("failed to parse command %q: %w", command, err)
	}
	if len(args) == 0 {
		return nil, errors.New("agent command must not be empty")
	}
	return args, nil
}

// JoinCommand is the inverse of ParseCommand: it quotes each argument that
// needs it and joins them with spaces.
func JoinCommand(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = quoteArg(a)
	}
	return strings.Join(parts, " ")
}

func quoteArg(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`;&|<>()*?[]{}~#!") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Spec describes an agent process.
type Spec struct {
	// Command is the full command line; it is split with ParseCommand.
	Command string
	// Cwd is the working directory. It is ignored by sandboxed runners.
	Cwd string
	// Env is added to the current environment.
	Env map[string]string
	// Runner starts the process when set; otherwise os/exec is used.
	Runner *Runner
	// Stderr receives the agent's stderr. Nil discards it.
	Stderr io.Writer
	Logger *slog.Logger
}

// Process is a running agent.
type Process struct {
	mu          sync.Mutex
	stdin       io.WriteCloser
	stdout      io.ReadCloser
	stdinTaken  bool
	stdoutTaken bool

	cancel   context.CancelFunc
	wait     func() error
	waitOnce sync.Once
	waitErr  error
	killed   bool
}

// Spawn starts the agent described by spec. The process is killed when ctx
// is cancelled.
func Spawn(ctx context.Context, spec Spec) (*Process, error) {
	args, err := ParseCommand(spec.Command)
	if err != nil {
		return nil, err
	}
	logger := spec.Logger
	if logger == nil {
		logger = slog.Default()
	}
	env := mergeEnv(os.Environ(), spec.Env)

	runCtx, cancel := context.WithCancel(ctx)
	p := &Process{cancel: cancel}

	if spec.Runner != nil && spec.Runner.IsRestricted() {
		if spec.Cwd != "" {
			logger.Warn("Cwd is not supported with restricted runners, ignoring",
				"cwd", spec.Cwd,
				"runner_type", spec.Runner.Type())
		}
		stdin, stdout, stderr, wait, err := spec.Runner.RunWithPipes(runCtx, args[0], args[1:], env)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to start with runner: %w", err)
		}
		go copyStderr(spec.Stderr, stderr)
		p.stdin, p.stdout, p.wait = stdin, stdout, wait
		logger.Info("Started agent", "command", args[0], "runner_type", spec.Runner.Type())
		return p, nil
	}

	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.Dir = spec.Cwd
	cmd.Env = env
	if spec.Stderr != nil {
		cmd.Stderr = spec.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdin pipe error: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe error: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start agent %q: %w", args[0], err)
	}

	p.stdin, p.stdout, p.wait = stdin, stdout, cmd.Wait
	logger.Info("Started agent", "command", args[0], "pid", cmd.Process.Pid, "cwd", spec.Cwd)
	return p, nil
}

// TakeStdin hands out the process input. It can be taken once.
func (p *Process) TakeStdin() (io.WriteCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdinTaken {
		return nil, fmt.Errorf("stdin: %w", ErrStreamTaken)
	}
	p.stdinTaken = true
	return p.stdin, nil
}

// TakeStdout hands out the process output. It can be taken once.
func (p *Process) TakeStdout() (io.ReadCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdoutTaken {
		return nil, fmt.Errorf("stdout: %w", ErrStreamTaken)
	}
	p.stdoutTaken = true
	return p.stdout, nil
}

// Kill terminates the process. It is safe to call more than once.
func (p *Process) Kill() {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.cancel()
}

// Wait waits for the process to exit and releases its resources. Only the
// first call waits; later calls return the same result. An exit caused by
// Kill is not reported as an error.
//
// Wait closes stdout, so it must not be called while stdout is still being
// read, except after Kill.
func (p *Process) Wait() error {
	p.waitOnce.Do(func() {
		err := p.wait()
		p.mu.Lock()
		killed := p.killed
		p.mu.Unlock()
		if killed {
			err = nil
		}
		p.waitErr = err
		p.cancel()
	})
	return p.waitErr
}

func copyStderr(dst io.Writer, src io.Reader) {
	if src == nil {
		return
	}
	if dst == nil {
		dst = io.Discard
	}
	_, _ = io.Copy(dst, src)
}

// mergeEnv overlays extra on base (KEY=VALUE entries), keeping base order
// and appending new keys sorted.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(extra))
	seen := make(map[string]bool, len(extra))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if v, ok := extra[key]; ok {
			out = append(out, key+"="+v)
			seen[key] = true
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}
