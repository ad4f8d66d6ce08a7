// Package runner starts ACP agent processes, optionally inside a sandbox.
//
// By default agents run unrestricted (exec runner). A runner configuration
// with restrictions switches to go-restricted-runner (sandbox-exec, firejail
// or docker), falling back to exec when the sandbox is not available.
package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/inercia/go-restricted-runner/pkg/common"
	grrunner "github.com/inercia/go-restricted-runner/pkg/runner"

	"github.com/inercia/conduit/internal/config"
)

// Runner wraps go-restricted-runner.
type Runner struct {
	runner grrunner.Runner
	config *ResolvedConfig
	logger *slog.Logger
	// FallbackInfo is set when the requested sandbox was unavailable.
	FallbackInfo *FallbackInfo
}

// FallbackInfo describes a fallback to the exec runner.
type FallbackInfo struct {
	RequestedType string
	FallbackType  string
	Reason        string
}

// ResolvedConfig is the merged runner configuration.
type ResolvedConfig struct {
	Type         string
	Restrictions *config.RunnerRestrictions
}

// NewRunner merges the configuration layers, resolves path variables against
// workspace and creates the underlying runner.
func NewRunner(layers Layers, workspace string, logger *slog.Logger) (*Runner, error) {
	resolved := Resolve(layers)

	vars, err := NewVariableResolver(workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to create variable resolver: %w", err)
	}
	resolved.Restrictions = resolveVariables(resolved.Restrictions, vars)

	backend, fallback, err := newBackend(resolved)
	if err != nil {
		return nil, err
	}
	if fallback != nil {
		resolved.Type = fallback.FallbackType
		if logger != nil {
			logger.Warn("Restricted runner not available, falling back to exec",
				"requested_type", fallback.RequestedType,
				"error", fallback.Reason)
		}
	}
	if logger != nil {
		logger.Debug("Created agent runner", "type", resolved.Type, "workspace", workspace)
	}

	return &Runner{
		runner:       backend,
		config:       resolved,
		logger:       logger,
		FallbackInfo: fallback,
	}, nil
}

// newBackend creates the go-restricted-runner for cfg. A sandbox that cannot
// be created, or whose tools are missing, is replaced by the exec runner and
// reported in the returned FallbackInfo.
func newBackend(cfg *ResolvedConfig) (grrunner.Runner, *FallbackInfo, error) {
	grLogger, err := common.NewLogger("", "", common.LogLevelInfo, false)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create runner logger: %w", err)
	}

	r, err := grrunner.New(toRunnerType(cfg.Type), toRunnerOptions(cfg.Restrictions), grLogger)
	if err == nil {
		if err = r.CheckImplicitRequirements(); err == nil {
			return r, nil, nil
		}
	}
	if cfg.Type == "exec" {
		return nil, nil, fmt.Errorf("failed to create exec runner: %w", err)
	}

	fallback := &FallbackInfo{RequestedType: cfg.Type, FallbackType: "exec", Reason: err.Error()}
	r, err = grrunner.New(grrunner.TypeExec, grrunner.Options{}, grLogger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create fallback exec runner: %w", err)
	}
	return r, fallback, nil
}

// RunWithPipes starts command and returns its pipes. wait must be called to
// release resources; cancelling ctx kills the process.
func (r *Runner) RunWithPipes(ctx context.Context, command string, args, env []string) (stdin io.WriteCloser, stdout, stderr io.ReadCloser, wait func() error, err error) {
	return r.runner.RunWithPipes(ctx, command, args, env, nil)
}

// Type returns the runner type in use.
func (r *Runner) Type() string {
	return r.config.Type
}

// IsRestricted reports whether a sandbox is in use.
func (r *Runner) IsRestricted() bool {
	return r.config.Type != "exec"
}
