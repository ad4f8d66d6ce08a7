// Package msghooks rewrites prompts with external commands before they are
// sent to the agent. Hooks are YAML files in $CONDUIT_DIR/hooks/; each one
// names a command that reads the prompt as JSON on stdin and answers with
// JSON on stdout.
package msghooks

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/inercia/conduit/internal/config"
)

// When selects the prompts of a session a hook runs on.
type When string

const (
	WhenFirst          When = "first"
	WhenAll            When = "all"
	WhenAllExceptFirst When = "all-except-first"
)

// Output defines how the hook's answer changes the prompt.
type Output string

const (
	// OutputTransform replaces the prompt with the answer's message.
	OutputTransform Output = "transform"
	OutputPrepend   Output = "prepend"
	OutputAppend    Output = "append"
	// OutputDiscard runs the hook for its side effects only.
	OutputDiscard Output = "discard"
)

// OnError defines what a failing hook does to the prompt.
type OnError string

const (
	// OnErrorSkip sends the prompt as if the hook had not run.
	OnErrorSkip OnError = "skip"
	// OnErrorFail refuses the prompt.
	OnErrorFail OnError = "fail"
)

// Working directories a hook command can run in.
const (
	WorkingDirSession = "session"
	WorkingDirHook    = "hook"
)

const (
	DefaultTimeout  = 5 * time.Second
	DefaultPriority = 100
)

// Hook is one loaded hook definition.
type Hook struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Enabled     *bool  `yaml:"enabled,omitempty"`

	When When `yaml:"when"`
	// Priority orders the hooks, lower first.
	Priority int `yaml:"priority,omitempty"`

	// Command is run directly, never through a shell. A command starting
	// with ./ or ../ is relative to the hook file.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`

	Output      Output            `yaml:"output,omitempty"`
	Timeout     config.Duration   `yaml:"timeout,omitempty"`
	WorkingDir  string            `yaml:"working_dir,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
	OnError     OnError           `yaml:"on_error,omitempty"`

	// Workspaces limits the hook to sessions under these directories.
	Workspaces []string `yaml:"workspaces,omitempty"`

	// FilePath is the YAML file the hook was loaded from.
	FilePath string `yaml:"-"`
}

// IsEnabled reports whether the hook is active. Hooks are enabled unless
// they say otherwise.
func (h *Hook) IsEnabled() bool {
	return h.Enabled == nil || *h.Enabled
}

func (h *Hook) priority() int {
	if h.Priority == 0 {
		return DefaultPriority
	}
	return h.Priority
}

func (h *Hook) output() Output {
	if h.Output == "" {
		return OutputTransform
	}
	return h.Output
}

func (h *Hook) onError() OnError {
	if h.OnError == "" {
		return OnErrorSkip
	}
	return h.OnError
}

func (h *Hook) dir() string { return filepath.Dir(h.FilePath) }

// Applies reports whether the hook runs for a prompt in cwd.
func (h *Hook) Applies(first bool, cwd string) bool {
	if !h.IsEnabled() {
		return false
	}
	if len(h.Workspaces) > 0 {
		matched := false
		for _, ws := range h.Workspaces {
			ws = filepath.Clean(config.ExpandPath(ws))
			if cwd == ws || strings.HasPrefix(cwd, ws+string(filepath.Separator)) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	switch h.When {
	case WhenFirst:
		return first
	case WhenAll:
		return true
	case WhenAllExceptFirst:
		return !first
	}
	return false
}

// command returns the executable to run.
func (h *Hook) command() string {
	if strings.HasPrefix(h.Command, "./") || strings.HasPrefix(h.Command, "../") {
		return filepath.Join(h.dir(), h.Command)
	}
	return h.Command
}

// Input is what a hook reads on stdin.
type Input struct {
	Message        string `json:"message"`
	IsFirstMessage bool   `json:"is_first_message"`
	SessionID      string `json:"session_id"`
	WorkingDir     string `json:"working_dir"`
}

// Answer is what a hook writes on stdout. An empty stdout is an empty
// answer.
type Answer struct {
	// Message replaces the prompt (transform).
	Message string `json:"message,omitempty"`
	// Text is added before or after the prompt (prepend, append).
	Text        string         `json:"text,omitempty"`
	Attachments []AnswerAttach `json:"attachments,omitempty"`
	// Error reports a failure; Message, if set, is still used.
	Error string `json:"error,omitempty"`
}

// AnswerAttach is a file a hook adds to the prompt.
type AnswerAttach struct {
	// Type is "image" or "text".
	Type string `json:"type"`
	// Path is relative to the session directory.
	Path     string `json:"path,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Name     string `json:"name,omitempty"`
}
