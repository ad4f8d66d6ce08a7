package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// WorkspaceRCFileName is the workspace-specific config file.
const WorkspaceRCFileName = ".conduit.yaml"

// WorkspaceRC is the per-workspace configuration found in the agent's
// working directory. Only runner overrides and session defaults are read;
// other sections are ignored.
type WorkspaceRC struct {
	// Runner is layered over the global and agent runner configuration.
	Runner *RunnerConfig `yaml:"runner"`
	// Mode is the session mode selected after a session is created.
	Mode string `yaml:"mode"`
	// Model is the model selected after a session is created.
	Model string `yaml:"model"`
	// FileModTime is the modification time of the file when loaded.
	FileModTime time.Time `yaml:"-"`
}

// LoadWorkspaceRC loads the workspace file from dir.
// Returns nil if the file doesn't exist or is empty, and an error only if
// the file exists but cannot be read or parsed.
func LoadWorkspaceRC(dir string) (*WorkspaceRC, error) {
	if dir == "" {
		return nil, nil
	}

	rcPath := filepath.Join(dir, WorkspaceRCFileName)
	info, err := os.Stat(rcPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 {
		return nil, nil
	}

	data, err := os.ReadFile(rcPath)
	if err != nil {
		return nil, err
	}

	var rc WorkspaceRC
	if err := yaml.Unmarshal(data, &rc); err != nil {
		return nil, err
	}
	rc.FileModTime = info.ModTime()
	return &rc, nil
}
