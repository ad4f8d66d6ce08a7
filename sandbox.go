package conduit

import (
	"github.com/inercia/conduit/internal/config"
	"github.com/inercia/conduit/internal/runner"
)

// Sandbox runs the agent under a restricted runner. When the requested
// sandbox is not available on the host the agent runs unrestricted and a
// warning is logged.
//
// Folder lists may use $WORKSPACE (the connection's Cwd), $HOME,
// $CONDUIT_DIR, $USER, $TMPDIR and ~.
type Sandbox struct {
	// Type is "exec", "sandbox-exec", "firejail" or "docker". Empty means
	// "exec".
	Type              string
	AllowNetworking   *bool
	AllowReadFolders  []string
	AllowWriteFolders []string
	DenyFolders       []string

	// Docker settings, used by the docker type.
	DockerImage       string
	DockerMemoryLimit string
	DockerCPULimit    string
}

func (s *Sandbox) runnerConfig() *config.RunnerConfig {
	rc := &config.RunnerConfig{
		Type:          s.Type,
		MergeStrategy: "replace",
		Restrictions: &config.RunnerRestrictions{
			AllowNetworking:   s.AllowNetworking,
			AllowReadFolders:  s.AllowReadFolders,
			AllowWriteFolders: s.AllowWriteFolders,
			DenyFolders:       s.DenyFolders,
		},
	}
	if s.DockerImage != "" || s.DockerMemoryLimit != "" || s.DockerCPULimit != "" {
		rc.Restrictions.Docker = &config.DockerRestrictions{
			Image:       s.DockerImage,
			MemoryLimit: s.DockerMemoryLimit,
			CPULimit:    s.DockerCPULimit,
		}
	}
	return rc
}

// newSandboxRunner returns nil when opts ask for no sandbox.
func newSandboxRunner(opts Options) (*runner.Runner, error) {
	if opts.Sandbox == nil {
		return nil, nil
	}
	return runner.NewRunner(runner.Layers{Global: opts.Sandbox.runnerConfig()}, opts.Cwd, opts.Logger)
}
