package config

// RunnerConfig selects how agent processes are started.
type RunnerConfig struct {
	// Type is one of "exec", "sandbox-exec", "firejail" or "docker".
	Type string `yaml:"type" toml:"type"`
	// MergeStrategy is "extend" (default) or "replace" and applies when this
	// config is layered over a lower priority one.
	MergeStrategy string              `yaml:"merge_strategy" toml:"merge_strategy"`
	Restrictions  *RunnerRestrictions `yaml:"restrictions" toml:"restrictions"`
}

// RunnerRestrictions limits what a sandboxed agent can reach. Folder lists
// may use $WORKSPACE, $HOME, $CONDUIT_DIR, $USER, $TMPDIR and ~.
type RunnerRestrictions struct {
	AllowNetworking   *bool               `yaml:"allow_networking" toml:"allow_networking"`
	AllowReadFolders  []string            `yaml:"allow_read_folders" toml:"allow_read_folders"`
	AllowWriteFolders []string            `yaml:"allow_write_folders" toml:"allow_write_folders"`
	DenyFolders       []string            `yaml:"deny_folders" toml:"deny_folders"`
	Docker            *DockerRestrictions `yaml:"docker" toml:"docker"`
}

// DockerRestrictions configures the docker runner.
type DockerRestrictions struct {
	Image       string `yaml:"image" toml:"image"`
	MemoryLimit string `yaml:"memory_limit" toml:"memory_limit"`
	CPULimit    string `yaml:"cpu_limit" toml:"cpu_limit"`
}
