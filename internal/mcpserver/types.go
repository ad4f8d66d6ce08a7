package mcpserver

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/inercia/conduit/internal/appdir"
	"github.com/inercia/conduit/internal/config"
)

// Dependencies feed the built-in tools. Every field is optional; a tool
// whose dependency is missing reports an error when called.
type Dependencies struct {
	Config *config.Config
	// Sessions lists the sessions of the running client.
	Sessions func() []SessionInfo
}

// AgentInfo describes a configured agent.
type AgentInfo struct {
	Name     string `json:"name"`
	Command  string `json:"command,omitempty"`
	Registry string `json:"registry,omitempty"`
	Cwd      string `json:"cwd,omitempty"`
	Default  bool   `json:"default,omitempty"`
}

// ListAgentsOutput wraps the agent list for MCP output schema compliance.
type ListAgentsOutput struct {
	Agents []AgentInfo `json:"agents"`
}

// SessionInfo describes one session of the running client.
type SessionInfo struct {
	SessionID string `json:"session_id"`
	Cwd       string `json:"cwd,omitempty"`
	Mode      string `json:"mode,omitempty"`
	Model     string `json:"model,omitempty"`
	Active    bool   `json:"active"`
}

// ListSessionsOutput wraps the session list for MCP output schema compliance.
type ListSessionsOutput struct {
	Sessions []SessionInfo `json:"sessions"`
}

// RuntimeInfo contains runtime information about the conduit process.
type RuntimeInfo struct {
	OS       string `json:"os"`
	Arch     string `json:"arch"`
	NumCPU   int    `json:"num_cpu"`
	Hostname string `json:"hostname,omitempty"`

	PID        int    `json:"pid"`
	Executable string `json:"executable,omitempty"`
	WorkingDir string `json:"working_dir,omitempty"`

	GoVersion    string `json:"go_version"`
	NumGoroutine int    `json:"num_goroutine"`

	DataDir    string `json:"data_dir,omitempty"`
	CacheDir   string `json:"cache_dir,omitempty"`
	LogFile    string `json:"log_file,omitempty"`
	ConfigFile string `json:"config_file,omitempty"`

	ConduitDirEnv string `json:"conduit_dir_env,omitempty"`
	ConduitRCEnv  string `json:"conduitrc_env,omitempty"`
}

// RegisterBuiltins adds the conduit tools: list_agents, list_sessions and
// get_runtime_info.
func RegisterBuiltins(s *Server, deps Dependencies) {
	AddTool(s, "list_agents",
		"List the ACP agents configured in conduit, with their commands",
		func(ctx context.Context, _ struct{}) (ListAgentsOutput, error) {
			return listAgents(deps.Config)
		})

	AddTool(s, "list_sessions",
		"List the sessions opened by this conduit client, with their working directory, mode and model",
		func(ctx context.Context, _ struct{}) (ListSessionsOutput, error) {
			return listSessions(deps.Sessions)
		})

	AddTool(s, "get_runtime_info",
		"Get runtime information including OS, architecture, data directories, log file and process info",
		func(ctx context.Context, _ struct{}) (RuntimeInfo, error) {
			return *buildRuntimeInfo(), nil
		})
}

func listAgents(cfg *config.Config) (ListAgentsOutput, error) {
	if cfg == nil {
		return ListAgentsOutput{}, fmt.Errorf("configuration not available")
	}
	out := ListAgentsOutput{Agents: make([]AgentInfo, 0, len(cfg.Agents))}
	for _, a := range cfg.Agents {
		out.Agents = append(out.Agents, AgentInfo{
			Name:     a.Name,
			Command:  a.Command,
			Registry: a.Registry,
			Cwd:      a.Cwd,
			Default:  a.Name == cfg.DefaultAgent,
		})
	}
	return out, nil
}

func listSessions(sessions func() []SessionInfo) (ListSessionsOutput, error) {
	if sessions == nil {
		return ListSessionsOutput{}, fmt.Errorf("no client connected")
	}
	list := sessions()
	if list == nil {
		list = []SessionInfo{}
	}
	return ListSessionsOutput{Sessions: list}, nil
}

// buildRuntimeInfo gathers runtime information about the conduit process.
func buildRuntimeInfo() *RuntimeInfo {
	info := &RuntimeInfo{
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		PID:          os.Getpid(),
	}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}
	if exe, err := os.Executable(); err == nil {
		info.Executable = exe
	}
	if wd, err := os.Getwd(); err == nil {
		info.WorkingDir = wd
	}

	if dataDir, err := appdir.Dir(); err == nil {
		info.DataDir = dataDir
	}
	if cacheDir, err := appdir.CacheDir(); err == nil {
		info.CacheDir = cacheDir
	}
	if logPath, err := appdir.LogPath(); err == nil {
		info.LogFile = logPath
	}
	info.ConfigFile = config.DefaultConfigPath()

	info.ConduitDirEnv = os.Getenv(appdir.DirEnv)
	info.ConduitRCEnv = os.Getenv("CONDUITRC")

	return info
}
