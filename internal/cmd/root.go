// Package cmd provides the CLI commands for conduit.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inercia/conduit"
	conduitacp "github.com/inercia/conduit/internal/acp"
	"github.com/inercia/conduit/internal/appdir"
	"github.com/inercia/conduit/internal/config"
	"github.com/inercia/conduit/internal/hooks"
	"github.com/inercia/conduit/internal/logging"
	"github.com/inercia/conduit/internal/policy"
	"github.com/inercia/conduit/internal/registry"
	"github.com/inercia/conduit/internal/runner"
)

var (
	// Global flags
	agentName     string
	configPath    string
	autoApprove   bool
	debug         bool
	logLevel      string // --log-level flag (debug, info, warn, error)
	logFile       string
	logComponents string
	logJSON       bool
	workDir       string
	noHooks       bool

	// Loaded configuration
	cfg *config.Config
	// cfgSource is the file cfg was read from; empty for built-in defaults.
	cfgSource string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "conduit",
	Short: "conduit - drive ACP agents from the command line",
	Long: `conduit talks to coding agents that implement the Agent Client
Protocol (ACP), such as claude-code-acp, codex-acp or gemini.

It can chat with an agent interactively, run one-shot prompts,
look agents up in the ACP registry and expose an agent to other
programs over a WebSocket gateway.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help and completion commands
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if err := appdir.EnsureDir(); err != nil {
			return fmt.Errorf("failed to create conduit directory: %w", err)
		}
		// The config commands work on files that may not exist or parse yet
		if cmd.Parent() == configCmd {
			cfg = config.Default()
		} else if err := loadConfig(); err != nil {
			return err
		}
		return initLogging()
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Close()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&agentName, "agent", "a", "", "Agent to use: a configured name or an ACP registry id (defaults to default_agent)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file (YAML or TOML); defaults to $CONDUITRC or the platform config dir")
	rootCmd.PersistentFlags().BoolVar(&autoApprove, "auto-approve", false, "Approve every permission request")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path (logs are also written to stderr)")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g. 'gateway,policy'). Empty means all components.")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write logs as JSON")
	rootCmd.PersistentFlags().BoolVar(&noHooks, "no-hooks", false, "Do not run the prompt hooks in $CONDUIT_DIR/hooks")
	rootCmd.PersistentFlags().StringVarP(&workDir, "dir", "d", "", "Working directory for agent sessions (default: agent cwd or current directory)")
}

// loadConfig reads --config, or the default config file when it exists.
// Without any file the built-in defaults are used.
func loadConfig() error {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	c, err := config.Load(config.ExpandPath(path))
	if err != nil {
		if configPath == "" && errors.Is(err, fs.ErrNotExist) {
			cfg, cfgSource = config.Default(), ""
			return nil
		}
		return fmt.Errorf("failed to load configuration from %s: %w", path, err)
	}
	cfg, cfgSource = c, path
	return nil
}

// initLogging sets up logging. Flags take priority over the logging
// section of the config file: --log-level, then --debug, then the file,
// then info.
func initLogging() error {
	level := "info"
	switch {
	case logLevel != "":
		level = logLevel
	case debug:
		level = "debug"
	case cfg.Logging.Level != "":
		level = cfg.Logging.Level
	}

	file := logFile
	if file == "" {
		file = cfg.Logging.File
	}
	var fileLog *logging.FileLogConfig
	if file != "" {
		fileLog = &logging.FileLogConfig{Path: config.ExpandPath(file)}
	}

	if err := logging.Initialize(logging.Config{
		Level:      level,
		FileLog:    fileLog,
		JSON:       logJSON || cfg.Logging.JSON,
		Components: splitList(logComponents),
	}); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	if cfgSource != "" {
		logging.Get().Debug("Configuration loaded", "path", cfgSource, "agents", len(cfg.Agents))
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// selectedAgent returns the agent to run. --agent names a configured agent;
// a name that is not configured is looked up in the ACP registry. Agents
// configured with a registry id get their command resolved here.
func selectedAgent(ctx context.Context) (config.Agent, error) {
	if cfg == nil {
		return config.Agent{}, fmt.Errorf("configuration not loaded")
	}

	var agent config.Agent
	switch {
	case agentName != "":
		a, err := cfg.GetAgent(agentName)
		if err != nil {
			agent = config.Agent{Name: agentName, Registry: agentName}
		} else {
			agent = *a
		}
	case cfg.DefaultAgentConfig() != nil:
		agent = *cfg.DefaultAgentConfig()
	default:
		return config.Agent{}, fmt.Errorf("no agents configured: pass --agent <registry id> or add one to %s", config.DefaultConfigPath())
	}

	if agent.Command == "" {
		return resolveRegistryAgent(ctx, agent)
	}
	return agent, nil
}

func resolveRegistryAgent(ctx context.Context, agent config.Agent) (config.Agent, error) {
	command, err := registry.FromConfig(cfg.Registry).Resolve(ctx, agent.Registry, "")
	if err != nil {
		return config.Agent{}, fmt.Errorf("agent %q: %w", agent.Name, err)
	}
	resolved := command.Agent(agent.Name)
	resolved.Registry = agent.Registry
	resolved.Cwd = agent.Cwd
	resolved.Runner = agent.Runner
	for k, v := range agent.Env {
		if resolved.Env == nil {
			resolved.Env = make(map[string]string)
		}
		resolved.Env[k] = v
	}
	logging.Registry().Debug("Resolved agent from registry", "agent", agent.Name, "id", agent.Registry, "command", resolved.Command)
	return resolved, nil
}

// sessionDir returns the directory sessions run in: --dir, then the agent's
// cwd, then the current directory.
func sessionDir(agent config.Agent) (string, error) {
	dir := workDir
	if dir == "" {
		dir = agent.Cwd
	}
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return ".", nil
		}
		return wd, nil
	}

	absPath, err := filepath.Abs(config.ExpandPath(dir))
	if err != nil {
		return "", fmt.Errorf("failed to resolve path %q: %w", dir, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("directory does not exist: %s", absPath)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("path is not a directory: %s", absPath)
	}
	return absPath, nil
}

// clientOptions builds the connection options for agent, running in dir.
func clientOptions(agent config.Agent, dir string, decide conduit.DecideFunc) (conduit.Options, error) {
	opts := conduit.Options{
		Command:           agent.Command,
		Cwd:               dir,
		Env:               agent.Env,
		ClientName:        "conduit",
		ControlTimeout:    cfg.Timeouts.Control.Or(config.DefaultControlTimeout),
		PermissionTimeout: cfg.Timeouts.Permission.Or(config.DefaultPermissionTimeout),
		Decide:            decide,
		Hooks:             hooks.FromConfig(cfg.Hooks),
		FileSystem:        &conduitacp.OSFileSystem{Roots: []string{dir}},
		Logger:            logging.WithComponent("client").With("agent", agent.Name),
	}
	if debug {
		opts.Stderr = os.Stderr
	}

	rc, err := config.LoadWorkspaceRC(dir)
	if err != nil {
		logging.Get().Warn("Ignoring workspace config", "dir", dir, "error", err)
		rc = nil
	}
	var workspace *config.RunnerConfig
	if rc != nil {
		workspace = rc.Runner
	}

	if cfg.Runner != nil || agent.Runner != nil || workspace != nil {
		opts.Sandbox = sandboxFrom(runner.Resolve(runner.Layers{Global: cfg.Runner, Agent: agent.Runner, Workspace: workspace}))
	}
	return opts, nil
}

// sandboxFrom flattens the merged runner layers into the client's sandbox
// settings.
func sandboxFrom(rc *runner.ResolvedConfig) *conduit.Sandbox {
	sb := &conduit.Sandbox{Type: rc.Type}
	r := rc.Restrictions
	if r == nil {
		return sb
	}
	sb.AllowNetworking = r.AllowNetworking
	sb.AllowReadFolders = r.AllowReadFolders
	sb.AllowWriteFolders = r.AllowWriteFolders
	sb.DenyFolders = r.DenyFolders
	if d := r.Docker; d != nil {
		sb.DockerImage = d.Image
		sb.DockerMemoryLimit = d.MemoryLimit
		sb.DockerCPULimit = d.CPULimit
	}
	return sb
}

// permissionDecider picks how permission requests are answered:
// --auto-approve, then the CEL rules file, then permissions.auto_approve,
// then fallback. Rules send "ask" verdicts to fallback. The rules file is
// watched for changes until ctx is done.
func permissionDecider(ctx context.Context, fallback conduit.DecideFunc) (conduit.DecideFunc, error) {
	if autoApprove {
		return conduit.AllowAll, nil
	}
	if cfg.Permissions.RulesFile != "" {
		p, err := policy.Load(config.ExpandPath(cfg.Permissions.RulesFile), policy.WithFallback(fallback))
		if err != nil {
			return nil, err
		}
		go func() {
			if err := p.Watch(ctx); err != nil && ctx.Err() == nil {
				logging.Policy().Warn("Not watching rules file", "error", err)
			}
		}()
		return p.Decide, nil
	}
	if cfg.Permissions.AutoApproveEnabled() {
		return conduit.AllowAll, nil
	}
	return fallback, nil
}

// connect starts the agent and opens the connection.
func connect(ctx context.Context, agent config.Agent, opts conduit.Options) (*conduit.Client, error) {
	logger := logging.Get()
	logger.Info("Starting agent", "agent", agent.Name, "command", agent.Command, "cwd", opts.Cwd)
	client, err := conduit.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", agent.Name, err)
	}
	info := client.AgentInfo()
	logger.Info("Connected", "agent", agent.Name, "name", info.Name, "version", info.Version)
	return client, nil
}

// sessionOpener is the part of *conduit.Client openSession uses.
type sessionOpener interface {
	NewSession(ctx context.Context, cwd string, opts conduit.SessionOptions) (string, error)
	SetSessionMode(ctx context.Context, sessionID, modeID string) error
	SetModel(ctx context.Context, sessionID, modelID string) error
}

// openSession creates a session in dir and selects the mode and model set
// in the directory's workspace file. Failing to select them is logged, not
// returned.
func openSession(ctx context.Context, c sessionOpener, dir string) (string, error) {
	id, err := c.NewSession(ctx, dir, conduit.SessionOptions{})
	if err != nil {
		return "", err
	}
	rc, err := config.LoadWorkspaceRC(dir)
	if err != nil || rc == nil {
		return id, nil
	}
	logger := logging.Get().With("session_id", id)
	if rc.Mode != "" {
		if err := c.SetSessionMode(ctx, id, rc.Mode); err != nil {
			logger.Warn("Failed to set workspace mode", "mode", rc.Mode, "error", err)
		}
	}
	if rc.Model != "" {
		if err := c.SetModel(ctx, id, rc.Model); err != nil {
			logger.Warn("Failed to set workspace model", "model", rc.Model, "error", err)
		}
	}
	return id, nil
}

// disconnectOnShutdown registers a cleanup that disconnects client.
func disconnectOnShutdown(sm *hooks.ShutdownManager, client *conduit.Client) {
	sm.AddCleanup(func(reason string) {
		ctx, cancel := context.WithTimeout(context.Background(), config.DefaultControlTimeout)
		defer cancel()
		if err := client.Disconnect(ctx); err != nil {
			logging.Get().Warn("Disconnect failed", "reason", reason, "error", err)
		}
	})
}
