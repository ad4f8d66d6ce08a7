// Package config handles configuration loading for conduit.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/inercia/conduit/internal/appdir"
)

// Default timeouts applied when the configuration leaves them unset.
const (
	DefaultControlTimeout    = 30 * time.Second
	DefaultPermissionTimeout = 30 * time.Second
	DefaultRegistryTTL       = 24 * time.Hour
	DefaultRegistryURL       = "https://cdn.agentclientprotocol.com/registry/v1/latest/registry.json"
)

// Duration is a time.Duration that decodes from strings such as "30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for YAML and TOML.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Or returns d, or def when d is zero.
func (d Duration) Or(def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return time.Duration(d)
}

// Agent is one configured ACP agent.
type Agent struct {
	// Name is the identifier used on the command line.
	Name string `yaml:"name" toml:"name"`
	// Command starts the agent. It is split with shell quoting rules.
	Command string `yaml:"command" toml:"command"`
	// Registry names an agent in the ACP registry instead of a command.
	Registry string            `yaml:"registry" toml:"registry"`
	Cwd      string            `yaml:"cwd" toml:"cwd"`
	Env      map[string]string `yaml:"env" toml:"env"`
	// Runner overrides the global runner configuration for this agent.
	Runner *RunnerConfig `yaml:"runner" toml:"runner"`
}

// Timeouts bounds the control and permission exchanges.
type Timeouts struct {
	Control    Duration `yaml:"control" toml:"control"`
	Permission Duration `yaml:"permission" toml:"permission"`
}

// Permissions selects how permission requests are answered.
type Permissions struct {
	// AutoApprove answers every request with an allow option. Defaults to
	// true when no rules file is configured.
	AutoApprove *bool `yaml:"auto_approve" toml:"auto_approve"`
	// RulesFile is a YAML file of CEL permission rules.
	RulesFile string `yaml:"rules_file" toml:"rules_file"`
}

// Hooks lists shell commands run on connection lifecycle events. Each
// command gets the event as JSON on stdin.
type Hooks struct {
	Connected        []string `yaml:"connected" toml:"connected"`
	Disconnected     []string `yaml:"disconnected" toml:"disconnected"`
	SessionCreated   []string `yaml:"session_created" toml:"session_created"`
	SessionDestroyed []string `yaml:"session_destroyed" toml:"session_destroyed"`
	PromptSubmit     []string `yaml:"prompt_submit" toml:"prompt_submit"`
	ResponseReceived []string `yaml:"response_received" toml:"response_received"`
	PreToolUse       []string `yaml:"pre_tool_use" toml:"pre_tool_use"`
	PostToolUse      []string `yaml:"post_tool_use" toml:"post_tool_use"`
	// Timeout bounds each command. Default 30s.
	Timeout Duration `yaml:"timeout" toml:"timeout"`
}

// OIDC configures bearer token verification on the gateway.
type OIDC struct {
	Issuer   string `yaml:"issuer" toml:"issuer"`
	ClientID string `yaml:"client_id" toml:"client_id"`
}

// Defense blocks gateway clients that keep misbehaving.
type Defense struct {
	MaxStrikes    int      `yaml:"max_strikes" toml:"max_strikes"`
	Window        Duration `yaml:"window" toml:"window"`
	BlockDuration Duration `yaml:"block_duration" toml:"block_duration"`
	// Allow lists addresses or CIDR ranges that are never blocked.
	// Defaults to loopback.
	Allow []string `yaml:"allow" toml:"allow"`
	// Persist keeps blocks across restarts.
	Persist bool `yaml:"persist" toml:"persist"`
}

// Gateway configures `conduit serve`.
type Gateway struct {
	Listen  string   `yaml:"listen" toml:"listen"`
	Rate    float64  `yaml:"rate" toml:"rate"`
	Burst   int      `yaml:"burst" toml:"burst"`
	OIDC    *OIDC    `yaml:"oidc" toml:"oidc"`
	Defense *Defense `yaml:"defense" toml:"defense"`
}

// Registry configures the ACP agent registry client.
type Registry struct {
	URL string   `yaml:"url" toml:"url"`
	TTL Duration `yaml:"ttl" toml:"ttl"`
}

// Logging mirrors the logging flags.
type Logging struct {
	Level string `yaml:"level" toml:"level"`
	File  string `yaml:"file" toml:"file"`
	JSON  bool   `yaml:"json" toml:"json"`
}

// Config is the complete conduit configuration.
type Config struct {
	Agents       []Agent       `yaml:"agents" toml:"agents"`
	DefaultAgent string        `yaml:"default_agent" toml:"default_agent"`
	Timeouts     Timeouts      `yaml:"timeouts" toml:"timeouts"`
	Permissions  Permissions   `yaml:"permissions" toml:"permissions"`
	Runner       *RunnerConfig `yaml:"runner" toml:"runner"`
	Hooks        Hooks         `yaml:"hooks" toml:"hooks"`
	Gateway      Gateway       `yaml:"gateway" toml:"gateway"`
	Registry     Registry      `yaml:"registry" toml:"registry"`
	Logging      Logging       `yaml:"logging" toml:"logging"`
}

// DefaultConfigPath returns the configuration file to use when none is given
// on the command line: $CONDUITRC, then conduit.yaml or conduit.toml in the
// platform config directory, then conduit.yaml in the data directory.
func DefaultConfigPath() string {
	if envPath := os.Getenv("CONDUITRC"); envPath != "" {
		return envPath
	}

	var configDir string
	switch runtime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
	case "darwin":
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			configDir = xdgConfig
		} else {
			home, _ := os.UserHomeDir()
			configDir = filepath.Join(home, ".config")
		}
	}

	for _, name := range []string{"conduit.yaml", "conduit.yml", "conduit.toml"} {
		path := filepath.Join(configDir, "conduit", name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	if dir, err := appdir.Dir(); err == nil {
		return filepath.Join(dir, "conduit.yaml")
	}
	return filepath.Join(configDir, "conduit", "conduit.yaml")
}

// Load reads a configuration file. The format follows the extension: .toml
// is TOML, anything else is YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return ParseTOML(data)
	}
	return Parse(data)
}

// Parse parses YAML configuration data.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseTOML parses TOML configuration data.
func ParseTOML(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("agent #%d has no name", i+1)
		}
		if seen[a.Name] {
			return fmt.Errorf("agent %q is configured twice", a.Name)
		}
		seen[a.Name] = true
		if a.Command == "" && a.Registry == "" {
			return fmt.Errorf("agent %q needs a command or a registry id", a.Name)
		}
	}
	if c.DefaultAgent != "" && !seen[c.DefaultAgent] {
		return fmt.Errorf("default agent %q is not configured", c.DefaultAgent)
	}
	return nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{}
}

// DefaultAgentConfig returns the default agent: the one named by
// default_agent, else the first one. Nil when no agent is configured.
func (c *Config) DefaultAgentConfig() *Agent {
	if c.DefaultAgent != "" {
		if a, err := c.GetAgent(c.DefaultAgent); err == nil {
			return a
		}
	}
	if len(c.Agents) == 0 {
		return nil
	}
	return &c.Agents[0]
}

// GetAgent returns the agent with the given name.
func (c *Config) GetAgent(name string) (*Agent, error) {
	for i := range c.Agents {
		if c.Agents[i].Name == name {
			return &c.Agents[i], nil
		}
	}
	return nil, fmt.Errorf("agent %q not found in configuration", name)
}

// AgentNames returns the configured agent names in file order.
func (c *Config) AgentNames() []string {
	names := make([]string, len(c.Agents))
	for i, a := range c.Agents {
		names[i] = a.Name
	}
	return names
}

// AutoApproveEnabled reports whether permission requests are approved without
// asking.
func (p Permissions) AutoApproveEnabled() bool {
	if p.AutoApprove != nil {
		return *p.AutoApprove
	}
	return p.RulesFile == ""
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
