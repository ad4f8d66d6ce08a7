package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestParse_ValidConfig(t *testing.T) {
	yaml := `
agents:
  - name: claude
    command: npx -y @zed-industries/claude-code-acp
    cwd: ~/src
    env:
      FOO: bar
  - name: gemini
    registry: gemini
default_agent: gemini
timeouts:
  control: 10s
permissions:
  rules_file: /etc/conduit/rules.yaml
runner:
  type: firejail
  restrictions:
    allow_networking: false
    allow_read_folders: ["$WORKSPACE"]
hooks:
  connected: ["echo up"]
gateway:
  listen: 127.0.0.1:7777
  rate: 5
  burst: 10
registry:
  ttl: 1h
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if len(cfg.Agents) != 2 {
		t.Fatalf("Agents count = %d, want 2", len(cfg.Agents))
	}
	if cfg.Agents[0].Env["FOO"] != "bar" {
		t.Errorf("Env = %v", cfg.Agents[0].Env)
	}
	if got := cfg.DefaultAgentConfig(); got == nil || got.Name != "gemini" {
		t.Errorf("DefaultAgentConfig() = %+v, want gemini", got)
	}
	if got := cfg.Timeouts.Control.Or(DefaultControlTimeout); got != 10*time.Second {
		t.Errorf("control timeout = %v, want 10s", got)
	}
	if got := cfg.Timeouts.Permission.Or(DefaultPermissionTimeout); got != DefaultPermissionTimeout {
		t.Errorf("permission timeout = %v, want default", got)
	}
	if cfg.Permissions.AutoApproveEnabled() {
		t.Error("auto approve should default to false when a rules file is set")
	}
	if cfg.Runner == nil || cfg.Runner.Type != "firejail" {
		t.Fatalf("Runner = %+v", cfg.Runner)
	}
	if r := cfg.Runner.Restrictions; r == nil || r.AllowNetworking == nil || *r.AllowNetworking {
		t.Errorf("Restrictions = %+v", r)
	}
	if len(cfg.Hooks.Connected) != 1 {
		t.Errorf("Hooks = %+v", cfg.Hooks)
	}
	if cfg.Gateway.Burst != 10 || cfg.Gateway.Rate != 5 {
		t.Errorf("Gateway = %+v", cfg.Gateway)
	}
	if cfg.Registry.TTL.Or(DefaultRegistryTTL) != time.Hour {
		t.Errorf("Registry TTL = %v", time.Duration(cfg.Registry.TTL))
	}
}

func TestParseTOML(t *testing.T) {
	data := `
default_agent = "claude"

[[agents]]
name = "claude"
command = "claude-code-acp"

[timeouts]
permission = "5s"
`
	cfg, err := ParseTOML([]byte(data))
	if err != nil {
		t.Fatalf("ParseTOML failed: %v", err)
	}
	if cfg.DefaultAgentConfig().Command != "claude-code-acp" {
		t.Errorf("default agent = %+v", cfg.DefaultAgentConfig())
	}
	if cfg.Timeouts.Permission.Or(0) != 5*time.Second {
		t.Errorf("permission timeout = %v", time.Duration(cfg.Timeouts.Permission))
	}
	if !cfg.Permissions.AutoApproveEnabled() {
		t.Error("auto approve should default to true")
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"not yaml", "agents: [unclosed"},
		{"agent without name", "agents:\n  - command: x\n"},
		{"agent without command", "agents:\n  - name: a\n"},
		{"duplicate agent", "agents:\n  - {name: a, command: x}\n  - {name: a, command: y}\n"},
		{"unknown default", "agents:\n  - {name: a, command: x}\ndefault_agent: b\n"},
		{"bad duration", "timeouts:\n  control: soon\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestConfig_Agents(t *testing.T) {
	cfg := &Config{Agents: []Agent{{Name: "a", Command: "x"}, {Name: "b", Command: "y"}}}

	if got := cfg.DefaultAgentConfig(); got.Name != "a" {
		t.Errorf("DefaultAgentConfig() = %q, want a", got.Name)
	}
	if _, err := cfg.GetAgent("b"); err != nil {
		t.Errorf("GetAgent(b) failed: %v", err)
	}
	if _, err := cfg.GetAgent("c"); err == nil {
		t.Error("GetAgent(c) should fail")
	}
	if names := cfg.AgentNames(); len(names) != 2 || names[1] != "b" {
		t.Errorf("AgentNames() = %v", names)
	}
	if (&Config{}).DefaultAgentConfig() != nil {
		t.Error("empty config should have no default agent")
	}
}

func TestLoad_FormatByExtension(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "conduit.yaml")
	if err := os.WriteFile(yamlPath, []byte("agents:\n  - {name: a, command: x}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	tomlPath := filepath.Join(dir, "conduit.toml")
	if err := os.WriteFile(tomlPath, []byte("[[agents]]\nname = \"t\"\ncommand = \"y\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	for path, want := range map[string]string{yamlPath: "a", tomlPath: "t"} {
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load(%s) failed: %v", path, err)
		}
		if cfg.Agents[0].Name != want {
			t.Errorf("Load(%s) agent = %q, want %q", path, cfg.Agents[0].Name, want)
		}
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDefaultConfigPath_EnvOverride(t *testing.T) {
	t.Setenv("CONDUITRC", "/custom/conduit.yaml")
	if got := DefaultConfigPath(); got != "/custom/conduit.yaml" {
		t.Errorf("DefaultConfigPath() = %q", got)
	}
}

func TestDefaultConfigPath_XDG(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("XDG_CONFIG_HOME is only honoured on linux")
	}
	xdg := t.TempDir()
	t.Setenv("CONDUITRC", "")
	t.Setenv("XDG_CONFIG_HOME", xdg)
	if err := os.MkdirAll(filepath.Join(xdg, "conduit"), 0o755); err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(xdg, "conduit", "conduit.toml")
	if err := os.WriteFile(want, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if got := DefaultConfigPath(); got != want {
		t.Errorf("DefaultConfigPath() = %q, want %q", got, want)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := ExpandPath("~/src"); got != filepath.Join(home, "src") {
		t.Errorf("ExpandPath(~/src) = %q", got)
	}
	if got := ExpandPath("/abs"); got != "/abs" {
		t.Errorf("ExpandPath(/abs) = %q", got)
	}
}
