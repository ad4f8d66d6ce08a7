package config

import (
	"testing"

	internalconfig "github.com/inercia/conduit/internal/config"
)

func TestDefaultConfigYAML_Parses(t *testing.T) {
	cfg, err := internalconfig.Parse(DefaultConfigYAML)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(cfg.Agents) == 0 {
		t.Fatal("default config has no agents")
	}
	def := cfg.DefaultAgentConfig()
	if def == nil || def.Name != "claude-code" {
		t.Errorf("default agent = %+v, want claude-code", def)
	}
	if cfg.Permissions.AutoApproveEnabled() {
		t.Error("default config should not auto-approve")
	}
	if cfg.Gateway.Listen == "" {
		t.Error("gateway.listen should be set")
	}
}
