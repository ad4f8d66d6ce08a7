package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/inercia/conduit"
	embeddedconfig "github.com/inercia/conduit/config"
	"github.com/inercia/conduit/internal/config"
	"github.com/inercia/conduit/internal/registry"
	"github.com/inercia/conduit/internal/runner"
)

func TestSplitList(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"gateway", []string{"gateway"}},
		{" gateway , policy ,,", []string{"gateway", "policy"}},
	}
	for _, tt := range tests {
		got := splitList(tt.in)
		if strings.Join(got, "|") != strings.Join(tt.want, "|") {
			t.Errorf("splitList(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"a long description", 10, "a long ..."},
		{"ééééééééééé", 6, "ééé..."},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestFormatEnv(t *testing.T) {
	got := formatEnv(map[string]string{"B": "2", "A": "1"})
	if got != "A=1 B=2" {
		t.Errorf("formatEnv() = %q", got)
	}
}

func TestPrintConfiguredAgents(t *testing.T) {
	var out bytes.Buffer
	if err := printConfiguredAgents(&out, config.Default()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "No agents configured") {
		t.Errorf("empty config output = %q", out.String())
	}

	c := &config.Config{
		DefaultAgent: "codex",
		Agents: []config.Agent{
			{Name: "gemini", Command: "gemini --experimental-acp"},
			{Name: "codex", Registry: "codex-acp"},
		},
	}
	out.Reset()
	if err := printConfiguredAgents(&out, c); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines: %q", len(lines), out.String())
	}
	if !strings.HasPrefix(lines[0], "NAME") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(lines[1], "gemini") || !strings.Contains(lines[1], "command") || strings.Contains(lines[1], "(default)") {
		t.Errorf("gemini line = %q", lines[1])
	}
	if !strings.Contains(lines[2], "codex (default)") || !strings.Contains(lines[2], "registry") || !strings.Contains(lines[2], "codex-acp") {
		t.Errorf("codex line = %q", lines[2])
	}
}

func TestPrintRegistryAgents(t *testing.T) {
	var out bytes.Buffer
	if err := printRegistryAgents(&out, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "No agents found") {
		t.Errorf("empty output = %q", out.String())
	}

	out.Reset()
	agents := []registry.Agent{{
		ID:          "gemini",
		Version:     "0.9.0",
		Description: "Google's agent",
		Distribution: registry.Distribution{
			NPX:    &registry.Package{Package: "@google/gemini-cli"},
			Binary: map[string]registry.Binary{"linux-x86_64": {}},
		},
	}}
	if err := printRegistryAgents(&out, agents); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "npx,binary") || !strings.Contains(out.String(), "0.9.0") {
		t.Errorf("output = %q", out.String())
	}
}

func TestPrintSessions(t *testing.T) {
	var out bytes.Buffer
	if err := printSessions(&out, nil); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out.String()) != "No sessions." {
		t.Errorf("empty output = %q", out.String())
	}

	out.Reset()
	err := printSessions(&out, []conduit.SessionSummary{
		{ID: "s1", Cwd: "/work", Title: "Fix the build", UpdatedAt: "2026-01-02T03:04:05Z"},
		{ID: "s2", Cwd: "/other"},
	})
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines: %q", len(lines), out.String())
	}
	if !strings.Contains(lines[1], "Fix the build") || !strings.Contains(lines[1], "2026-01-02T03:04:05Z") {
		t.Errorf("line 1 = %q", lines[1])
	}
	if fields := strings.Fields(lines[2]); len(fields) != 4 || fields[1] != "-" || fields[2] != "-" {
		t.Errorf("line 2 = %q, want placeholders for missing fields", lines[2])
	}
}

func TestWriteDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "conduit.yaml")
	var out bytes.Buffer

	if err := writeDefaultConfig(&out, path, false); err != nil {
		t.Fatalf("writeDefaultConfig() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, embeddedconfig.DefaultConfigYAML) {
		t.Error("written file differs from the embedded default")
	}
	if _, err := config.Load(path); err != nil {
		t.Errorf("written file does not load: %v", err)
	}

	if err := os.WriteFile(path, []byte("agents: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out.Reset()
	if err := writeDefaultConfig(&out, path, false); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "already exists") {
		t.Errorf("output = %q", out.String())
	}
	if data, _ := os.ReadFile(path); string(data) != "agents: []\n" {
		t.Error("existing file was overwritten without --force")
	}

	if err := writeDefaultConfig(&out, path, true); err != nil {
		t.Fatal(err)
	}
	if data, _ := os.ReadFile(path); !bytes.Equal(data, embeddedconfig.DefaultConfigYAML) {
		t.Error("--force did not overwrite the file")
	}
}

func TestOpenSession_WorkspaceDefaults(t *testing.T) {
	dir := t.TempDir()
	rc := "mode: plan\nmodel: opus\n"
	if err := os.WriteFile(filepath.Join(dir, config.WorkspaceRCFileName), []byte(rc), 0o644); err != nil {
		t.Fatal(err)
	}
	target := &fakeTarget{}

	id, err := openSession(context.Background(), target, dir)
	if err != nil {
		t.Fatalf("openSession() error = %v", err)
	}
	if id != "sess-new" {
		t.Errorf("id = %q", id)
	}
	want := "new:" + dir + ",mode:plan,model:opus"
	if got := strings.Join(target.calls, ","); got != want {
		t.Errorf("calls = %q, want %q", got, want)
	}
}

func TestOpenSession_NoWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	target := &fakeTarget{}

	if _, err := openSession(context.Background(), target, dir); err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(target.calls, ","); got != "new:"+dir {
		t.Errorf("calls = %q", got)
	}

	target = &fakeTarget{err: errors.New("refused")}
	if _, err := openSession(context.Background(), target, dir); err == nil {
		t.Error("openSession() should fail when the session cannot be created")
	}
}

func TestSandboxFrom(t *testing.T) {
	allow := true
	layers := runner.Layers{
		Global: &config.RunnerConfig{
			Type:         "firejail",
			Restrictions: &config.RunnerRestrictions{AllowReadFolders: []string{"$HOME/src"}},
		},
		Workspace: &config.RunnerConfig{
			Restrictions: &config.RunnerRestrictions{
				AllowNetworking:  &allow,
				AllowReadFolders: []string{"$WORKSPACE"},
				Docker:           &config.DockerRestrictions{Image: "alpine", CPULimit: "1"},
			},
		},
	}
	sb := sandboxFrom(runner.Resolve(layers))
	if sb.Type != "firejail" {
		t.Errorf("Type = %q", sb.Type)
	}
	if sb.AllowNetworking == nil || !*sb.AllowNetworking {
		t.Errorf("AllowNetworking = %v", sb.AllowNetworking)
	}
	if got := strings.Join(sb.AllowReadFolders, ","); got != "$HOME/src,$WORKSPACE" {
		t.Errorf("AllowReadFolders = %s", got)
	}
	if sb.DockerImage != "alpine" || sb.DockerCPULimit != "1" {
		t.Errorf("docker = %q %q", sb.DockerImage, sb.DockerCPULimit)
	}

	if sb := sandboxFrom(runner.Resolve(runner.Layers{})); sb.Type != "exec" || sb.AllowReadFolders != nil {
		t.Errorf("empty layers = %+v", sb)
	}
}

func TestSessionInfos(t *testing.T) {
	got := sessionInfos([]conduit.Session{
		{ID: "s1", Cwd: "/work", Mode: "code", Model: "opus", Active: true},
		{ID: "s2"},
	})
	if len(got) != 2 {
		t.Fatalf("len = %d", len(got))
	}
	if got[0].SessionID != "s1" || got[0].Cwd != "/work" || got[0].Mode != "code" || got[0].Model != "opus" || !got[0].Active {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].SessionID != "s2" || got[1].Active {
		t.Errorf("second = %+v", got[1])
	}
	if got := sessionInfos(nil); got == nil || len(got) != 0 {
		t.Errorf("sessionInfos(nil) = %#v", got)
	}
}
