//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/inercia/conduit"
	"github.com/inercia/conduit/internal/registry"
)

func TestQuery_ResolvesThroughRegistry(t *testing.T) {
	getMockAgent(t, "echo")

	index := registry.Index{
		Version: "1",
		Agents: []registry.Agent{{
			ID:      "acptest",
			Name:    "Mock agent",
			Version: "0.0.1",
			Distribution: registry.Distribution{
				Binary: map[string]registry.Binary{
					registry.Platform(): {Cmd: mockAgent, Args: []string{"-scenario", "echo"}},
				},
			},
		}},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(index)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	msgs, err := conduit.Query(ctx, "hello", "acptest", conduit.QueryOptions{
		Prefer:           registry.KindBinary,
		RegistryURL:      srv.URL,
		RegistryCacheDir: t.TempDir(),
		Options:          conduit.Options{Cwd: getTestWorkspace(t)},
	})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text() != "echo: hello" {
		t.Errorf("Query() = %+v", msgs)
	}

	_, err = conduit.Query(ctx, "hello", "unknown", conduit.QueryOptions{
		RegistryURL:      srv.URL,
		RegistryCacheDir: t.TempDir(),
	})
	if conduit.KindOf(err) != conduit.KindConnection {
		t.Errorf("Query(unknown) error = %v, want a connection error", err)
	}
}

func TestConnect_ProxyChain(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("conductor stand-in is a shell script")
	}
	agent := getMockAgent(t, "echo")
	argsFile := filepath.Join(t.TempDir(), "args")

	// Records its arguments and then becomes the last one, the agent.
	conductor := `sh -c 'printf "%s\n" "$@" > "$ARGS_FILE"; for last; do :; done; eval "exec $last"' conductor`

	client := connectMockWith(t, conduit.Options{
		Command:   agent,
		Conductor: conductor,
		Env:       map[string]string{"ARGS_FILE": argsFile},
		Proxies: conduit.NewProxyChain(
			conduit.Proxy{Name: "audit", Command: "audit-proxy --verbose"},
			conduit.Proxy{Name: "redact", Command: "redact-proxy"},
		),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	msgs, err := client.Prompt(ctx, "hello")
	if err != nil {
		t.Fatalf("Prompt() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text() != "echo: hello" {
		t.Errorf("Prompt() = %+v", msgs)
	}

	data, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"audit-proxy --verbose", "redact-proxy", agent}
	if got := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n"); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("conductor args = %q, want %q", got, want)
	}
}
