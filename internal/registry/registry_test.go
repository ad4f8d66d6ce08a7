package registry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/shlex"
)

const sampleRegistry = `{
  "version": "1.0.0",
  "agents": [
    {
      "id": "claude-acp",
      "name": "Claude Agent",
      "version": "0.18.0",
      "description": "ACP wrapper for Anthropic's Claude",
      "distribution": {"npx": {"package": "@zed-industries/claude-agent-acp@0.18.0"}}
    },
    {
      "id": "codex-acp",
      "name": "Codex CLI",
      "version": "0.9.4",
      "description": "ACP adapter for OpenAI's coding assistant",
      "distribution": {
        "binary": {
          "darwin-aarch64": {"archive": "https://example.com/codex-darwin.tar.gz", "cmd": "./codex-acp"},
          "linux-x86_64": {"archive": "https://example.com/codex-linux.tar.gz", "cmd": "./codex-acp", "args": ["--acp"]}
        },
        "npx": {"package": "@zed-industries/codex-acp@0.9.4"}
      }
    },
    {
      "id": "auggie",
      "name": "Auggie CLI",
      "version": "0.16.2",
      "description": "Augment Code's software agent",
      "distribution": {
        "npx": {"package": "@augmentcode/auggie@0.16.2", "args": ["--acp"], "env": {"AUGMENT_DISABLE_AUTO_UPDATE": "1"}}
      }
    },
    {
      "id": "fast-agent",
      "name": "fast-agent",
      "version": "0.4.0",
      "description": "Python agent",
      "distribution": {"uvx": {"package": "fast-agent-acp", "args": ["-x"]}}
    },
    {
      "id": "empty",
      "name": "No distribution",
      "version": "1.0.0",
      "distribution": {}
    },
    {"id": "", "name": "malformed"}
  ]
}`

type fakeServer struct {
	*httptest.Server
	hits atomic.Int32
}

func newFakeServer(t *testing.T, body string, status int) *fakeServer {
	t.Helper()
	fs := &fakeServer{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.hits.Add(1)
		if r.Header.Get("User-Agent") == "" {
			t.Errorf("request without User-Agent")
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(fs.Close)
	return fs
}

// onPath finds every runtime at /usr/bin.
func onPath(name string) (string, error) {
	return "/usr/bin/" + name, nil
}

func newTestClient(t *testing.T, url string, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithURL(url),
		WithCacheDir(t.TempDir()),
		WithPlatform("linux-x86_64"),
		WithLookPath(onPath),
	}
	return New(append(base, opts...)...)
}

func TestFetch_SkipsMalformedAndSorts(t *testing.T) {
	srv := newFakeServer(t, sampleRegistry, http.StatusOK)
	c := newTestClient(t, srv.URL)

	agents, err := c.Agents(context.Background())
	if err != nil {
		t.Fatalf("Agents() error = %v", err)
	}
	var ids []string
	for _, a := range agents {
		ids = append(ids, a.ID)
	}
	want := []string{"auggie", "claude-acp", "codex-acp", "empty", "fast-agent"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("ids = %v, want %v", ids, want)
	}
}

func TestFetch_UsesFreshCache(t *testing.T) {
	srv := newFakeServer(t, sampleRegistry, http.StatusOK)
	dir := t.TempDir()

	first := newTestClient(t, srv.URL, WithCacheDir(dir))
	if _, err := first.Fetch(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, CacheFileName)); err != nil {
		t.Fatalf("cache file not written: %v", err)
	}

	// A second client within the TTL reads the cache.
	second := newTestClient(t, srv.URL, WithCacheDir(dir))
	if _, err := second.Fetch(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := srv.hits.Load(); got != 1 {
		t.Errorf("server hits = %d, want 1", got)
	}

	// Refresh ignores the cache.
	if _, err := second.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := srv.hits.Load(); got != 2 {
		t.Errorf("server hits after Refresh = %d, want 2", got)
	}
}

func TestFetch_StaleCacheOnFailure(t *testing.T) {
	good := newFakeServer(t, sampleRegistry, http.StatusOK)
	dir := t.TempDir()
	if _, err := newTestClient(t, good.URL, WithCacheDir(dir)).Fetch(context.Background()); err != nil {
		t.Fatal(err)
	}

	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(filepath.Join(dir, CacheFileName), old, old); err != nil {
		t.Fatal(err)
	}

	bad := newFakeServer(t, "oops", http.StatusInternalServerError)
	c := newTestClient(t, bad.URL, WithCacheDir(dir), WithTTL(time.Hour))
	agents, err := c.Agents(context.Background())
	if err != nil {
		t.Fatalf("Agents() error = %v, want stale cache", err)
	}
	if len(agents) != 5 {
		t.Errorf("got %d agents from stale cache, want 5", len(agents))
	}
	if got := bad.hits.Load(); got != 1 {
		t.Errorf("failing server hits = %d, want 1", got)
	}
}

func TestFetch_NoCacheFailure(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"server error", "oops", http.StatusBadGateway},
		{"bad json", "{not json", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newFakeServer(t, tt.body, tt.status)
			c := newTestClient(t, srv.URL)
			if _, err := c.Fetch(context.Background()); err == nil {
				t.Error("Fetch() should fail without a cache")
			}
		})
	}
}

func TestFetch_Concurrent(t *testing.T) {
	release := make(chan struct{})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		_, _ = w.Write([]byte(sampleRegistry))
	}))
	t.Cleanup(srv.Close)
	c := newTestClient(t, srv.URL)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Fetch(context.Background())
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Fetch() error = %v", err)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("server hits = %d, want 1", got)
	}
}

func TestGet_NotFound(t *testing.T) {
	srv := newFakeServer(t, sampleRegistry, http.StatusOK)
	c := newTestClient(t, srv.URL)

	_, err := c.Get(context.Background(), "nope")
	if !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("Get() error = %v, want ErrAgentNotFound", err)
	}
}

func TestSearch(t *testing.T) {
	srv := newFakeServer(t, sampleRegistry, http.StatusOK)
	c := newTestClient(t, srv.URL)

	tests := []struct {
		keyword string
		want    []string
	}{
		{"claude", []string{"claude-acp"}},
		{"OPENAI", []string{"codex-acp"}},
		{"cli", []string{"auggie", "codex-acp"}},
		{"zzz", nil},
	}
	for _, tt := range tests {
		agents, err := c.Search(context.Background(), tt.keyword)
		if err != nil {
			t.Fatal(err)
		}
		var ids []string
		for _, a := range agents {
			ids = append(ids, a.ID)
		}
		if !reflect.DeepEqual(ids, tt.want) {
			t.Errorf("Search(%q) = %v, want %v", tt.keyword, ids, tt.want)
		}
	}
}

func TestResolve(t *testing.T) {
	srv := newFakeServer(t, sampleRegistry, http.StatusOK)

	tests := []struct {
		name     string
		id       string
		prefer   string
		platform string
		lookPath func(string) (string, error)
		want     Command
		wantErr  error
	}{
		{
			name: "npx",
			id:   "claude-acp",
			want: Command{Kind: KindNPX, Argv: []string{"/usr/bin/npx", "@zed-industries/claude-agent-acp@0.18.0"}},
		},
		{
			name: "npx with args and env",
			id:   "auggie",
			want: Command{
				Kind: KindNPX,
				Argv: []string{"/usr/bin/npx", "@augmentcode/auggie@0.16.2", "--acp"},
				Env:  map[string]string{"AUGMENT_DISABLE_AUTO_UPDATE": "1"},
			},
		},
		{
			name: "uvx",
			id:   "fast-agent",
			want: Command{Kind: KindUVX, Argv: []string{"/usr/bin/uvx", "fast-agent-acp", "-x"}},
		},
		{
			name:   "prefer binary",
			id:     "codex-acp",
			prefer: KindBinary,
			want:   Command{Kind: KindBinary, Argv: []string{"./codex-acp", "--acp"}},
		},
		{
			name:     "prefer binary on another platform falls back",
			id:       "codex-acp",
			prefer:   KindBinary,
			platform: "windows-x86_64",
			want:     Command{Kind: KindNPX, Argv: []string{"/usr/bin/npx", "@zed-industries/codex-acp@0.9.4"}},
		},
		{
			name: "no npx falls back to binary",
			id:   "codex-acp",
			lookPath: func(string) (string, error) {
				return "", errors.New("not found")
			},
			want: Command{Kind: KindBinary, Argv: []string{"./codex-acp", "--acp"}},
		},
		{
			name: "runtime missing",
			id:   "claude-acp",
			lookPath: func(string) (string, error) {
				return "", errors.New("not found")
			},
			wantErr: ErrRuntimeNotFound,
		},
		{
			name:    "no distribution",
			id:      "empty",
			wantErr: ErrNoDistribution,
		},
		{
			name:    "unknown agent",
			id:      "ghost",
			wantErr: ErrAgentNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []Option
			if tt.platform != "" {
				opts = append(opts, WithPlatform(tt.platform))
			}
			if tt.lookPath != nil {
				opts = append(opts, WithLookPath(tt.lookPath))
			}
			c := newTestClient(t, srv.URL, opts...)

			got, err := c.Resolve(context.Background(), tt.id, tt.prefer)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Resolve() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Resolve() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestCommand_StringRoundTrips(t *testing.T) {
	cmd := Command{Argv: []string{"/usr/bin/npx", "@scope/pkg@1.0", "--name", "it's here", "$HOME"}}
	line := cmd.String()

	argv, err := shlex.Split(line)
	if err != nil {
		t.Fatalf("shlex.Split(%q) error = %v", line, err)
	}
	if !reflect.DeepEqual(argv, cmd.Argv) {
		t.Errorf("split %q = %q, want %q", line, argv, cmd.Argv)
	}

	agent := cmd.Agent("mine")
	if agent.Name != "mine" || agent.Command != line {
		t.Errorf("Agent() = %+v", agent)
	}
}

func TestPlatformFor(t *testing.T) {
	tests := []struct {
		goos, goarch, want string
	}{
		{"linux", "amd64", "linux-x86_64"},
		{"darwin", "arm64", "darwin-aarch64"},
		{"linux", "arm64", "linux-aarch64"},
		{"windows", "amd64", "windows-x86_64"},
		{"freebsd", "riscv64", "freebsd-riscv64"},
	}
	for _, tt := range tests {
		if got := platformFor(tt.goos, tt.goarch); got != tt.want {
			t.Errorf("platformFor(%s, %s) = %q, want %q", tt.goos, tt.goarch, got, tt.want)
		}
	}
}
