// Package registry reads the ACP agent registry and turns agent ids into
// command lines.
//
// The registry is a JSON document listing agents and how each is
// distributed (an npx or uvx package, or per-platform binaries). It is cached
// under the conduit cache directory and refreshed once the cache is older
// than the TTL; when the network fails a stale cache is used instead.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/inercia/conduit/internal/appdir"
	"github.com/inercia/conduit/internal/config"
	"github.com/inercia/conduit/internal/fileutil"
	"github.com/inercia/conduit/internal/logging"
	"github.com/inercia/conduit/internal/runner"
)

// CacheFileName is the registry snapshot inside the cache directory.
const CacheFileName = "registry.json"

const (
	fetchTimeout = 15 * time.Second
	userAgent    = "conduit-registry/1"
	maxBodySize  = 8 << 20
)

var (
	// ErrAgentNotFound is returned for an id the registry does not list.
	ErrAgentNotFound = errors.New("agent not found in registry")
	// ErrNoDistribution is returned when no distribution can run here.
	ErrNoDistribution = errors.New("no compatible distribution")
	// ErrRuntimeNotFound is returned when npx or uvx is missing from PATH.
	ErrRuntimeNotFound = errors.New("runtime not found")
)

// Distribution kinds, in default resolution order.
const (
	KindNPX    = "npx"
	KindUVX    = "uvx"
	KindBinary = "binary"
)

var defaultOrder = []string{KindNPX, KindUVX, KindBinary}

// Index is the registry document.
type Index struct {
	Version string  `json:"version"`
	Agents  []Agent `json:"agents"`
}

// Agent is one registry entry.
type Agent struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Description  string       `json:"description,omitempty"`
	Repository   string       `json:"repository,omitempty"`
	Authors      []string     `json:"authors,omitempty"`
	License      string       `json:"license,omitempty"`
	Icon         string       `json:"icon,omitempty"`
	Distribution Distribution `json:"distribution"`
}

// Distribution lists the ways an agent can be installed.
type Distribution struct {
	NPX    *Package          `json:"npx,omitempty"`
	UVX    *Package          `json:"uvx,omitempty"`
	Binary map[string]Binary `json:"binary,omitempty"`
}

// Kinds returns the distribution kinds present, in default order.
func (d Distribution) Kinds() []string {
	var kinds []string
	if d.NPX != nil {
		kinds = append(kinds, KindNPX)
	}
	if d.UVX != nil {
		kinds = append(kinds, KindUVX)
	}
	if len(d.Binary) > 0 {
		kinds = append(kinds, KindBinary)
	}
	return kinds
}

// Package is an npx or uvx distribution.
type Package struct {
	Package string            `json:"package"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Binary is a per-platform archive. Resolve does not download it; Cmd must
// already be runnable.
type Binary struct {
	Archive string            `json:"archive,omitempty"`
	Cmd     string            `json:"cmd"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Command is a resolved agent command line.
type Command struct {
	Kind string
	Argv []string
	Env  map[string]string
}

// String returns the command line with shell quoting, suitable for the
// `command` key of an agent in the configuration.
func (c Command) String() string {
	return runner.JoinCommand(c.Argv)
}

// Agent returns the command as a configured agent named name.
func (c Command) Agent(name string) config.Agent {
	return config.Agent{Name: name, Command: c.String(), Env: c.Env}
}

// Client fetches and caches the registry. It is safe for concurrent use.
type Client struct {
	url        string
	cacheDir   string
	ttl        time.Duration
	httpClient *http.Client
	platform   string
	lookPath   func(string) (string, error)
	logger     *slog.Logger

	group singleflight.Group

	mu       sync.RWMutex
	index    *Index
	loadedAt time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithURL sets the registry URL.
func WithURL(url string) Option { return func(c *Client) { c.url = url } }

// WithCacheDir sets the cache directory. It defaults to the conduit cache
// directory.
func WithCacheDir(dir string) Option { return func(c *Client) { c.cacheDir = dir } }

// WithTTL sets how long a cached registry is used without refetching.
func WithTTL(ttl time.Duration) Option { return func(c *Client) { c.ttl = ttl } }

// WithHTTPClient sets the HTTP client used to fetch the registry.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.httpClient = hc } }

// WithPlatform overrides the detected platform.
func WithPlatform(p string) Option { return func(c *Client) { c.platform = p } }

// WithLookPath overrides how runtimes are found on PATH.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(c *Client) { c.lookPath = fn }
}

// New creates a registry client.
func New(opts ...Option) *Client {
	c := &Client{
		url:        config.DefaultRegistryURL,
		ttl:        config.DefaultRegistryTTL,
		httpClient: &http.Client{Timeout: fetchTimeout},
		platform:   Platform(),
		lookPath:   exec.LookPath,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.Registry()
	}
	return c
}

// FromConfig creates a client for the registry section of the configuration.
func FromConfig(cfg config.Registry, opts ...Option) *Client {
	base := []Option{WithTTL(cfg.TTL.Or(config.DefaultRegistryTTL))}
	if cfg.URL != "" {
		base = append(base, WithURL(cfg.URL))
	}
	return New(append(base, opts...)...)
}

func (c *Client) cachePath() (string, error) {
	dir := c.cacheDir
	if dir == "" {
		var err error
		if dir, err = appdir.CacheDir(); err != nil {
			return "", err
		}
	}
	return filepath.Join(dir, CacheFileName), nil
}

// Fetch loads the registry, from the cache when it is fresh and from the
// network otherwise. Concurrent calls share one fetch.
func (c *Client) Fetch(ctx context.Context) (*Index, error) {
	v, err, _ := c.group.Do("fetch", func() (any, error) {
		return c.fetch(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Index), nil
}

// Refresh fetches the registry from the network, ignoring the cache age.
func (c *Client) Refresh(ctx context.Context) (*Index, error) {
	v, err, _ := c.group.Do("refresh", func() (any, error) {
		path, err := c.cachePath()
		if err != nil {
			return nil, err
		}
		return c.download(ctx, path)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Index), nil
}

func (c *Client) fetch(ctx context.Context) (*Index, error) {
	c.mu.RLock()
	idx, loadedAt := c.index, c.loadedAt
	c.mu.RUnlock()
	if idx != nil && time.Since(loadedAt) < c.ttl {
		return idx, nil
	}

	path, err := c.cachePath()
	if err != nil {
		return nil, err
	}

	var cached Index
	fresh, err := fileutil.ReadJSONIfFresh(path, &cached, c.ttl)
	if err != nil {
		c.logger.Debug("Ignoring unreadable registry cache", "path", path, "error", err)
	}
	if fresh {
		c.logger.Debug("Using cached registry", "path", path, "agents", len(cached.Agents))
		return c.load(&cached), nil
	}

	idx, err = c.download(ctx, path)
	if err == nil {
		return idx, nil
	}

	var stale Index
	if staleErr := fileutil.ReadJSON(path, &stale); staleErr == nil {
		c.logger.Warn("Registry fetch failed, using stale cache",
			"url", c.url,
			"error", err,
		)
		return c.load(&stale), nil
	}
	return nil, fmt.Errorf("failed to fetch registry and no cache available: %w", err)
}

func (c *Client) download(ctx context.Context, cachePath string) (*Index, error) {
	c.logger.Debug("Fetching registry", "url", c.url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", c.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch %s: %s", c.url, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}
	var idx Index
	if err := json.Unmarshal(body, &idx); err != nil {
		return nil, fmt.Errorf("failed to parse registry: %w", err)
	}

	if err := fileutil.WriteJSONAtomic(cachePath, &idx, 0o644); err != nil {
		c.logger.Warn("Failed to cache registry", "path", cachePath, "error", err)
	}
	c.logger.Info("Registry fetched", "url", c.url, "agents", len(idx.Agents))
	return c.load(&idx), nil
}

// load keeps the well-formed entries of idx.
func (c *Client) load(idx *Index) *Index {
	agents := idx.Agents[:0:0]
	for _, a := range idx.Agents {
		if a.ID == "" || a.Name == "" {
			c.logger.Debug("Skipping malformed registry entry", "id", a.ID)
			continue
		}
		agents = append(agents, a)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	out := &Index{Version: idx.Version, Agents: agents}

	c.mu.Lock()
	c.index = out
	c.loadedAt = time.Now()
	c.mu.Unlock()
	return out
}

// Agents returns every agent, sorted by id.
func (c *Client) Agents(ctx context.Context) ([]Agent, error) {
	idx, err := c.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return idx.Agents, nil
}

// Get returns the agent with the given id.
func (c *Client) Get(ctx context.Context, id string) (Agent, error) {
	idx, err := c.Fetch(ctx)
	if err != nil {
		return Agent{}, err
	}
	ids := make([]string, 0, len(idx.Agents))
	for _, a := range idx.Agents {
		if a.ID == id {
			return a, nil
		}
		ids = append(ids, a.ID)
	}
	return Agent{}, fmt.Errorf("%w: %q (available: %s)", ErrAgentNotFound, id, strings.Join(ids, ", "))
}

// Search returns the agents whose id, name or description contains keyword,
// ignoring case.
func (c *Client) Search(ctx context.Context, keyword string) ([]Agent, error) {
	idx, err := c.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	kw := strings.ToLower(keyword)
	var out []Agent
	for _, a := range idx.Agents {
		if strings.Contains(strings.ToLower(a.ID), kw) ||
			strings.Contains(strings.ToLower(a.Name), kw) ||
			strings.Contains(strings.ToLower(a.Description), kw) {
			out = append(out, a)
		}
	}
	return out, nil
}

// Resolve returns the command that runs agent id. prefer picks the first
// distribution kind to try (npx, uvx or binary); the others follow in
// default order. A kind that cannot run here (missing runtime, no binary for
// this platform) is skipped.
func (c *Client) Resolve(ctx context.Context, id, prefer string) (Command, error) {
	agent, err := c.Get(ctx, id)
	if err != nil {
		return Command{}, err
	}
	return c.resolve(agent, prefer)
}

func (c *Client) resolve(agent Agent, prefer string) (Command, error) {
	dist := agent.Distribution
	if len(dist.Kinds()) == 0 {
		return Command{}, fmt.Errorf("%w: agent %q has no distribution metadata", ErrNoDistribution, agent.ID)
	}

	order := defaultOrder
	if prefer != "" {
		order = []string{prefer}
		for _, k := range defaultOrder {
			if k != prefer {
				order = append(order, k)
			}
		}
	}

	var errs []error
	for _, kind := range order {
		var (
			cmd Command
			err error
		)
		switch kind {
		case KindNPX:
			if dist.NPX == nil {
				continue
			}
			cmd, err = c.resolvePackage(agent.ID, KindNPX, *dist.NPX)
		case KindUVX:
			if dist.UVX == nil {
				continue
			}
			cmd, err = c.resolvePackage(agent.ID, KindUVX, *dist.UVX)
		case KindBinary:
			if len(dist.Binary) == 0 {
				continue
			}
			cmd, err = c.resolveBinary(agent.ID, dist.Binary)
		default:
			continue
		}
		if err == nil {
			c.logger.Debug("Resolved agent",
				"id", agent.ID,
				"kind", cmd.Kind,
				"command", cmd.String(),
			)
			return cmd, nil
		}
		errs = append(errs, err)
	}

	return Command{}, fmt.Errorf("%w for agent %q (platform=%s, tried=%v): %w",
		ErrNoDistribution, agent.ID, c.platform, order, errors.Join(errs...))
}

func (c *Client) resolvePackage(id, runtimeName string, pkg Package) (Command, error) {
	path, err := c.lookPath(runtimeName)
	if err != nil {
		return Command{}, fmt.Errorf("%w: agent %q requires %s", ErrRuntimeNotFound, id, runtimeName)
	}
	if pkg.Package == "" {
		return Command{}, fmt.Errorf("agent %q %s distribution missing package", id, runtimeName)
	}
	argv := []string{path, pkg.Package}
	argv = append(argv, pkg.Args...)
	return Command{Kind: runtimeName, Argv: argv, Env: copyEnv(pkg.Env)}, nil
}

func (c *Client) resolveBinary(id string, binaries map[string]Binary) (Command, error) {
	bin, ok := binaries[c.platform]
	if !ok {
		available := make([]string, 0, len(binaries))
		for p := range binaries {
			available = append(available, p)
		}
		sort.Strings(available)
		return Command{}, fmt.Errorf("agent %q has no binary for %s (available: %s)",
			id, c.platform, strings.Join(available, ", "))
	}
	if bin.Cmd == "" {
		return Command{}, fmt.Errorf("agent %q binary for %s missing cmd", id, c.platform)
	}
	argv := append([]string{bin.Cmd}, bin.Args...)
	return Command{Kind: KindBinary, Argv: argv, Env: copyEnv(bin.Env)}, nil
}

func copyEnv(env map[string]string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}

// Platform returns the current platform in registry form, such as
// "linux-x86_64" or "darwin-aarch64".
func Platform() string {
	return platformFor(runtime.GOOS, runtime.GOARCH)
}

func platformFor(goos, goarch string) string {
	arch := goarch
	switch goarch {
	case "amd64":
		arch = "x86_64"
	case "arm64":
		arch = "aarch64"
	case "386":
		arch = "x86"
	}
	return goos + "-" + arch
}
