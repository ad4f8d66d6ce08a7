package defense

import (
	"log/slog"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/inercia/conduit/internal/logging"
)

// cleanupInterval is how often expired blocks and stale strikes are
// dropped.
const cleanupInterval = 5 * time.Minute

// Strike reasons reported by the gateway.
const (
	ReasonAuth           = "auth_failed"
	ReasonRateLimit      = "rate_limited"
	ReasonInvalidFrame   = "invalid_frame"
	ReasonSuspiciousPath = "suspicious_path"
)

// Guard counts strikes per address and blocks addresses that collect too
// many. A nil *Guard blocks nothing.
type Guard struct {
	cfg    Config
	allow  []netip.Prefix
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	strikes map[string][]time.Time
	blocked map[string]Entry

	stop      chan struct{}
	stopOnce  sync.Once
	cleanerWG sync.WaitGroup
}

// New creates a Guard and loads the persisted blocks, if any. Zero limits
// take the values of DefaultConfig. A blocklist that cannot be read is
// logged and ignored.
func New(cfg Config, logger *slog.Logger) (*Guard, error) {
	allow, err := parseAllow(cfg.Allow)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.WithComponent("defense")
	}
	def := DefaultConfig()
	if cfg.MaxStrikes <= 0 {
		cfg.MaxStrikes = def.MaxStrikes
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = def.BlockDuration
	}
	g := &Guard{
		cfg:     cfg,
		allow:   allow,
		logger:  logger,
		now:     time.Now,
		strikes: make(map[string][]time.Time),
		blocked: make(map[string]Entry),
		stop:    make(chan struct{}),
	}

	if cfg.PersistPath != "" {
		entries, err := loadEntries(cfg.PersistPath, g.now())
		if err != nil {
			logger.Warn("Failed to load blocklist", "path", cfg.PersistPath, "error", err)
		}
		for _, e := range entries {
			g.blocked[e.IP] = e
		}
		if len(entries) > 0 {
			logger.Info("Blocklist loaded", "path", cfg.PersistPath, "entries", len(entries))
		}
	}

	g.cleanerWG.Add(1)
	go g.cleanupLoop()
	return g, nil
}

// Allowed reports whether ip is on the allow list.
func (g *Guard) Allowed(ip string) bool {
	if g == nil {
		return true
	}
	addr, err := netip.ParseAddr(normalizeIP(ip))
	if err != nil {
		return false
	}
	for _, p := range g.allow {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Blocked reports whether ip is blocked, and why.
func (g *Guard) Blocked(ip string) (reason string, blocked bool) {
	if g == nil {
		return "", false
	}
	ip = normalizeIP(ip)
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.blocked[ip]
	if !ok || e.expired(g.now()) {
		return "", false
	}
	return e.Reason, true
}

// Strike records one strike against ip. It reports whether this strike
// blocked the address. Allowed addresses are never blocked.
func (g *Guard) Strike(ip, reason string) bool {
	if g == nil || g.Allowed(ip) {
		return false
	}
	ip = normalizeIP(ip)
	now := g.now()

	g.mu.Lock()
	if e, ok := g.blocked[ip]; ok && !e.expired(now) {
		g.mu.Unlock()
		return false
	}
	recent := recentStrikes(g.strikes[ip], now.Add(-g.cfg.Window))
	recent = append(recent, now)
	if len(recent) < g.cfg.MaxStrikes {
		g.strikes[ip] = recent
		g.mu.Unlock()
		g.logger.Debug("Strike recorded", "ip", ip, "reason", reason, "strikes", len(recent))
		return false
	}
	delete(g.strikes, ip)
	e := Entry{
		IP:        ip,
		Reason:    reason,
		Strikes:   len(recent),
		BlockedAt: now,
		ExpiresAt: now.Add(g.cfg.BlockDuration),
	}
	g.blocked[ip] = e
	entries := g.entriesLocked()
	g.mu.Unlock()

	g.logger.Warn("Address blocked",
		"ip", ip,
		"reason", reason,
		"strikes", e.Strikes,
		"until", e.ExpiresAt.Format(time.RFC3339))
	g.persist(entries)
	return true
}

// Unblock lifts a block and forgets the address's strikes.
func (g *Guard) Unblock(ip string) {
	if g == nil {
		return
	}
	ip = normalizeIP(ip)
	g.mu.Lock()
	_, was := g.blocked[ip]
	delete(g.blocked, ip)
	delete(g.strikes, ip)
	entries := g.entriesLocked()
	g.mu.Unlock()
	if was {
		g.persist(entries)
	}
}

// Entries returns the active blocks, ordered by address.
func (g *Guard) Entries() []Entry {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.entriesLocked()
}

func (g *Guard) entriesLocked() []Entry {
	now := g.now()
	entries := make([]Entry, 0, len(g.blocked))
	for _, e := range g.blocked {
		if !e.expired(now) {
			entries = append(entries, e)
		}
	}
	slices.SortFunc(entries, func(a, b Entry) int {
		switch {
		case a.IP < b.IP:
			return -1
		case a.IP > b.IP:
			return 1
		}
		return 0
	})
	return entries
}

func (g *Guard) persist(entries []Entry) {
	if g.cfg.PersistPath == "" {
		return
	}
	if err := saveEntries(g.cfg.PersistPath, entries); err != nil {
		g.logger.Warn("Failed to save blocklist", "path", g.cfg.PersistPath, "error", err)
	}
}

func (g *Guard) cleanupLoop() {
	defer g.cleanerWG.Done()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.cleanup()
		case <-g.stop:
			return
		}
	}
}

// cleanup drops expired blocks and strikes older than the window.
func (g *Guard) cleanup() {
	now := g.now()
	g.mu.Lock()
	expired := 0
	for ip, e := range g.blocked {
		if e.expired(now) {
			delete(g.blocked, ip)
			expired++
		}
	}
	for ip, times := range g.strikes {
		if recent := recentStrikes(times, now.Add(-g.cfg.Window)); len(recent) == 0 {
			delete(g.strikes, ip)
		} else {
			g.strikes[ip] = recent
		}
	}
	entries := g.entriesLocked()
	g.mu.Unlock()

	if expired > 0 {
		g.logger.Debug("Expired blocks removed", "removed", expired)
		g.persist(entries)
	}
}

// Close stops the cleanup loop and saves the blocklist.
func (g *Guard) Close() error {
	if g == nil {
		return nil
	}
	g.stopOnce.Do(func() {
		close(g.stop)
		g.cleanerWG.Wait()
		g.persist(g.Entries())
	})
	return nil
}

// recentStrikes returns the strikes after since. times is sorted.
func recentStrikes(times []time.Time, since time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(since) {
		i++
	}
	return times[i:]
}
