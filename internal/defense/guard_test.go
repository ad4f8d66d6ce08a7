package defense

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/inercia/conduit/internal/config"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestGuard(t *testing.T, cfg Config) (*Guard, *clock) {
	t.Helper()
	g, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { g.Close() })
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	g.now = c.now
	return g, c
}

func TestGuard_BlocksAfterMaxStrikes(t *testing.T) {
	g, _ := newTestGuard(t, Config{MaxStrikes: 3, Window: time.Minute, BlockDuration: time.Hour})

	for i := 0; i < 2; i++ {
		if g.Strike("203.0.113.7", ReasonInvalidFrame) {
			t.Fatalf("strike %d blocked too early", i+1)
		}
	}
	if _, blocked := g.Blocked("203.0.113.7"); blocked {
		t.Fatal("blocked before reaching MaxStrikes")
	}
	if !g.Strike("203.0.113.7", ReasonAuth) {
		t.Fatal("third strike should block")
	}
	reason, blocked := g.Blocked("203.0.113.7")
	if !blocked || reason != ReasonAuth {
		t.Errorf("Blocked() = %q, %v; want %q, true", reason, blocked, ReasonAuth)
	}
	if _, blocked := g.Blocked("203.0.113.8"); blocked {
		t.Error("other addresses should not be blocked")
	}
	if g.Strike("203.0.113.7", ReasonAuth) {
		t.Error("striking a blocked address should not block it again")
	}
}

func TestGuard_StrikesExpireWithWindow(t *testing.T) {
	g, c := newTestGuard(t, Config{MaxStrikes: 2, Window: time.Minute, BlockDuration: time.Hour})

	g.Strike("198.51.100.1", ReasonRateLimit)
	c.advance(2 * time.Minute)
	if g.Strike("198.51.100.1", ReasonRateLimit) {
		t.Error("a strike outside the window should not count")
	}
	c.advance(10 * time.Second)
	if !g.Strike("198.51.100.1", ReasonRateLimit) {
		t.Error("two strikes within the window should block")
	}
}

func TestGuard_BlockExpires(t *testing.T) {
	g, c := newTestGuard(t, Config{MaxStrikes: 1, Window: time.Minute, BlockDuration: time.Hour})

	g.Strike("198.51.100.2", ReasonSuspiciousPath)
	if _, blocked := g.Blocked("198.51.100.2"); !blocked {
		t.Fatal("expected block")
	}
	c.advance(time.Hour)
	if _, blocked := g.Blocked("198.51.100.2"); blocked {
		t.Error("block should expire after BlockDuration")
	}
	g.cleanup()
	if n := len(g.Entries()); n != 0 {
		t.Errorf("Entries() has %d entries after cleanup, want 0", n)
	}
}

func TestGuard_AllowList(t *testing.T) {
	g, _ := newTestGuard(t, Config{MaxStrikes: 1, Allow: []string{"10.0.0.0/8", "192.0.2.5"}})

	tests := []struct {
		ip      string
		allowed bool
	}{
		{"10.1.2.3", true},
		{"192.0.2.5", true},
		{"192.0.2.5:4444", true},
		{"::ffff:10.0.0.1", true},
		{"192.0.2.6", false},
		{"not-an-ip", false},
	}
	for _, tt := range tests {
		if got := g.Allowed(tt.ip); got != tt.allowed {
			t.Errorf("Allowed(%q) = %v, want %v", tt.ip, got, tt.allowed)
		}
		g.Strike(tt.ip, ReasonAuth)
		if _, blocked := g.Blocked(tt.ip); blocked == tt.allowed {
			t.Errorf("after a strike, Blocked(%q) = %v", tt.ip, blocked)
		}
	}
}

func TestGuard_ZeroLimitsUseDefaults(t *testing.T) {
	g, clk := newTestGuard(t, Config{MaxStrikes: 1})

	def := DefaultConfig()
	if g.cfg.Window != def.Window || g.cfg.BlockDuration != def.BlockDuration {
		t.Fatalf("limits = window %s block %s", g.cfg.Window, g.cfg.BlockDuration)
	}

	g.Strike("198.51.100.7", ReasonAuth)
	if _, blocked := g.Blocked("198.51.100.7"); !blocked {
		t.Fatal("address not blocked after reaching MaxStrikes")
	}
	clk.advance(def.BlockDuration - time.Minute)
	if _, blocked := g.Blocked("198.51.100.7"); !blocked {
		t.Error("block expired early")
	}
	clk.advance(2 * time.Minute)
	if _, blocked := g.Blocked("198.51.100.7"); blocked {
		t.Error("block outlived BlockDuration")
	}
}

func TestGuard_InvalidAllowEntry(t *testing.T) {
	if _, err := New(Config{Allow: []string{"10.0.0.0/33"}}, nil); err == nil {
		t.Error("New() should reject an invalid CIDR range")
	}
}

func TestGuard_Unblock(t *testing.T) {
	g, _ := newTestGuard(t, Config{MaxStrikes: 1, BlockDuration: time.Hour})
	g.Strike("198.51.100.3", ReasonAuth)
	g.Unblock("198.51.100.3")
	if _, blocked := g.Blocked("198.51.100.3"); blocked {
		t.Error("address still blocked after Unblock")
	}
}

func TestGuard_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), BlocklistFileName)
	cfg := Config{MaxStrikes: 1, BlockDuration: 24 * time.Hour, PersistPath: path}

	g, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	g.Strike("198.51.100.4", ReasonSuspiciousPath)
	g.Close()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("blocklist not written: %v", err)
	}

	g2, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer g2.Close()
	reason, blocked := g2.Blocked("198.51.100.4")
	if !blocked || reason != ReasonSuspiciousPath {
		t.Errorf("after reload Blocked() = %q, %v", reason, blocked)
	}
}

func TestGuard_CorruptBlocklistIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), BlocklistFileName)
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	g, err := New(Config{PersistPath: path}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer g.Close()
	if n := len(g.Entries()); n != 0 {
		t.Errorf("Entries() = %d, want 0", n)
	}
}

func TestNilGuard(t *testing.T) {
	var g *Guard
	if g.Strike("198.51.100.5", ReasonAuth) {
		t.Error("nil guard should never block")
	}
	if _, blocked := g.Blocked("198.51.100.5"); blocked {
		t.Error("nil guard should never block")
	}
	if err := g.Close(); err != nil {
		t.Error(err)
	}
}

func TestListener_RejectsBlocked(t *testing.T) {
	g, _ := newTestGuard(t, Config{MaxStrikes: 1, BlockDuration: time.Hour})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	fl := NewListener(ln, g)
	defer fl.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := fl.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	g.Strike("127.0.0.1", ReasonAuth)
	blockedConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer blockedConn.Close()
	blockedConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := blockedConn.Read(make([]byte, 1)); err == nil {
		t.Error("blocked connection should be closed")
	}

	g.Unblock("127.0.0.1")
	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	select {
	case c := <-accepted:
		c.Close()
	case <-time.After(2 * time.Second):
		t.Error("unblocked connection was not accepted")
	}
}

func TestNewListener_NilGuard(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	if NewListener(ln, nil) != ln {
		t.Error("NewListener with a nil guard should return the listener unchanged")
	}
}

func TestIsSuspiciousPath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/.env", true},
		{"/.git/config", true},
		{"/WP-ADMIN/setup.php", true},
		{"/ws", false},
		{"/healthz", false},
		{"/", false},
	}
	for _, tt := range tests {
		if got := IsSuspiciousPath(tt.path); got != tt.want {
			t.Errorf("IsSuspiciousPath(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.Defense{})
	def := DefaultConfig()
	if cfg.MaxStrikes != def.MaxStrikes || cfg.Window != def.Window || cfg.BlockDuration != def.BlockDuration {
		t.Errorf("FromConfig(zero) = %+v, want defaults", cfg)
	}
	if len(cfg.Allow) != 2 || cfg.PersistPath != "" {
		t.Errorf("FromConfig(zero) = %+v", cfg)
	}

	cfg = FromConfig(config.Defense{
		MaxStrikes:    4,
		Window:        config.Duration(30 * time.Second),
		BlockDuration: config.Duration(time.Minute),
		Allow:         []string{},
	})
	if cfg.MaxStrikes != 4 || cfg.Window != 30*time.Second || cfg.BlockDuration != time.Minute || len(cfg.Allow) != 0 {
		t.Errorf("FromConfig() = %+v", cfg)
	}
}
