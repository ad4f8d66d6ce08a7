// Package defense blocks clients that misbehave on the gateway. Failed
// authentication, rate limit violations, malformed frames and requests for
// scanner paths each count as a strike; an address that collects too many strikes
// within the window is refused for a while.
package defense

import (
	"path/filepath"
	"time"

	"github.com/inercia/conduit/internal/appdir"
	"github.com/inercia/conduit/internal/config"
)

// BlocklistFileName is the file blocks are persisted to in the conduit
// directory.
const BlocklistFileName = "blocklist.json"

// Config configures a Guard.
type Config struct {
	// MaxStrikes is the number of strikes within Window that blocks an
	// address.
	MaxStrikes int
	Window     time.Duration
	// BlockDuration is how long a blocked address stays blocked.
	BlockDuration time.Duration
	// Allow lists addresses and CIDR ranges that are never blocked.
	Allow []string
	// PersistPath, when set, keeps blocks across restarts.
	PersistPath string
}

// DefaultConfig returns the defaults: 10 strikes a minute block an address
// for an hour. Loopback addresses are never blocked.
func DefaultConfig() Config {
	return Config{
		MaxStrikes:    10,
		Window:        time.Minute,
		BlockDuration: time.Hour,
		Allow:         []string{"127.0.0.0/8", "::1/128"},
	}
}

// FromConfig fills the defaults in for the fields d leaves unset.
func FromConfig(d config.Defense) Config {
	cfg := DefaultConfig()
	if d.MaxStrikes > 0 {
		cfg.MaxStrikes = d.MaxStrikes
	}
	cfg.Window = d.Window.Or(cfg.Window)
	cfg.BlockDuration = d.BlockDuration.Or(cfg.BlockDuration)
	if d.Allow != nil {
		cfg.Allow = d.Allow
	}
	if d.Persist {
		if dir, err := appdir.Dir(); err == nil {
			cfg.PersistPath = filepath.Join(dir, BlocklistFileName)
		}
	}
	return cfg
}
