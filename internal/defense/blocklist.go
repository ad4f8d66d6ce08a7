package defense

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/netip"
	"time"

	"github.com/inercia/conduit/internal/fileutil"
)

// Entry is one blocked address.
type Entry struct {
	IP        string    `json:"ip"`
	Reason    string    `json:"reason"`
	Strikes   int       `json:"strikes"`
	BlockedAt time.Time `json:"blocked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (e Entry) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// parseAllow parses addresses and CIDR ranges. A bare address becomes a
// single-address prefix.
func parseAllow(list []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(list))
	for _, s := range list {
		if p, err := netip.ParsePrefix(s); err == nil {
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid allow entry %q: not an address or CIDR range", s)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// normalizeIP returns the canonical form of ip, with any port and IPv6
// zone removed and IPv4-mapped IPv6 addresses unmapped. Strings that are
// not addresses are returned unchanged.
func normalizeIP(ip string) string {
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ip
	}
	return addr.WithZone("").Unmap().String()
}

// ExtractIP returns the normalized address of addr.
func ExtractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return normalizeIP(addr.String())
}

// loadEntries reads persisted blocks, dropping expired ones. A missing
// file is not an error.
func loadEntries(path string, now time.Time) ([]Entry, error) {
	var entries []Entry
	if err := fileutil.ReadJSON(path, &entries); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	live := entries[:0]
	for _, e := range entries {
		if !e.expired(now) {
			live = append(live, e)
		}
	}
	return live, nil
}

func saveEntries(path string, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	return fileutil.WriteJSONAtomic(path, entries, 0o644)
}
