package gateway

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SecurityConfig holds the limits applied to every WebSocket connection.
type SecurityConfig struct {
	// AllowedOrigins lists the origins browsers may connect from. Empty
	// means same-origin only; "*" allows any origin.
	AllowedOrigins []string

	// MaxMessageSize is the largest frame accepted from a client.
	// Default: 64KB
	MaxMessageSize int64

	// MaxConnectionsPerIP caps concurrent connections from one address.
	// Default: 10
	MaxConnectionsPerIP int

	// PongWait is the time to wait for a pong response.
	// Default: 60 seconds
	PongWait time.Duration

	// PingPeriod is the interval between pings. Must be less than PongWait.
	// Default: 54 seconds
	PingPeriod time.Duration

	// WriteWait is the time allowed to write a frame.
	// Default: 10 seconds
	WriteWait time.Duration
}

// DefaultSecurityConfig returns the default limits.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		MaxMessageSize:      64 * 1024,
		MaxConnectionsPerIP: 10,
		PongWait:            60 * time.Second,
		PingPeriod:          54 * time.Second,
		WriteWait:           10 * time.Second,
	}
}

func (c SecurityConfig) withDefaults() SecurityConfig {
	d := DefaultSecurityConfig()
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.MaxConnectionsPerIP <= 0 {
		c.MaxConnectionsPerIP = d.MaxConnectionsPerIP
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	return c
}

// ConnectionTracker counts WebSocket connections per IP.
type ConnectionTracker struct {
	mu          sync.Mutex
	connections map[string]int
	maxPerIP    int
}

func NewConnectionTracker(maxPerIP int) *ConnectionTracker {
	return &ConnectionTracker{
		connections: make(map[string]int),
		maxPerIP:    maxPerIP,
	}
}

// TryAdd reserves a slot for ip. It returns false when ip is at its limit.
func (ct *ConnectionTracker) TryAdd(ip string) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	current := ct.connections[ip]
	if current >= ct.maxPerIP {
		return false
	}
	ct.connections[ip] = current + 1
	return true
}

// Remove releases a slot reserved by TryAdd.
func (ct *ConnectionTracker) Remove(ip string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	current := ct.connections[ip]
	if current <= 1 {
		delete(ct.connections, ip)
	} else {
		ct.connections[ip] = current - 1
	}
}

// Count returns the current connection count for an IP.
func (ct *ConnectionTracker) Count(ip string) int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.connections[ip]
}

// Total returns the number of tracked connections.
func (ct *ConnectionTracker) Total() int {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	total := 0
	for _, count := range ct.connections {
		total += count
	}
	return total
}

func newUpgrader(cfg SecurityConfig) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
}

func originChecker(allowedOrigins []string) func(*http.Request) bool {
	allowed := make(map[string]bool)
	allowAll := false
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
			break
		}
		allowed[strings.ToLower(origin)] = true
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// Non-browser clients send no Origin.
		if origin == "" || allowAll {
			return true
		}
		originURL, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if len(allowed) > 0 {
			return allowed[strings.ToLower(origin)] || allowed[strings.ToLower(originURL.Host)]
		}
		return isSameOrigin(r, originURL)
	}
}

// isSameOrigin reports whether origin names the host and port the request
// was sent to.
func isSameOrigin(r *http.Request, originURL *url.URL) bool {
	reqHost, reqPort := splitHostPort(r.Host)
	originHost, originPort := splitHostPort(originURL.Host)
	if !strings.EqualFold(reqHost, originHost) {
		return false
	}
	if originPort == "" {
		originPort = defaultPort(originURL.Scheme)
	}
	if reqPort == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		reqPort = defaultPort(scheme)
	}
	return reqPort == originPort
}

func splitHostPort(hostport string) (string, string) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, ""
	}
	return host, port
}

func defaultPort(scheme string) string {
	switch scheme {
	case "https", "wss":
		return "443"
	default:
		return "80"
	}
}

func configureConn(conn *websocket.Conn, cfg SecurityConfig) {
	conn.SetReadLimit(cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		return nil
	})
}

// remoteIP is the address the connection came from. The gateway does not
// trust forwarding headers.
func remoteIP(r *http.Request) string {
	host, _ := splitHostPort(r.RemoteAddr)
	return host
}
