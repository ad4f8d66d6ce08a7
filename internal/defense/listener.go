package defense

import (
	"net"
)

// Listener closes connections from blocked addresses as soon as they are
// accepted, before any bytes are read.
type Listener struct {
	net.Listener
	guard *Guard
}

// NewListener wraps l. With a nil guard it returns l unchanged.
func NewListener(l net.Listener, guard *Guard) net.Listener {
	if guard == nil {
		return l
	}
	return &Listener{Listener: l, guard: guard}
}

// Accept implements net.Listener.
func (l *Listener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		ip := ExtractIP(conn.RemoteAddr())
		if reason, blocked := l.guard.Blocked(ip); blocked {
			conn.Close()
			l.guard.logger.Debug("Connection rejected", "ip", ip, "reason", reason)
			continue
		}
		return conn, nil
	}
}
