package conduit

import (
	"errors"
	"fmt"
	"strings"

	"github.com/inercia/conduit/internal/runner"
)

// DefaultConductor runs a proxy chain in front of an agent. It is given each
// proxy command line followed by the agent command line, and speaks ACP on
// its own stdio.
const DefaultConductor = "sacp-conductor agent"

// Proxy is one component of a proxy chain: an ACP process that sits between
// the client and the agent and may rewrite traffic in both directions.
type Proxy struct {
	Name    string
	Command string
}

// ProxyChain is an ordered list of proxies. Messages from the client pass
// through them first to last before reaching the agent. The zero value is
// an empty chain.
type ProxyChain struct {
	proxies []Proxy
}

// NewProxyChain returns a chain holding proxies in order.
func NewProxyChain(proxies ...Proxy) *ProxyChain {
	return &ProxyChain{proxies: append([]Proxy(nil), proxies...)}
}

// Add appends p to the end of the chain, next to the agent.
func (c *ProxyChain) Add(p Proxy) *ProxyChain {
	c.proxies = append(c.proxies, p)
	return c
}

// Insert puts p at index, shifting later proxies towards the agent. Index
// may equal Len.
func (c *ProxyChain) Insert(index int, p Proxy) error {
	if index < 0 || index > len(c.proxies) {
		return fmt.Errorf("proxy index %d out of range [0, %d]", index, len(c.proxies))
	}
	c.proxies = append(c.proxies, Proxy{})
	copy(c.proxies[index+1:], c.proxies[index:])
	c.proxies[index] = p
	return nil
}

// Proxies returns a copy of the chain.
func (c *ProxyChain) Proxies() []Proxy {
	if c == nil {
		return nil
	}
	return append([]Proxy(nil), c.proxies...)
}

// Len returns the number of proxies. A nil chain is empty.
func (c *ProxyChain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.proxies)
}

// Clear removes every proxy.
func (c *ProxyChain) Clear() {
	c.proxies = nil
}

func (c *ProxyChain) String() string {
	if c.Len() == 0 {
		return "ProxyChain(empty)"
	}
	names := make([]string, len(c.proxies))
	for i, p := range c.proxies {
		names[i] = p.Name
		if names[i] == "" {
			names[i] = p.Command
		}
	}
	return "ProxyChain(" + strings.Join(names, " -> ") + ")"
}

// CommandLine returns the command line that starts conductor with every
// proxy and then agent as arguments.
func (c *ProxyChain) CommandLine(conductor, agent string) (string, error) {
	argv, err := runner.ParseCommand(conductor)
	if err != nil {
		return "", fmt.Errorf("conductor: %w", err)
	}
	if strings.TrimSpace(agent) == "" {
		return "", errors.New("agent command must not be empty")
	}
	for i, p := range c.Proxies() {
		if strings.TrimSpace(p.Command) == "" {
			return "", fmt.Errorf("proxy %d (%s) has no command", i, p.Name)
		}
		argv = append(argv, p.Command)
	}
	return runner.JoinCommand(append(argv, agent)), nil
}
