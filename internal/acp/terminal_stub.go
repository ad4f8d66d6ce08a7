package acp

import (
	"context"
	"fmt"
	"sync"

	"github.com/coder/acp-go-sdk"
)

// TerminalHandler serves the agent's terminal/* requests.
type TerminalHandler interface {
	CreateTerminal(ctx context.Context, params acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error)
	TerminalOutput(ctx context.Context, params acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error)
	ReleaseTerminal(ctx context.Context, params acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error)
	WaitForTerminalExit(ctx context.Context, params acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error)
	KillTerminalCommand(ctx context.Context, params acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error)
}

// StubTerminalHandler hands out terminal ids without running anything.
// Terminal capability is not advertised, so only agents that ignore the
// capabilities ever reach it. Ids are "term-1", "term-2", ...; requests for
// an id that was never created (or already released) fail.
type StubTerminalHandler struct {
	mu   sync.Mutex
	next int
	live map[string]bool
}

var _ TerminalHandler = (*StubTerminalHandler)(nil)

func (s *StubTerminalHandler) lookup(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live[id] {
		return fmt.Errorf("unknown terminal %q", id)
	}
	return nil
}

// Live returns the number of created and not yet released terminals.
func (s *StubTerminalHandler) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

func (s *StubTerminalHandler) CreateTerminal(ctx context.Context, params acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live == nil {
		s.live = make(map[string]bool)
	}
	s.next++
	id := fmt.Sprintf("term-%d", s.next)
	s.live[id] = true
	return acp.CreateTerminalResponse{TerminalId: id}, nil
}

func (s *StubTerminalHandler) TerminalOutput(ctx context.Context, params acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	if err := s.lookup(params.TerminalId); err != nil {
		return acp.TerminalOutputResponse{}, err
	}
	return acp.TerminalOutputResponse{Output: "", Truncated: false}, nil
}

func (s *StubTerminalHandler) ReleaseTerminal(ctx context.Context, params acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	if err := s.lookup(params.TerminalId); err != nil {
		return acp.ReleaseTerminalResponse{}, err
	}
	s.mu.Lock()
	delete(s.live, params.TerminalId)
	s.mu.Unlock()
	return acp.ReleaseTerminalResponse{}, nil
}

func (s *StubTerminalHandler) WaitForTerminalExit(ctx context.Context, params acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	if err := s.lookup(params.TerminalId); err != nil {
		return acp.WaitForTerminalExitResponse{}, err
	}
	return acp.WaitForTerminalExitResponse{}, nil
}

func (s *StubTerminalHandler) KillTerminalCommand(ctx context.Context, params acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	if err := s.lookup(params.TerminalId); err != nil {
		return acp.KillTerminalCommandResponse{}, err
	}
	return acp.KillTerminalCommandResponse{}, nil
}
