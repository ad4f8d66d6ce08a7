package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/coder/acp-go-sdk"
)

// recordingHandler remembers notifications and answers requests through a
// Router.
type recordingHandler struct {
	Router
	mu     sync.Mutex
	events []string
}

func (h *recordingHandler) HandleNotification(ctx context.Context, method string, params json.RawMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, method+" "+string(params))
}

func (h *recordingHandler) seen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

type wireAgent struct {
	in  *bufio.Scanner
	out io.WriteCloser
}

func newPeerPair(t *testing.T, h Handler) (*Peer, *wireAgent) {
	t.Helper()
	clientR, agentW := io.Pipe()
	agentR, clientW := io.Pipe()
	p := NewPeer(clientW, clientR, h, nil)
	t.Cleanup(func() {
		p.Close()
		agentW.Close()
		clientW.Close()
	})
	return p, &wireAgent{in: bufio.NewScanner(agentR), out: agentW}
}

func (a *wireAgent) readMessage(t *testing.T) map[string]json.RawMessage {
	if !a.in.Scan() {
		t.Errorf("agent: no message: %v", a.in.Err())
		return nil
	}
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(a.in.Bytes(), &msg); err != nil {
		t.Errorf("agent: bad message %q: %v", a.in.Bytes(), err)
	}
	return msg
}

func (a *wireAgent) write(line string) {
	fmt.Fprintln(a.out, line)
}

func TestPeer_NotificationsHandledBeforeReply(t *testing.T) {
	h := &recordingHandler{}
	p, agent := newPeerPair(t, h)

	go func() {
		req := agent.readMessage(t)
		if req == nil {
			return
		}
		for i := range 3 {
			agent.write(fmt.Sprintf(`{"jsonrpc":"2.0","method":"session/update","params":{"n":%d}}`, i))
		}
		agent.write("not json at all")
		agent.write(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{"stopReason":"end_turn"}}`, req["id"]))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var res acp.PromptResponse
	if err := p.Call(ctx, MethodSessionPrompt, map[string]string{"sessionId": "s"}, &res); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if res.StopReason != "end_turn" {
		t.Errorf("StopReason = %q", res.StopReason)
	}

	events := h.seen()
	if len(events) != 3 {
		t.Fatalf("handled %d notifications before reply, want 3", len(events))
	}
	for i, ev := range events {
		if want := fmt.Sprintf(`session/update {"n":%d}`, i); ev != want {
			t.Errorf("event %d = %q, want %q", i, ev, want)
		}
	}
	if p.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", p.Dropped())
	}
}

func TestPeer_AnswersAgentRequests(t *testing.T) {
	h := &recordingHandler{Router: Router{Terminal: &StubTerminalHandler{}}}
	_, agent := newPeerPair(t, h)

	agent.write(`{"jsonrpc":"2.0","id":7,"method":"terminal/create","params":{"sessionId":"s","command":"ls"}}`)
	resp := agent.readMessage(t)
	if string(resp["id"]) != "7" {
		t.Fatalf("reply id = %s", resp["id"])
	}
	var result struct {
		TerminalID string `json:"terminalId"`
	}
	if err := json.Unmarshal(resp["result"], &result); err != nil || result.TerminalID != "term-1" {
		t.Errorf("result = %s (%v)", resp["result"], err)
	}

	agent.write(`{"jsonrpc":"2.0","id":8,"method":"unknown/method","params":{}}`)
	resp = agent.readMessage(t)
	var rpcErr struct {
		Code int `json:"code"`
	}
	if err := json.Unmarshal(resp["error"], &rpcErr); err != nil || rpcErr.Code != codeMethodNotFound {
		t.Errorf("error = %s (%v)", resp["error"], err)
	}

	if len(h.seen()) != 0 {
		t.Error("requests must not reach the notification handler")
	}
}

func TestPeer_DoneWhenAgentExits(t *testing.T) {
	p, agent := newPeerPair(t, &recordingHandler{})
	agent.out.Close()

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done not closed after agent output closed")
	}
}
