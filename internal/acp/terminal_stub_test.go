package acp

import (
	"context"
	"testing"

	"github.com/coder/acp-go-sdk"
)

func TestStubTerminalHandler_Lifecycle(t *testing.T) {
	handler := &StubTerminalHandler{}
	ctx := context.Background()

	first, err := handler.CreateTerminal(ctx, acp.CreateTerminalRequest{})
	if err != nil {
		t.Fatalf("CreateTerminal failed: %v", err)
	}
	if first.TerminalId != "term-1" {
		t.Errorf("TerminalId = %q, want term-1", first.TerminalId)
	}
	second, _ := handler.CreateTerminal(ctx, acp.CreateTerminalRequest{})
	if second.TerminalId != "term-2" {
		t.Errorf("TerminalId = %q, want term-2", second.TerminalId)
	}
	if handler.Live() != 2 {
		t.Errorf("Live() = %d, want 2", handler.Live())
	}

	out, err := handler.TerminalOutput(ctx, acp.TerminalOutputRequest{TerminalId: "term-1"})
	if err != nil {
		t.Fatalf("TerminalOutput failed: %v", err)
	}
	if out.Output != "" || out.Truncated {
		t.Errorf("unexpected output %+v", out)
	}
	if _, err := handler.WaitForTerminalExit(ctx, acp.WaitForTerminalExitRequest{TerminalId: "term-1"}); err != nil {
		t.Errorf("WaitForTerminalExit failed: %v", err)
	}
	if _, err := handler.KillTerminalCommand(ctx, acp.KillTerminalCommandRequest{TerminalId: "term-1"}); err != nil {
		t.Errorf("KillTerminalCommand failed: %v", err)
	}

	if _, err := handler.ReleaseTerminal(ctx, acp.ReleaseTerminalRequest{TerminalId: "term-1"}); err != nil {
		t.Fatalf("ReleaseTerminal failed: %v", err)
	}
	if handler.Live() != 1 {
		t.Errorf("Live() = %d after release, want 1", handler.Live())
	}
	if _, err := handler.TerminalOutput(ctx, acp.TerminalOutputRequest{TerminalId: "term-1"}); err == nil {
		t.Error("expected error for released terminal")
	}
}

func TestStubTerminalHandler_UnknownID(t *testing.T) {
	handler := &StubTerminalHandler{}
	ctx := context.Background()

	if _, err := handler.TerminalOutput(ctx, acp.TerminalOutputRequest{TerminalId: "nope"}); err == nil {
		t.Error("TerminalOutput: expected error")
	}
	if _, err := handler.ReleaseTerminal(ctx, acp.ReleaseTerminalRequest{TerminalId: "nope"}); err == nil {
		t.Error("ReleaseTerminal: expected error")
	}
	if _, err := handler.KillTerminalCommand(ctx, acp.KillTerminalCommandRequest{TerminalId: "nope"}); err == nil {
		t.Error("KillTerminalCommand: expected error")
	}
}
