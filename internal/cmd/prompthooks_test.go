package cmd

import (
	"context"
	"errors"
	"io"
	"runtime"
	"strings"
	"testing"

	"github.com/inercia/conduit"
	"github.com/inercia/conduit/internal/msghooks"
)

type fakeLookup struct {
	def      string
	sessions map[string]conduit.Session
}

func (f fakeLookup) Session(id string) (conduit.Session, bool) {
	s, ok := f.sessions[id]
	return s, ok
}

func (f fakeLookup) DefaultSession() string { return f.def }

func TestStreamPrompt_Rewrite(t *testing.T) {
	rewrite := func(ctx context.Context, sessionID, text string) (string, []conduit.Attachment, error) {
		if text == "no" {
			return "", nil, errors.New("refused")
		}
		return strings.ToUpper(text), []conduit.Attachment{{Kind: "text_file", Name: "a.txt", Data: "x"}}, nil
	}

	s := &fakeStreamer{}
	if err := streamPrompt(context.Background(), s, io.Discard, "hi", rewrite); err != nil {
		t.Fatal(err)
	}
	if s.sent != "HI" {
		t.Errorf("sent %q, want HI", s.sent)
	}

	s = &fakeStreamer{}
	err := streamPrompt(context.Background(), s, io.Discard, "no", rewrite)
	if err == nil || !strings.Contains(err.Error(), "prompt hook") {
		t.Errorf("error = %v, want a prompt hook error", err)
	}
	if s.sent != "" {
		t.Errorf("refused prompt was sent: %q", s.sent)
	}
}

func TestPromptRewriter_NilPipeline(t *testing.T) {
	if promptRewriter(nil, fakeLookup{}) != nil {
		t.Error("promptRewriter(nil) should be nil")
	}
}

func TestPromptRewriter_UsesSessionDir(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	cwd := t.TempDir()
	p := msghooks.New([]*msghooks.Hook{{
		Name:    "where",
		When:    msghooks.WhenAll,
		Output:  msghooks.OutputAppend,
		Command: "sh",
		Args:    []string{"-c", `cat >/dev/null; printf '{"text":" @%s"}' "$CONDUIT_SESSION_ID"`},
	}}, nil)
	lookup := fakeLookup{
		def:      "sess-1",
		sessions: map[string]conduit.Session{"sess-1": {ID: "sess-1", Cwd: cwd}},
	}

	text, atts, err := promptRewriter(p, lookup)(context.Background(), "", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if text != "hi @sess-1" || len(atts) != 0 {
		t.Errorf("rewrite = %q, %v", text, atts)
	}
}
