package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/inercia/conduit"
)

// maxInputPreview is how much of a tool's raw input is shown when asking.
const maxInputPreview = 400

// consoleApprover asks the user at the terminal whether a tool call may
// run. Answering "always" approves that tool for the rest of the run.
type consoleApprover struct {
	mu     sync.Mutex
	in     *bufio.Reader
	out    io.Writer
	always map[string]bool
}

func newConsoleApprover(in io.Reader, out io.Writer) *consoleApprover {
	return &consoleApprover{
		in:     bufio.NewReader(in),
		out:    out,
		always: make(map[string]bool),
	}
}

// Decide implements conduit.DecideFunc. Only one question is asked at a
// time.
func (a *consoleApprover) Decide(ctx context.Context, req conduit.PermissionRequest) (conduit.Decision, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	name := req.ToolName
	if name == "" {
		name = req.ToolUseID
	}
	if a.always[name] {
		return conduit.Allow{}, nil
	}

	fmt.Fprintf(a.out, "\n🔐 The agent wants to run: %s", name)
	if req.Kind != "" {
		fmt.Fprintf(a.out, " (%s)", req.Kind)
	}
	fmt.Fprintln(a.out)
	if input := strings.TrimSpace(string(req.RawInput)); input != "" && input != "{}" && input != "null" {
		if len(input) > maxInputPreview {
			input = input[:maxInputPreview] + "..."
		}
		fmt.Fprintf(a.out, "   %s\n", input)
	}
	fmt.Fprint(a.out, "   Allow? [y]es / [n]o / [a]lways: ")

	answer, err := a.readLine(ctx)
	if err != nil {
		fmt.Fprintln(a.out)
		return conduit.Deny{Reason: "no answer at the console"}, nil
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return conduit.Allow{}, nil
	case "a", "always":
		a.always[name] = true
		return conduit.Allow{}, nil
	default:
		return conduit.Deny{Reason: "denied at the console"}, nil
	}
}

func (a *consoleApprover) readLine(ctx context.Context) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := a.in.ReadString('\n')
		if err == io.EOF && line != "" {
			err = nil
		}
		ch <- result{line, err}
	}()
	select {
	case r := <-ch:
		return r.line, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
