// Command acp-server is a scripted ACP agent speaking JSON-RPC over stdin
// and stdout, used by the integration tests in place of a real agent.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/inercia/conduit/internal/acptest"
)

var (
	scenario string
	delay    time.Duration
	verbose  bool
)

func main() {
	flag.StringVar(&scenario, "scenario", "echo", "Prompt script: echo, think, tool or slow")
	flag.DurationVar(&delay, "delay", 20*time.Millisecond, "Delay between answer chunks")
	flag.BoolVar(&verbose, "verbose", false, "Log received calls to stderr")
	flag.Parse()

	script, err := scriptFor(scenario)
	if err != nil {
		log.Fatal(err)
	}

	agent := acptest.New(os.Stdin, os.Stdout)
	agent.OnPrompt = func(turn *acptest.Turn) (string, *acptest.RPCError) {
		if verbose {
			fmt.Fprintf(os.Stderr, "[mock-acp] prompt %s: %q\n", turn.SessionID, turn.PromptText())
		}
		return script(turn)
	}
	agent.Start()
	<-agent.Done()
}

func scriptFor(name string) (acptest.PromptFunc, error) {
	switch name {
	case "echo":
		return acptest.Echo, nil
	case "think":
		return func(turn *acptest.Turn) (string, *acptest.RPCError) {
			turn.Thought("considering the question")
			time.Sleep(delay)
			turn.Text("echo: ")
			time.Sleep(delay)
			turn.Text(turn.PromptText())
			return "end_turn", nil
		}, nil
	case "tool":
		return func(turn *acptest.Turn) (string, *acptest.RPCError) {
			turn.ToolCall("tool-1", "Read go.mod", "read", map[string]string{"path": "go.mod"})
			choice, err := turn.RequestPermission("tool-1", "Read go.mod", acptest.StandardOptions)
			if err != nil {
				return "", &acptest.RPCError{Code: acptest.CodeInternalError, Message: err.Error()}
			}
			// A cancelled request has no option.
			if choice != "allow" && choice != "always" {
				turn.ToolCallUpdate("tool-1", "failed")
				turn.Text("permission denied")
				return "end_turn", nil
			}
			turn.ToolCallUpdate("tool-1", "completed")
			turn.Text("read go.mod")
			return "end_turn", nil
		}, nil
	case "slow":
		return func(turn *acptest.Turn) (string, *acptest.RPCError) {
			turn.Text("working")
			select {
			case <-turn.Cancelled():
				return "cancelled", nil
			case <-time.After(30 * time.Second):
				return "end_turn", nil
			}
		}, nil
	}
	return nil, fmt.Errorf("unknown scenario %q", name)
}
