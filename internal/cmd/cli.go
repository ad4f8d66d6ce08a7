package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/reeflective/readline"
	"github.com/spf13/cobra"

	"github.com/inercia/conduit"
	"github.com/inercia/conduit/internal/appdir"
	"github.com/inercia/conduit/internal/gateway"
	"github.com/inercia/conduit/internal/hooks"
	"github.com/inercia/conduit/internal/logging"
)

var (
	// CLI-specific flags
	oncePrompt string
)

// cliCmd represents the cli command
var cliCmd = &cobra.Command{
	Use:   "cli",
	Short: "Interactive command-line interface for an ACP agent",
	Long: `Start an interactive session with an ACP agent.

This command launches the configured agent and provides a
readline-based interface for sending prompts and streaming the
agent's answers.

Use --once to send a single prompt and exit:
  conduit cli --once "What is the capital of France?"

Commands (interactive mode only):
  /quit, /exit      - Exit the CLI
  /cancel           - Cancel the current turn
  /new [dir]        - Start a new session
  /sessions         - List the sessions of this connection
  /mode <id>        - Switch the session mode
  /model <id>       - Switch the session model
  /help             - Show available commands`,
	RunE: runCLI,
}

func init() {
	rootCmd.AddCommand(cliCmd)

	cliCmd.Flags().StringVar(&oncePrompt, "once", "", "Send a single prompt and exit (non-interactive mode)")
}

func runCLI(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agent, err := selectedAgent(ctx)
	if err != nil {
		return err
	}
	dir, err := sessionDir(agent)
	if err != nil {
		return err
	}

	isOnceMode := oncePrompt != ""
	if !isOnceMode || debug {
		fmt.Printf("🚀 Starting agent: %s\n", agent.Name)
		fmt.Printf("   Command: %s\n", agent.Command)
	}

	console := newConsoleApprover(os.Stdin, os.Stdout)
	decide, err := permissionDecider(ctx, console.Decide)
	if err != nil {
		return err
	}
	opts, err := clientOptions(agent, dir, decide)
	if err != nil {
		return err
	}
	client, err := connect(ctx, agent, opts)
	if err != nil {
		return err
	}

	sm := hooks.NewShutdownManager(ctx)
	disconnectOnShutdown(sm, client)
	sm.AddCleanup(func(reason string) {
		if !isOnceMode && strings.HasPrefix(reason, "signal:") {
			fmt.Println("\n\n👋 Shutting down...")
		}
	})
	sm.Start()
	defer sm.Shutdown("exit")
	ctx = sm.Context()

	if _, err := openSession(ctx, client, dir); err != nil {
		return err
	}

	rewrite := promptRewriter(loadPromptHooks(), client)
	if isOnceMode {
		err := streamPrompt(ctx, client, os.Stdout, oncePrompt, rewrite)
		fmt.Println()
		return err
	}
	return runInteractiveLoop(ctx, client, rewrite)
}

// promptStreamer is the part of *conduit.Client that streams a prompt.
type promptStreamer interface {
	SendPrompt(ctx context.Context, text string, opts ...conduit.PromptOption) error
	RecvUpdate(ctx context.Context) (conduit.Update, error)
}

// streamPrompt sends text, after rewrite when set, and writes the agent's
// answer to w as it arrives. Thoughts and tool calls are shown as short
// status lines.
func streamPrompt(ctx context.Context, c promptStreamer, w io.Writer, text string, rewrite gateway.RewriteFunc) error {
	var opts []conduit.PromptOption
	if rewrite != nil {
		rewritten, atts, err := rewrite(ctx, "", text)
		if err != nil {
			return fmt.Errorf("prompt hook: %w", err)
		}
		text = rewritten
		if len(atts) > 0 {
			opts = append(opts, conduit.WithAttachments(atts...))
		}
	}
	if err := c.SendPrompt(ctx, text, opts...); err != nil {
		return fmt.Errorf("prompt error: %w", err)
	}
	thinking := false
	for {
		u, err := c.RecvUpdate(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("prompt error: %w", err)
		}
		if thinking && u.Kind != conduit.UpdateThought {
			fmt.Fprintln(w)
			thinking = false
		}
		switch u.Kind {
		case conduit.UpdateText:
			fmt.Fprint(w, u.Text)
		case conduit.UpdateThought:
			if !thinking {
				fmt.Fprint(w, "💭 ")
				thinking = true
			}
			fmt.Fprint(w, u.Text)
		case conduit.UpdateToolStart:
			fmt.Fprintf(w, "\n🔧 %s\n", u.ToolName)
		case conduit.UpdateToolEnd:
			if u.Status == "failed" {
				fmt.Fprintf(w, "❌ tool %s failed\n", u.ToolUseID)
			}
		case conduit.UpdateMode:
			fmt.Fprintf(w, "\n🔀 mode: %s\n", u.Text)
		case conduit.UpdateDone:
			if u.StopReason != "" && u.StopReason != "end_turn" {
				fmt.Fprintf(w, "\n⏹  %s\n", u.StopReason)
			}
			return nil
		}
	}
}

type slashCommand struct {
	name        string
	description string
}

// slashCommands defines the available slash commands with their descriptions.
var slashCommands = []slashCommand{
	{"/help", "Show available commands"},
	{"/h", "Show available commands (alias)"},
	{"/?", "Show available commands (alias)"},
	{"/quit", "Exit the CLI"},
	{"/exit", "Exit the CLI (alias)"},
	{"/q", "Exit the CLI (alias)"},
	{"/cancel", "Cancel the current turn"},
	{"/new", "Start a new session"},
	{"/sessions", "List the sessions of this connection"},
	{"/mode", "Switch the session mode"},
	{"/model", "Switch the session model"},
}

func runInteractiveLoop(ctx context.Context, client *conduit.Client, rewrite gateway.RewriteFunc) error {
	rl := readline.NewShell()
	rl.Prompt.Primary(func() string { return "conduit> " })

	if path, err := appdir.HistoryPath(); err == nil {
		rl.History.AddFromFile("default", path)
	} else {
		rl.History.Add("default", readline.NewInMemoryHistory())
	}

	rl.Completer = func(line []rune, cursor int) readline.Completions {
		return completeInput(string(line), cursor)
	}

	fmt.Println("\n📝 Type your message and press Enter. Use /help for commands. Tab completes commands.")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-client.Done():
			return fmt.Errorf("connection closed")
		default:
		}

		line, err := rl.Readline()
		if err != nil {
			if err == io.EOF || err == readline.ErrInterrupt {
				fmt.Println("\n👋 Goodbye!")
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := handleCommand(ctx, client, os.Stdout, line); quit {
				return nil
			}
			continue
		}

		fmt.Println()
		if err := streamPrompt(ctx, client, os.Stdout, line, rewrite); err != nil {
			fmt.Printf("\n❌ Error: %v\n", err)
			logging.Get().Debug("Prompt failed", "error", err)
		}
		fmt.Println()
	}
}

// commandTarget is the part of *conduit.Client slash commands use.
type commandTarget interface {
	CancelSession(ctx context.Context, sessionID string) error
	NewSession(ctx context.Context, cwd string, opts conduit.SessionOptions) (string, error)
	SetSessionMode(ctx context.Context, sessionID, modeID string) error
	SetModel(ctx context.Context, sessionID, modelID string) error
	Sessions() []conduit.Session
	DefaultSession() string
}

// handleCommand runs a slash command and reports whether the CLI should
// exit.
func handleCommand(ctx context.Context, c commandTarget, w io.Writer, line string) bool {
	parts := strings.Fields(strings.TrimPrefix(line, "/"))
	if len(parts) == 0 {
		fmt.Fprintln(w, "❓ Empty command (use /help for available commands)")
		return false
	}
	name, args := strings.ToLower(parts[0]), parts[1:]

	switch name {
	case "quit", "exit", "q":
		fmt.Fprintln(w, "👋 Goodbye!")
		return true
	case "cancel":
		if err := c.CancelSession(ctx, ""); err != nil {
			fmt.Fprintf(w, "❌ Cancel error: %v\n", err)
		} else {
			fmt.Fprintln(w, "🛑 Cancelled")
		}
	case "new":
		dir := ""
		if len(args) > 0 {
			dir = args[0]
		}
		id, err := c.NewSession(ctx, dir, conduit.SessionOptions{})
		if err != nil {
			fmt.Fprintf(w, "❌ New session error: %v\n", err)
		} else {
			fmt.Fprintf(w, "✨ New session %s\n", id)
		}
	case "sessions":
		current := c.DefaultSession()
		for _, s := range c.Sessions() {
			marker := " "
			if s.ID == current {
				marker = "*"
			}
			state := ""
			if !s.Active {
				state = " (closed)"
			}
			fmt.Fprintf(w, "%s %s  %s%s\n", marker, s.ID, s.Cwd, state)
		}
	case "mode", "model":
		if len(args) != 1 {
			fmt.Fprintf(w, "❓ Usage: /%s <id>\n", name)
			return false
		}
		set := c.SetSessionMode
		if name == "model" {
			set = c.SetModel
		}
		if err := set(ctx, "", args[0]); err != nil {
			fmt.Fprintf(w, "❌ %s error: %v\n", name, err)
		} else {
			fmt.Fprintf(w, "✅ %s set to %s\n", name, args[0])
		}
	case "help", "h", "?":
		printHelp(w)
	default:
		fmt.Fprintf(w, "❓ Unknown command: %s (use /help for available commands)\n", parts[0])
	}
	return false
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, `
Available commands:
  /quit, /exit, /q  - Exit the CLI
  /cancel           - Cancel the current turn
  /new [dir]        - Start a new session
  /sessions         - List the sessions of this connection
  /mode <id>        - Switch the session mode
  /model <id>       - Switch the session model
  /help, /h, /?     - Show this help message

Tips:
  - Type your message and press Enter to send it to the agent
  - Use Ctrl+C to exit gracefully
  - Use up/down arrows for command history
  - Use Tab to autocomplete slash commands`)
}

// matchCommands returns the slash commands that start with text.
func matchCommands(text string) []slashCommand {
	if !strings.HasPrefix(text, "/") {
		return nil
	}
	var matches []slashCommand
	for _, cmd := range slashCommands {
		if strings.HasPrefix(cmd.name, text) {
			matches = append(matches, cmd)
		}
	}
	return matches
}

// completeInput provides tab completion for the CLI input.
// It completes slash commands when the input starts with "/".
func completeInput(line string, cursor int) readline.Completions {
	if cursor > len(line) {
		cursor = len(line)
	}
	matches := matchCommands(line[:cursor])
	if len(matches) == 0 {
		return readline.Completions{}
	}

	// Format: value1, desc1, value2, desc2, ...
	pairs := make([]string, 0, len(matches)*2)
	for _, match := range matches {
		pairs = append(pairs, match.name, match.description)
	}

	return readline.CompleteValuesDescribed(pairs...).
		Tag("commands").
		NoSpace('/')
}
