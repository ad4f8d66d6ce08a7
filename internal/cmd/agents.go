package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/inercia/conduit/internal/config"
	"github.com/inercia/conduit/internal/registry"
)

var (
	agentsFromRegistry bool
	agentsRefresh      bool
	agentsSearch       string
	resolvePrefer      string
)

// agentsCmd represents the agents parent command
var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List and resolve ACP agents",
	Long: `List the agents in the configuration or in the ACP registry, and
resolve registry agents to the command line that runs them here.`,
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured agents, or registry agents with --registry",
	Long: `List the agents in the configuration file. With --registry, list the
agents published in the ACP registry instead.

Examples:
  conduit agents list
  conduit agents list --registry
  conduit agents list --registry --search gemini
  conduit agents list --registry --refresh`,
	Args: cobra.NoArgs,
	RunE: runAgentsList,
}

var agentsResolveCmd = &cobra.Command{
	Use:   "resolve <registry-id>",
	Short: "Print the command line that runs a registry agent",
	Long: `Resolve a registry agent to a command line for this platform.

Distributions are tried in the order npx, uvx, binary; --prefer moves
one kind to the front. Kinds whose runtime is not installed are skipped.

Examples:
  conduit agents resolve claude-code-acp
  conduit agents resolve codex-acp --prefer binary`,
	Args: cobra.ExactArgs(1),
	RunE: runAgentsResolve,
}

func init() {
	rootCmd.AddCommand(agentsCmd)
	agentsCmd.AddCommand(agentsListCmd)
	agentsCmd.AddCommand(agentsResolveCmd)

	agentsListCmd.Flags().BoolVar(&agentsFromRegistry, "registry", false, "List agents from the ACP registry")
	agentsListCmd.Flags().BoolVar(&agentsRefresh, "refresh", false, "Fetch the registry even if the cache is fresh")
	agentsListCmd.Flags().StringVar(&agentsSearch, "search", "", "Only list registry agents matching this keyword")
	agentsResolveCmd.Flags().StringVar(&resolvePrefer, "prefer", "", "Distribution kind to try first: npx, uvx or binary")
}

func runAgentsList(cmd *cobra.Command, args []string) error {
	if !agentsFromRegistry {
		return printConfiguredAgents(cmd.OutOrStdout(), cfg)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	client := registry.FromConfig(cfg.Registry)
	if agentsRefresh {
		if _, err := client.Refresh(ctx); err != nil {
			return err
		}
	}
	var (
		agents []registry.Agent
		err    error
	)
	if agentsSearch != "" {
		agents, err = client.Search(ctx, agentsSearch)
	} else {
		agents, err = client.Agents(ctx)
	}
	if err != nil {
		return err
	}
	return printRegistryAgents(cmd.OutOrStdout(), agents)
}

func runAgentsResolve(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	command, err := registry.FromConfig(cfg.Registry).Resolve(ctx, args[0], resolvePrefer)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), command.String())
	if len(command.Env) > 0 {
		fmt.Fprintf(os.Stderr, "# via %s, with environment: %s\n", command.Kind, formatEnv(command.Env))
	}
	return nil
}

func printConfiguredAgents(w io.Writer, c *config.Config) error {
	if c == nil || len(c.Agents) == 0 {
		fmt.Fprintln(w, "No agents configured. Try: conduit agents list --registry")
		return nil
	}
	def := c.DefaultAgentConfig()
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSOURCE\tCOMMAND")
	for _, a := range c.Agents {
		name := a.Name
		if def != nil && def.Name == a.Name {
			name += " (default)"
		}
		source, command := "command", a.Command
		if a.Command == "" {
			source, command = "registry", a.Registry
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", name, source, command)
	}
	return tw.Flush()
}

func printRegistryAgents(w io.Writer, agents []registry.Agent) error {
	if len(agents) == 0 {
		fmt.Fprintln(w, "No agents found.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVERSION\tDISTRIBUTION\tDESCRIPTION")
	for _, a := range agents {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.ID, a.Version, strings.Join(a.Distribution.Kinds(), ","), truncate(a.Description, 60))
	}
	return tw.Flush()
}

func formatEnv(env map[string]string) string {
	pairs := make([]string, 0, len(env))
	for k, v := range env {
		pairs = append(pairs, k+"="+v)
	}
	slices.Sort(pairs)
	return strings.Join(pairs, " ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
