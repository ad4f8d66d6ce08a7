package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/inercia/conduit"
	"github.com/inercia/conduit/internal/config"
)

var sessionsAll bool

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect the agent's sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the sessions the agent keeps",
	Long: `Start the agent and list the sessions it keeps for the working
directory (--dir, or the current directory). With --all, list the
sessions of every directory.

The agent must support session listing.`,
	Args: cobra.NoArgs,
	RunE: runSessionsList,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd)

	sessionsListCmd.Flags().BoolVar(&sessionsAll, "all", false, "List sessions of every directory")
}

func runSessionsList(cmd *cobra.Command, args []string) error {
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
	opts, err := clientOptions(agent, dir, conduit.DenyAll("listing sessions"))
	if err != nil {
		return err
	}
	client, err := connect(ctx, agent, opts)
	if err != nil {
		return err
	}
	defer func() {
		dctx, dcancel := context.WithTimeout(context.Background(), config.DefaultControlTimeout)
		defer dcancel()
		client.Disconnect(dctx)
	}()

	if !client.Capabilities().Sessions.List {
		return fmt.Errorf("agent %s does not support listing sessions", agent.Name)
	}
	cwd := dir
	if sessionsAll {
		cwd = ""
	}
	sessions, err := client.ListSessions(ctx, cwd)
	if err != nil {
		return err
	}
	return printSessions(cmd.OutOrStdout(), sessions)
}

func printSessions(w io.Writer, sessions []conduit.SessionSummary) error {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUPDATED\tTITLE\tCWD")
	for _, s := range sessions {
		title := s.Title
		if title == "" {
			title = "-"
		}
		updated := s.UpdatedAt
		if updated == "" {
			updated = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID, updated, truncate(title, 50), s.Cwd)
	}
	return tw.Flush()
}
