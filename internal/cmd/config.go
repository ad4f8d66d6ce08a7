package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	embeddedconfig "github.com/inercia/conduit/config"
	"github.com/inercia/conduit/internal/config"
)

var (
	configOutputPath string
	configForce      bool
)

// configCmd represents the config parent command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage conduit configuration",
}

// configCreateCmd represents the config create subcommand
var configCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a default configuration file",
	Long: `Write the default configuration to the path conduit reads it from
(see --config), or to --output.

Examples:
  conduit config create
  conduit config create --output ./conduit.yaml
  conduit config create --force`,
	Args: cobra.NoArgs,
	RunE: runConfigCreate,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file conduit reads",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), defaultConfigTarget())
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configCreateCmd)
	configCmd.AddCommand(configPathCmd)

	configCreateCmd.Flags().StringVarP(&configOutputPath, "output", "o", "", "File to write (default: the configuration path)")
	configCreateCmd.Flags().BoolVarP(&configForce, "force", "f", false, "Overwrite an existing file")
}

func defaultConfigTarget() string {
	if configPath != "" {
		return config.ExpandPath(configPath)
	}
	return config.DefaultConfigPath()
}

func runConfigCreate(cmd *cobra.Command, args []string) error {
	path := configOutputPath
	if path == "" {
		path = defaultConfigTarget()
	}
	return writeDefaultConfig(cmd.OutOrStdout(), config.ExpandPath(path), configForce)
}

// writeDefaultConfig writes the embedded default configuration to path. An
// existing file is left alone unless force is set.
func writeDefaultConfig(w io.Writer, path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		fmt.Fprintf(w, "⚠️  Configuration file already exists: %s\n", path)
		fmt.Fprintln(w, "Use --force to overwrite the existing file.")
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, embeddedconfig.DefaultConfigYAML, 0o644); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}

	fmt.Fprintf(w, "✅ Configuration file created: %s\n", path)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Next steps:")
	fmt.Fprintln(w, "  1. Review the agents and permissions sections")
	fmt.Fprintln(w, "  2. Run 'conduit agents list' to check the agents")
	fmt.Fprintln(w, "  3. Run 'conduit cli' to start a session")
	return nil
}
