// Package commands implements the chime CLI commands using cobra.
package commands

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jholhewres/chime/pkg/chime/engine"
)

// NewRootCmd creates the CLI root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "chime",
		Short: "Chime - group chat reply decision engine",
		Long: `Chime decides when a chat bot should join a group conversation:
reply probability, attention tracking, judge AI, proactive messages.

Examples:
  chime serve --config ./config.yaml
  chime simulate
  chime setup
  chime key set`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newSimulateCmd(),
		newSetupCmd(),
		newKeyCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// loadConfig resolves the config path flag and loads the configuration.
func loadConfig(cmd *cobra.Command, logger *slog.Logger) (engine.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = "config.yaml"
	}
	return engine.Load(path, logger)
}

// newLogger builds the CLI logger honoring the verbose flag.
func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
