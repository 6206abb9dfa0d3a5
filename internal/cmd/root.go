package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for healloop
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "healloop",
		Short: "Build-test-heal loop for generated web projects",
		Long: `healloop installs, builds and starts a project, classifies whatever
breaks, applies deterministic fixes or delegates surgical repairs, and
repeats until the project is healthy or the iteration budget runs out.

State is kept under .healloop/ in the working directory (override with
HEALLOOP_HOME). Configuration is read from .healloop/config.yaml if present.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("config", "", "Path to config file (default: .healloop/config.yaml)")
	cmd.PersistentFlags().Bool("verbose", false, "Show debug output")

	cmd.AddCommand(NewHealCommand())
	cmd.AddCommand(NewClassifyCommand())
	cmd.AddCommand(NewHistoryCommand())
	cmd.AddCommand(NewPatternsCommand())

	return cmd
}
