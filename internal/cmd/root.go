// Package cmd wires the cobra command tree for the missiond binary.
package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/missionkit/missiond/internal/build"
)

var (
	configFile string
	dataRoot   string
	debug      bool
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           build.AppName,
		Short:         "Local orchestration server for agent missions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&dataRoot, "data-root", "", "data directory root (default ~/.claude)")
	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	cmd.AddCommand(serveCmd())
	cmd.AddCommand(versionCmd())
	return cmd
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := rootCmd().Execute(); err != nil {
		os.Stderr.WriteString("error: " + err.Error() + "\n")
		os.Exit(1)
	}
}
