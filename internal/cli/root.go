package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/KafClaw/synapse/internal/cli.version=1.2.3"
	version = "2.0.0"
	logo    = "\n" +
		"  ___ _  _ _ __   __ _ _ __  ___  ___\n" +
		" / __| || | '_ \\ / _` | '_ \\/ __|/ _ \\\n" +
		" \\__ \\ || | | | | (_| | |_) \\__ \\  __/\n" +
		" |___/\\_, |_| |_|\\__,_| .__/|___/\\___|\n" +
		"      |__/            |_|\n"

	jsonOut bool
)

var rootCmd = &cobra.Command{
	Use:           "synapse",
	Short:         "Synapse - cross-agent learning and shared memory engine",
	Long:          color.CyanString(logo) + "\nShared memory, task ledger and learning analytics for fleets of agents.",
	SilenceUsage:  true,
	SilenceErrors: false,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output machine-readable JSON")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
}
