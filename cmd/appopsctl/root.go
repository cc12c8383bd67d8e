package main

import (
	"time"

	"github.com/spf13/cobra"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var (
	socketPath string
	timeout    time.Duration
	asJSON     bool
)

var rootCmd = &cobra.Command{
	Use:   "appopsctl",
	Short: "Operator client for appopsd",
	Long: `appopsctl talks to a running appopsd over its operator Unix socket.

Use "appopsctl [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "/run/appopsd/operator.sock", "operator Unix socket path")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "connection timeout")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print raw JSON instead of a table")

	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(queryOpCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(restrictCmd)
	rootCmd.AddCommand(writeSettingsCmd)
	rootCmd.AddCommand(readSettingsCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.Printf("appopsctl %s (commit=%s built=%s)\n", Version, GitCommit, BuildTime)
		return nil
	},
}
