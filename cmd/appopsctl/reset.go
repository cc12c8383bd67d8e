package main

import (
	"github.com/spf13/cobra"

	"github.com/appopsd/appopsd/internal/operator"
)

var resetUserID string

var resetCmd = &cobra.Command{
	Use:   "reset [PACKAGE]",
	Short: "Reset mode overrides, optionally filtered by user and/or package",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var pkg string
		if len(args) == 1 {
			pkg = args[0]
		}
		_, err := dial(socketPath, timeout, operator.Request{
			Cmd: "reset", User: atoiOrZero(resetUserID), Pkg: pkg,
		})
		if err != nil {
			return err
		}
		cmd.Println("ok")
		return nil
	},
}

func init() {
	resetCmd.Flags().StringVar(&resetUserID, "user", "", "limit to this multi-user profile id (0 means all users)")
}
