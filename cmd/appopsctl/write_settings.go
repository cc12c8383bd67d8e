package main

import (
	"github.com/spf13/cobra"

	"github.com/appopsd/appopsd/internal/operator"
)

var writeSettingsCmd = &cobra.Command{
	Use:   "write-settings",
	Short: "Force an immediate, synchronous snapshot write",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := dial(socketPath, timeout, operator.Request{Cmd: "write-settings"})
		if err != nil {
			return err
		}
		cmd.Println("ok")
		return nil
	},
}

var readSettingsCmd = &cobra.Command{
	Use:   "read-settings",
	Short: "Discard in-memory state and reload the on-disk snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := dial(socketPath, timeout, operator.Request{Cmd: "read-settings"})
		if err != nil {
			return err
		}
		cmd.Println("ok")
		return nil
	},
}
