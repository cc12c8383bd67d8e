package main

import (
	"github.com/spf13/cobra"

	"github.com/appopsd/appopsd/internal/operator"
)

var setUserID string

var setCmd = &cobra.Command{
	Use:   "set PACKAGE OP MODE",
	Short: "Set a persistent (uid, pkg) mode override",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := dial(socketPath, timeout, operator.Request{
			Cmd: "set", User: atoiOrZero(setUserID), Pkg: args[0], Op: args[1], Mode: args[2],
		})
		if err != nil {
			return err
		}
		cmd.Println("ok")
		return nil
	},
}

func init() {
	setCmd.Flags().StringVar(&setUserID, "user", "0", "multi-user profile id owning PACKAGE")
}
