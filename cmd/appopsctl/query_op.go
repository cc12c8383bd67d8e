package main

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/appopsd/appopsd/internal/operator"
)

var queryOpCmd = &cobra.Command{
	Use:   "query-op OP [MODE]",
	Short: "List every (uid, pkg) whose op currently resolves to mode (default: ignore)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var mode string
		if len(args) == 2 {
			mode = args[1]
		}
		resp, err := dial(socketPath, timeout, operator.Request{
			Cmd: "query-op", Op: args[0], Mode: mode,
		})
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(resp)
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"UID", "PKG"})
		table.SetAutoWrapText(false)
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.SetCenterSeparator("")
		table.SetColumnSeparator("")
		table.SetRowSeparator("")
		table.SetHeaderLine(false)
		table.SetBorder(false)
		table.SetTablePadding("  ")
		table.SetNoWhiteSpace(true)
		for _, m := range resp.Matches {
			table.Append([]string{fmt.Sprintf("%d", m.UID), m.Pkg})
		}
		table.Render()
		return nil
	},
}
