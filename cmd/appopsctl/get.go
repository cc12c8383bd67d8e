package main

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/appopsd/appopsd/internal/operator"
)

var (
	getOp     string
	getUserID string
)

var getCmd = &cobra.Command{
	Use:   "get PACKAGE [OP]",
	Short: "Dump tracked op accounting for (uid, pkg)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		op := getOp
		if len(args) == 2 {
			op = args[1]
		}
		resp, err := dial(socketPath, timeout, operator.Request{
			Cmd: "get", User: atoiOrZero(getUserID), Pkg: args[0], Op: op,
		})
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(resp)
		}
		printEntriesTable(resp.Entries)
		return nil
	},
}

func init() {
	getCmd.Flags().StringVar(&getOp, "op", "", "limit to a single op (default: all tracked ops)")
	getCmd.Flags().StringVar(&getUserID, "user", "0", "multi-user profile id owning PACKAGE")
}

func printEntriesTable(entries []operator.OpEntry) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"OP", "MODE", "LAST ALLOW", "LAST REJECT", "DURATION", "NESTING"})
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

	for _, e := range entries {
		duration := "n/a"
		if e.Duration == -1 {
			duration = "running"
		} else if e.Duration > 0 {
			duration = fmt.Sprintf("%dms", e.Duration)
		}
		table.Append([]string{
			e.Op, e.Mode, relTime(e.Time), relTime(e.RejectTime), duration, fmt.Sprintf("%d", e.Nesting),
		})
	}
	table.Render()
}
