package main

import (
	"github.com/spf13/cobra"

	"github.com/appopsd/appopsd/internal/operator"
)

var (
	restrictUserID string
	restrictToken  string
	restrictLift   bool
	restrictExempt []string
)

var restrictCmd = &cobra.Command{
	Use:   "restrict OP",
	Short: "Set (or, with --lift, clear) a restriction-layer entry for OP",
	Long: `Set adds a new restriction layer forbidding OP across every package
under the given user profile, except any --exempt package names.

The first call mints a fresh ownerToken and prints it; save it. Pass that
token back with --token and --lift to remove exactly that layer later.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		restricted := !restrictLift
		resp, err := dial(socketPath, timeout, operator.Request{
			Cmd:        "restrict",
			Op:         args[0],
			User:       atoiOrZero(restrictUserID),
			Token:      restrictToken,
			Restricted: &restricted,
			Exempt:     restrictExempt,
		})
		if err != nil {
			return err
		}
		if resp.Token != "" {
			cmd.Println("token:", resp.Token)
		}
		cmd.Println("ok")
		return nil
	},
}

func init() {
	restrictCmd.Flags().StringVar(&restrictUserID, "user", "0", "multi-user profile id")
	restrictCmd.Flags().StringVar(&restrictToken, "token", "", "reuse a previously minted ownerToken")
	restrictCmd.Flags().BoolVar(&restrictLift, "lift", false, "clear the restriction instead of setting it")
	restrictCmd.Flags().StringSliceVar(&restrictExempt, "exempt", nil, "package names exempt from this restriction")
}
