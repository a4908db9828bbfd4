package cli

import (
	"github.com/spf13/cobra"
)

var lookupCmd = &cobra.Command{
	Use:   "lookup <key>",
	Short: "Resolve one product key across all vendors and print the decision",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := getApp().Lookup(cmd.Context(), args[0], cmd.OutOrStdout())
		return err
	},
}
