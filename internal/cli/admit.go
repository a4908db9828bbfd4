package cli

import (
	"github.com/spf13/cobra"
)

var admitCount int

var admitCmd = &cobra.Command{
	Use:   "admit <identity>",
	Short: "Run admissions for an identity against the configured rate limiter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := getApp().Admit(cmd.Context(), args[0], admitCount, cmd.OutOrStdout())
		return err
	},
}

func init() {
	admitCmd.Flags().IntVar(&admitCount, "count", 1, "Number of admissions to attempt")
}
