package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"stockagg/internal/app"
)

var (
	seedSource string
	seedFile   string
	seedDryRun bool
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load a vendor product file into the vendor_products table",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.SeedOptions{
			Source: seedSource,
			File:   seedFile,
			DryRun: seedDryRun,
		}

		result, err := getApp().Seed(cmd.Context(), opts)
		fmt.Fprintf(cmd.OutOrStdout(), "loaded=%d written=%d invalid=%d failed=%d\n", result.Loaded, result.Written, result.Invalid, result.Failed)
		return err
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedSource, "source", "", "Source name the rows belong to")
	seedCmd.Flags().StringVar(&seedFile, "file", "", "JSON file keyed by product key")
	seedCmd.Flags().BoolVar(&seedDryRun, "dry-run", false, "Validate payloads without writing to the database")
}
