package cli

import (
	"time"

	"github.com/spf13/cobra"

	"stockagg/internal/app"
)

var (
	probeKeys      []string
	probeRounds    int
	probeInterval  time.Duration
	probePNGPath   string
	probeCSVPath   string
	probeMaxPoints int
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Force-refresh keys repeatedly and export per-source latency as CSV and/or PNG",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ProbeOptions{
			Keys:      probeKeys,
			Rounds:    probeRounds,
			Interval:  probeInterval,
			PNGPath:   probePNGPath,
			CSVPath:   probeCSVPath,
			MaxPoints: probeMaxPoints,
		}
		_, err := getApp().Probe(cmd.Context(), opts, cmd.OutOrStdout())
		return err
	},
}

func init() {
	probeCmd.Flags().StringSliceVar(&probeKeys, "keys", nil, "Product keys to probe (defaults to scheduler.warm_keys)")
	probeCmd.Flags().IntVar(&probeRounds, "rounds", 5, "Number of refresh rounds")
	probeCmd.Flags().DurationVar(&probeInterval, "interval", 0, "Pause between rounds")
	probeCmd.Flags().StringVar(&probePNGPath, "png", "", "Path to write PNG chart")
	probeCmd.Flags().StringVar(&probeCSVPath, "csv", "", "Path to write CSV data")
	probeCmd.Flags().IntVar(&probeMaxPoints, "max-points", 0, "Maximum samples per source to export (defaults to config)")
}
