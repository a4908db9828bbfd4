package cli

import (
	"github.com/spf13/cobra"
)

var simulateSource string

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次供应商熔断并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SimulateAlert(cmd.Context(), simulateSource)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSource, "source", "", "供应商名称 (默认取第一个配置的供应商)")
}
