package cli

import (
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the quote guard service",
	Long: `Run connects to the price stream, watches every channel with an open quote
and reprices or escalates on volatility breaches. It blocks until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}
