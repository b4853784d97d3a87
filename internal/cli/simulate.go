package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"quote-guard/internal/app"
)

var (
	simulateQuoted      float64
	simulateCurrent     float64
	simulateSpreadMode  string
	simulateSpreadValue float64
	simulateThreshold   float64
	simulateMaxReprices int
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-reprice",
	Short: "Dry-run one reprice orchestration against stub collaborators",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateQuoted <= 0 || simulateCurrent <= 0 {
			return errors.New("--quoted and --current must be greater than 0")
		}
		if simulateMaxReprices <= 0 {
			return errors.New("--max-reprices must be greater than 0")
		}

		opts := app.SimulateOptions{
			QuotedPrice:  decimal.NewFromFloat(simulateQuoted),
			CurrentPrice: decimal.NewFromFloat(simulateCurrent),
			SpreadMode:   simulateSpreadMode,
			SpreadValue:  decimal.NewFromFloat(simulateSpreadValue),
			ThresholdBps: decimal.NewFromFloat(simulateThreshold),
			MaxReprices:  simulateMaxReprices,
		}
		return getApp().SimulateReprice(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().Float64Var(&simulateQuoted, "quoted", 0, "Price currently quoted to the counterparty (BRL)")
	simulateCmd.Flags().Float64Var(&simulateCurrent, "current", 0, "Current market price (BRL)")
	simulateCmd.Flags().StringVar(&simulateSpreadMode, "spread-mode", "bps", "Spread mode: bps, abs_brl, or flat")
	simulateCmd.Flags().Float64Var(&simulateSpreadValue, "spread-value", 50, "Spread value (bps or BRL depending on mode)")
	simulateCmd.Flags().Float64Var(&simulateThreshold, "threshold-bps", 50, "Breach threshold in basis points")
	simulateCmd.Flags().IntVar(&simulateMaxReprices, "max-reprices", 3, "Reprices allowed before escalation")
}
