package cmd

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var riskCmd = &cobra.Command{
	Use:   "risk",
	Short: "Show the current gas risk assessment",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		b, log, err := newBot(ctx)
		if err != nil {
			return err
		}
		defer log.Sync()

		a, err := b.AssessRisk(ctx)
		if err != nil {
			return err
		}

		gwei := func(wei interface{ String() string }) string {
			return decimal.RequireFromString(wei.String()).Shift(-9).String() + " gwei"
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Block:          %d\n", a.BlockNumber)
		fmt.Fprintf(out, "Risk:           %s\n", a.Level)
		fmt.Fprintf(out, "Gas price:      %s\n", gwei(a.CurrentGasPrice))
		fmt.Fprintf(out, "Base fee:       %s\n", gwei(a.BaseFee))
		fmt.Fprintf(out, "Priority fee:   %s\n", gwei(a.RecommendedPriorityFee))
		fmt.Fprintf(out, "Max fee:        %s\n", gwei(a.RecommendedMaxFee))
		fmt.Fprintf(out, "Pending txs:    %d\n", a.PendingTxCount)
		fmt.Fprintf(out, "Target blocks:  %v\n", a.TargetBlocks)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(riskCmd)
}
