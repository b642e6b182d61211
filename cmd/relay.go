package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var relayStatsCmd = &cobra.Command{
	Use:   "relay-stats",
	Short: "Show the relay's reputation data for the auth key",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		b, log, err := newBot(ctx)
		if err != nil {
			return err
		}
		defer log.Sync()

		stats, err := b.RelayStats(ctx)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "High priority:               %t\n", stats.IsHighPriority)
		fmt.Fprintf(out, "Validator payments (1d):     %s wei\n", stats.Last1dValidatorPayments)
		fmt.Fprintf(out, "Validator payments (7d):     %s wei\n", stats.Last7dValidatorPayments)
		fmt.Fprintf(out, "Validator payments (all):    %s wei\n", stats.AllTimeValidatorPayments)
		fmt.Fprintf(out, "Gas simulated (7d):          %s\n", stats.Last7dGasSimulated)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(relayStatsCmd)
}
