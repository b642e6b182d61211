package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var skipDeployCheck bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the bot until interrupted",
	Long: `Start keeps the gas-price window warm, samples process health and serves
Prometheus metrics until the process receives SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		b, log, err := newBot(ctx)
		if err != nil {
			return err
		}
		defer log.Sync()

		if !skipDeployCheck {
			if err := b.VerifyDeployment(ctx); err != nil {
				return err
			}
		}

		if err := b.Start(ctx); err != nil {
			return err
		}

		<-ctx.Done()
		log.Info("Shutting down gracefully...", zap.Error(ctx.Err()))
		b.Stop()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
	startCmd.Flags().BoolVar(&skipDeployCheck, "skip-deploy-check", false, "do not check that the arbitrage contract is deployed")
}
