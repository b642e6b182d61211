package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/michaelpento.lv/flasharb/config"
)

var configCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the config file and environment",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		defer log.Sync()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Chain ID:        %d\n", cfg.ChainID)
		fmt.Fprintf(out, "RPC endpoint:    %s\n", cfg.RPCEndpoint)
		fmt.Fprintf(out, "Relay:           %s\n", cfg.RelayURL)
		fmt.Fprintf(out, "Contract:        %s\n", cfg.ContractAddress().Hex())
		fmt.Fprintf(out, "Tokens:          %d\n", len(cfg.SupportedTokens))
		fmt.Fprintf(out, "DEXes:           %d\n", len(cfg.Dexes))
		fmt.Fprintf(out, "Loan providers:  %d\n", len(cfg.FlashLoanProviders))

		for _, key := range []string{config.EnvPrivateKey, config.EnvFlashbotsAuthKey} {
			state := "set"
			if os.Getenv(key) == "" {
				state = "missing"
			}
			fmt.Fprintf(out, "%-16s %s\n", key+":", state)
		}

		if _, err := config.LoadSecureConfig(); err != nil {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
