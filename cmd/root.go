package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/flasharb/cmd/bot"
	"github.com/michaelpento.lv/flasharb/config"
	"github.com/michaelpento.lv/flasharb/utils"
)

var (
	cfgFile  string
	envFiles []string
	debug    bool
)

var rootCmd = &cobra.Command{
	Use:   "flasharb",
	Short: "Flash-loan arbitrage validator with protected bundle submission",
	Long: `flasharb prices flash-loan funded arbitrage routes, checks them against
their full cost and submits the profitable ones as private bundles through a
Flashbots-compatible relay or directly to the public mempool.`,
	SilenceUsage: true,
}

func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.flasharb.yaml)")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files holding the signing keys (default is ./.env)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

func initConfig() {
	if err := config.LoadEnv(envFiles...); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
}

// loadConfig reads the config file and sets up the global logger
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	return cfg, utils.InitLogger(debug, cfg.LogFile), nil
}

// newBot wires a bot from the config file and the environment
func newBot(ctx context.Context) (*bot.Bot, *zap.Logger, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	secrets, err := config.LoadSecureConfig()
	if err != nil {
		return nil, nil, err
	}
	b, err := bot.New(ctx, cfg, secrets, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create bot: %w", err)
	}
	return b, log, nil
}
