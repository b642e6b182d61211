package cmd

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a relay authentication key",
	Long: `Keygen prints a fresh secp256k1 key for signing relay requests. It only
identifies the searcher to the relay and should never hold funds.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		privateKey, err := crypto.GenerateKey()
		if err != nil {
			return fmt.Errorf("failed to generate key: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "FLASHBOTS_AUTH_KEY=%s\n", hexutil.Encode(crypto.FromECDSA(privateKey)))
		fmt.Fprintf(out, "Address: %s\n", crypto.PubkeyToAddress(privateKey.PublicKey).Hex())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
