package cmd

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/michaelpento.lv/flasharb/types"
)

var (
	executeFile     string
	executePrivate  bool
	executePublic   bool
	executePriority string
)

var executeCmd = &cobra.Command{
	Use:   "execute",
	Short: "Build, simulate and submit an opportunity",
	Long: `Execute prepares the executeArbitrage transaction for an opportunity and
submits it. With --private it goes through the relay as a bundle and is only
sent after the simulated profit is confirmed; otherwise it is pre-flighted
against the node and broadcast to the public mempool.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if executePrivate && executePublic {
			return fmt.Errorf("--private and --public are mutually exclusive")
		}

		ctx := cmd.Context()
		b, log, err := newBot(ctx)
		if err != nil {
			return err
		}
		defer log.Sync()

		opp, err := readOpportunity(ctx, executeFile, b.Tokens())
		if err != nil {
			return err
		}
		req := opp.request
		switch {
		case executePrivate:
			req.UsePrivateRelay = true
		case executePublic:
			req.UsePrivateRelay = false
		}
		if cmd.Flags().Changed("priority") {
			req.Priority = types.ParsePriority(executePriority)
		}

		res, err := b.ExecuteOpportunity(ctx, req)
		if res != nil {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Bundle:        %s\n", res.BundleID)
			fmt.Fprintf(out, "Status:        %s\n", res.Status)
			if res.Reason != "" {
				fmt.Fprintf(out, "Reason:        %s\n", res.Reason)
			}
			if res.TargetBlock != 0 {
				fmt.Fprintf(out, "Block:         %d\n", res.TargetBlock)
			}
			if res.TxHash != (common.Hash{}) {
				fmt.Fprintf(out, "Transaction:   %s\n", res.TxHash.Hex())
			}
			if v := res.BalanceValidation; v != nil {
				fmt.Fprintf(out, "Profit:        %s (expected %s)\n",
					b.Tokens().Format(v.Token, v.Simulated), b.Tokens().Format(v.Token, v.Expected))
			}
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(executeCmd)
	executeCmd.Flags().StringVarP(&executeFile, "file", "f", "", "opportunity file (YAML or JSON)")
	executeCmd.Flags().BoolVar(&executePrivate, "private", false, "submit through the private relay")
	executeCmd.Flags().BoolVar(&executePublic, "public", false, "send to the public mempool")
	executeCmd.Flags().StringVar(&executePriority, "priority", "medium", "gas priority: low, medium or high")
	_ = executeCmd.MarkFlagRequired("file")
}
