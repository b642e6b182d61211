package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var validateFile string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Price an opportunity without sending anything",
	Long: `Validate estimates the full cost of the flash loan behind an opportunity
and reports whether the route clears the minimum profit. When the file has
no expected_output the route is quoted from live reserves.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		b, log, err := newBot(ctx)
		if err != nil {
			return err
		}
		defer log.Sync()

		opp, err := readOpportunity(ctx, validateFile, b.Tokens())
		if err != nil {
			return err
		}

		result, err := b.ValidateOpportunity(ctx, opp.request.Route, opp.request.Amount, opp.expectedOutput)
		if err != nil {
			return err
		}

		token := opp.request.Token
		format := b.Tokens().Format
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Route:         %s\n", opp.request.Route)
		fmt.Fprintf(out, "Protocol fee:  %s\n", format(token, result.Cost.ProtocolFee))
		fmt.Fprintf(out, "Gas cost:      %s\n", format(token, result.Cost.GasCostInToken))
		fmt.Fprintf(out, "Gross profit:  %s\n", format(token, result.GrossProfit))
		fmt.Fprintf(out, "Net profit:    %s\n", format(token, result.NetProfit))
		fmt.Fprintf(out, "Min required:  %s\n", format(token, result.MinProfitRequired))
		fmt.Fprintf(out, "Margin:        %.4f%%\n", result.ProfitMargin*100)
		fmt.Fprintf(out, "Profitable:    %t\n", result.IsProfitable)
		for _, w := range result.Warnings {
			fmt.Fprintf(out, "Warning:       %s\n", w)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().StringVarP(&validateFile, "file", "f", "", "opportunity file (YAML or JSON)")
	_ = validateCmd.MarkFlagRequired("file")
}
