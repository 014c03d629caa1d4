package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"oev-auction-house/internal/app"
)

var (
	quoteChainID uint64
	quoteAmount  string
)

var quoteCmd = &cobra.Command{
	Use:   "quote",
	Short: "Price a prospective bid against the configured rate feeds",
	RunE: func(cmd *cobra.Command, args []string) error {
		if quoteChainID == 0 {
			return fmt.Errorf("--chain-id must be nonzero")
		}
		if quoteAmount == "" {
			return fmt.Errorf("--amount is required")
		}

		opts := app.QuoteOptions{
			ChainID: quoteChainID,
			Amount:  quoteAmount,
		}

		return getApp().Quote(cmd.Context(), opts)
	},
}

func init() {
	quoteCmd.Flags().Uint64Var(&quoteChainID, "chain-id", 0, "Target chain id")
	quoteCmd.Flags().StringVar(&quoteAmount, "amount", "", "Bid amount in the chain's native currency (wei)")
}
