package app

import (
	"context"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Quote prices a prospective bid amount and prints the collateral and protocol
// fee requirements.
func (a *App) Quote(ctx context.Context, opts QuoteOptions) error {
	amount, ok := new(big.Int).SetString(opts.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		return fmt.Errorf("amount %q is not a positive base-10 integer", opts.Amount)
	}

	converter, err := a.newConverter()
	if err != nil {
		return err
	}

	collateral, protocolFee, err := converter.Quote(ctx, opts.ChainID, amount)
	if err != nil {
		return fmt.Errorf("quoting bid: %w", err)
	}

	cfg := converter.ConfigSnapshot()
	fmt.Printf("Chain:                 %d\n", opts.ChainID)
	fmt.Printf("Bid amount:            %s wei\n", amount.String())
	fmt.Printf("Collateral (%d bps):   %s (%s)\n", cfg.CollateralBasisPoints, collateral.String(), decimal.NewFromBigInt(collateral, -18).String())
	fmt.Printf("Protocol fee (%d bps): %s (%s)\n", cfg.ProtocolFeeBasisPoints, protocolFee.String(), decimal.NewFromBigInt(protocolFee, -18).String())

	locked := new(big.Int).Set(collateral)
	if protocolFee.Cmp(locked) > 0 {
		locked.Set(protocolFee)
	}
	fmt.Printf("Locked on award:       %s\n", locked.String())
	return nil
}
