package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/michaelpento.lv/flasharb/config"
	"github.com/michaelpento.lv/flasharb/types"
)

// PriceOracle prices tokens in units of the native gas token
type PriceOracle interface {
	TokenPriceInETH(ctx context.Context, token common.Address) (decimal.Decimal, error)
}

// StaticOracle serves prices fixed in configuration
type StaticOracle struct {
	native common.Address
	prices map[common.Address]decimal.Decimal
}

var _ PriceOracle = (*StaticOracle)(nil)

// NewStaticOracle reads price_in_eth from every supported token
func NewStaticOracle(cfg *config.Config) (*StaticOracle, error) {
	o := &StaticOracle{
		native: cfg.NativeTokenAddress(),
		prices: make(map[common.Address]decimal.Decimal),
	}
	for _, tc := range cfg.SupportedTokens {
		if tc.PriceInETH == "" {
			continue
		}
		price, err := decimal.NewFromString(tc.PriceInETH)
		if err != nil {
			return nil, fmt.Errorf("invalid price_in_eth for %s: %w", tc.Symbol, err)
		}
		if !price.IsPositive() {
			return nil, fmt.Errorf("price_in_eth for %s must be positive", tc.Symbol)
		}
		o.prices[common.HexToAddress(tc.Address)] = price
	}
	return o, nil
}

// Set overrides the price of token
func (o *StaticOracle) Set(token common.Address, price decimal.Decimal) {
	o.prices[token] = price
}

func (o *StaticOracle) TokenPriceInETH(ctx context.Context, token common.Address) (decimal.Decimal, error) {
	if token == o.native {
		return decimal.NewFromInt(1), nil
	}
	price, ok := o.prices[token]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no static price for %s", types.ErrPriceUnavailable, token.Hex())
	}
	return price, nil
}

// Chain asks each oracle in turn and returns the first price found
type Chain []PriceOracle

func (c Chain) TokenPriceInETH(ctx context.Context, token common.Address) (decimal.Decimal, error) {
	var errs []error
	for _, o := range c {
		price, err := o.TokenPriceInETH(ctx, token)
		if err == nil {
			return price, nil
		}
		if ctx.Err() != nil {
			return decimal.Zero, ctx.Err()
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return decimal.Zero, fmt.Errorf("%w: no oracle configured", types.ErrPriceUnavailable)
	}
	return decimal.Zero, errors.Join(errs...)
}

// DecimalsFunc resolves the decimals of a token
type DecimalsFunc func(ctx context.Context, token common.Address) (uint8, error)

// Converter moves amounts between tokens through their ETH prices
type Converter struct {
	oracle   PriceOracle
	decimals DecimalsFunc
}

// NewConverter creates a converter
func NewConverter(oracle PriceOracle, decimals DecimalsFunc) *Converter {
	return &Converter{oracle: oracle, decimals: decimals}
}

// Convert returns amount of from expressed in units of to, rounded down.
// Any lookup failure is reported as types.ErrPriceUnavailable.
func (c *Converter) Convert(ctx context.Context, from, to common.Address, amount *big.Int) (*big.Int, error) {
	if amount == nil {
		return nil, types.ErrInvalidAmount
	}
	if from == to {
		return new(big.Int).Set(amount), nil
	}

	fromDec, err := c.decimals(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrPriceUnavailable, err)
	}
	toDec, err := c.decimals(ctx, to)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrPriceUnavailable, err)
	}

	fromPrice, err := c.oracle.TokenPriceInETH(ctx, from)
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	toPrice, err := c.oracle.TokenPriceInETH(ctx, to)
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	if !toPrice.IsPositive() {
		return nil, fmt.Errorf("%w: zero price for %s", types.ErrPriceUnavailable, to.Hex())
	}

	value := decimal.NewFromBigInt(amount, -int32(fromDec)).Mul(fromPrice)
	converted := value.DivRound(toPrice, int32(toDec)+18).Shift(int32(toDec))
	return converted.Truncate(0).BigInt(), nil
}

func wrapUnavailable(err error) error {
	if errors.Is(err, types.ErrPriceUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", types.ErrPriceUnavailable, err)
}
