package arbitrage

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/michaelpento.lv/flasharb/types"
	"github.com/michaelpento.lv/flasharb/utils/math"
)

// AmountConverter converts an amount of one token into another
type AmountConverter interface {
	Convert(ctx context.Context, from, to common.Address, amount *big.Int) (*big.Int, error)
}

// Validator decides whether a route clears the profit bar. It holds no
// mutable state and is safe for concurrent use.
type Validator struct {
	converter AmountConverter
}

// NewValidator creates a validator. converter prices the output of routes
// that do not end in their input token and may be nil when only circular
// routes are validated.
func NewValidator(converter AmountConverter) *Validator {
	return &Validator{converter: converter}
}

// Validate computes gross and net profit of trading inputAmount along route
// for expectedOutput, given the cost of the flash loan. A route is
// profitable only when net profit is strictly above the required minimum.
func (v *Validator) Validate(ctx context.Context, route *types.Route, inputAmount, expectedOutput *big.Int, cost *types.CostEstimate) *types.ValidationResult {
	inputAmount = math.OrZero(inputAmount)
	expectedOutput = math.OrZero(expectedOutput)

	result := &types.ValidationResult{
		IsCircular:        route.IsCircular(),
		MinProfitRequired: new(big.Int).Set(math.OrZero(cost.MinProfitRequired)),
		Cost:              cost,
	}
	for _, w := range cost.Warnings {
		addWarning(result, w)
	}

	outputInInputToken := expectedOutput
	if !result.IsCircular {
		converted, err := v.convert(ctx, route.TokenOut(), route.TokenIn(), expectedOutput)
		if err != nil {
			result.GrossProfit = new(big.Int)
			result.NetProfit = new(big.Int)
			addWarning(result, types.WarningPriceUnavailable)
			return result
		}
		outputInInputToken = converted
	}

	result.GrossProfit = new(big.Int).Sub(outputInInputToken, inputAmount)
	result.NetProfit = new(big.Int).Sub(result.GrossProfit, math.OrZero(cost.TotalCost))
	result.IsProfitable = inputAmount.Sign() > 0 && result.NetProfit.Cmp(result.MinProfitRequired) > 0
	result.ProfitMargin = math.Ratio(result.NetProfit, inputAmount)

	if result.IsProfitable {
		twice := new(big.Int).Lsh(result.MinProfitRequired, 1)
		if result.NetProfit.Cmp(twice) < 0 {
			addWarning(result, types.WarningThinMargin)
		}
	}

	return result
}

func (v *Validator) convert(ctx context.Context, from, to common.Address, amount *big.Int) (*big.Int, error) {
	if v.converter == nil {
		return nil, types.ErrPriceUnavailable
	}
	return v.converter.Convert(ctx, from, to, amount)
}

func addWarning(result *types.ValidationResult, w string) {
	if !result.HasWarning(w) {
		result.Warnings = append(result.Warnings, w)
	}
}
