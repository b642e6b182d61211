package flashloan

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/flasharb/config"
	"github.com/michaelpento.lv/flasharb/tokens"
	"github.com/michaelpento.lv/flasharb/types"
	"github.com/michaelpento.lv/flasharb/utils/math"
)

// EstimatorConfig holds the constants every estimate uses
type EstimatorConfig struct {
	FeeBps                uint64
	MinProfitBps          uint64
	GasLimit              uint64
	GasPriceBufferPercent uint64
	NativeToken           common.Address
}

// EstimatorConfigFrom reads the trading section of cfg
func EstimatorConfigFrom(cfg *config.Config) EstimatorConfig {
	return EstimatorConfig{
		FeeBps:                cfg.Trading.FlashLoanFeeBps,
		MinProfitBps:          cfg.Trading.MinProfitBasisPoints,
		GasLimit:              cfg.Trading.GasLimit,
		GasPriceBufferPercent: cfg.Trading.GasPriceBufferPercent,
		NativeToken:           cfg.NativeTokenAddress(),
	}
}

// TokenTable resolves flash-loan enabled tokens
type TokenTable interface {
	FlashLoanToken(addr common.Address) (tokens.Token, error)
}

// AmountConverter converts an amount of one token into another
type AmountConverter interface {
	Convert(ctx context.Context, from, to common.Address, amount *big.Int) (*big.Int, error)
}

// CostEstimator prices a flash loan: protocol fee, gas and the profit floor
type CostEstimator struct {
	cfg       EstimatorConfig
	tokens    TokenTable
	converter AmountConverter
	logger    *zap.Logger
}

// NewCostEstimator creates an estimator
func NewCostEstimator(cfg EstimatorConfig, tokens TokenTable, converter AmountConverter, logger *zap.Logger) *CostEstimator {
	return &CostEstimator{
		cfg:       cfg,
		tokens:    tokens,
		converter: converter,
		logger:    logger.Named("estimator"),
	}
}

// Config returns the constants the estimator was built with
func (e *CostEstimator) Config() EstimatorConfig {
	return e.cfg
}

// Estimate computes the cost of borrowing amount of token at gasPrice.
// A missing token price does not fail the estimate: gas is counted as zero
// and the estimate carries a PriceUnavailable warning.
func (e *CostEstimator) Estimate(ctx context.Context, token common.Address, amount, gasPrice *big.Int) (*types.CostEstimate, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", types.ErrInvalidAmount)
	}
	if gasPrice == nil || gasPrice.Sign() < 0 {
		return nil, fmt.Errorf("%w: gas price must not be negative", types.ErrInvalidAmount)
	}
	if _, err := e.tokens.FlashLoanToken(token); err != nil {
		return nil, err
	}

	estimate := &types.CostEstimate{
		Token:              token,
		Amount:             new(big.Int).Set(amount),
		ProtocolFee:        math.MulBps(amount, e.cfg.FeeBps),
		GasLimit:           e.cfg.GasLimit,
		GasPriceWithBuffer: math.ScalePercent(gasPrice, e.cfg.GasPriceBufferPercent),
		MinProfitRequired:  math.MulBps(amount, e.cfg.MinProfitBps),
	}
	estimate.GasCostWei = new(big.Int).Mul(new(big.Int).SetUint64(e.cfg.GasLimit), estimate.GasPriceWithBuffer)

	if token == e.cfg.NativeToken {
		estimate.GasCostInToken = new(big.Int).Set(estimate.GasCostWei)
	} else {
		converted, err := e.gasInToken(ctx, token, estimate.GasCostWei)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Warn("Gas cost not converted into token units",
				zap.String("token", token.Hex()),
				zap.Error(err))
			converted = new(big.Int)
			estimate.Warnings = append(estimate.Warnings, types.WarningPriceUnavailable)
		}
		estimate.GasCostInToken = converted
	}

	estimate.TotalCost = new(big.Int).Add(estimate.ProtocolFee, estimate.GasCostInToken)
	estimate.MinOutputNeeded = new(big.Int).Add(amount, estimate.TotalCost)
	estimate.MinOutputNeeded.Add(estimate.MinOutputNeeded, estimate.MinProfitRequired)

	return estimate, nil
}

func (e *CostEstimator) gasInToken(ctx context.Context, token common.Address, gasCostWei *big.Int) (*big.Int, error) {
	if e.converter == nil {
		return nil, fmt.Errorf("%w: no price source", types.ErrPriceUnavailable)
	}
	converted, err := e.converter.Convert(ctx, e.cfg.NativeToken, token, gasCostWei)
	if err != nil {
		if !errors.Is(err, types.ErrPriceUnavailable) {
			err = fmt.Errorf("%w: %w", types.ErrPriceUnavailable, err)
		}
		return nil, err
	}
	return converted, nil
}
