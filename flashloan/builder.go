package flashloan

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/flasharb/types"
	"github.com/michaelpento.lv/flasharb/utils/metrics"
)

// ArbitrageABI is the entry point of the on-chain arbitrage contract. The
// call reverts when realized profit is below minProfit.
const ArbitrageABI = `[{
	"inputs": [
		{"internalType": "address", "name": "token", "type": "address"},
		{"internalType": "uint256", "name": "amount", "type": "uint256"},
		{"internalType": "bytes", "name": "route", "type": "bytes"},
		{"internalType": "uint256", "name": "minProfit", "type": "uint256"}
	],
	"name": "executeArbitrage",
	"outputs": [{"internalType": "uint256", "name": "profit", "type": "uint256"}],
	"stateMutability": "nonpayable",
	"type": "function"
}]`

// routeStep is one encoded hop. Amounts are recomputed on chain.
type routeStep struct {
	DexId    uint8          `abi:"dexId"`
	TokenIn  common.Address `abi:"tokenIn"`
	TokenOut common.Address `abi:"tokenOut"`
}

var routeArguments = func() abi.Arguments {
	stepType, err := abi.NewType("tuple[]", "", []abi.ArgumentMarshaling{
		{Name: "dexId", Type: "uint8"},
		{Name: "tokenIn", Type: "address"},
		{Name: "tokenOut", Type: "address"},
	})
	if err != nil {
		panic(err)
	}
	return abi.Arguments{{Type: stepType}}
}()

// EncodeRoute packs route as (uint8 dexId, address tokenIn, address tokenOut)[]
func EncodeRoute(route *types.Route) ([]byte, error) {
	hops := route.Hops()
	steps := make([]routeStep, len(hops))
	for i, hop := range hops {
		steps[i] = routeStep{DexId: hop.DexID, TokenIn: hop.TokenIn, TokenOut: hop.TokenOut}
	}
	return routeArguments.Pack(steps)
}

// GasPricer supplies the fallback gas price
type GasPricer interface {
	GasPrice(ctx context.Context) (*big.Int, error)
}

// Nonces hands out nonces for the sending account
type Nonces interface {
	Next(ctx context.Context) (uint64, error)
	Release(nonce uint64)
	Settle(nonce uint64)
	Reset()
}

// BuilderConfig identifies the contract and the sending account
type BuilderConfig struct {
	ChainID  *big.Int
	Contract common.Address
	From     common.Address
	GasLimit uint64
}

// Builder encodes executeArbitrage calls
type Builder struct {
	cfg     BuilderConfig
	abi     abi.ABI
	tokens  TokenTable
	gas     GasPricer
	nonces  Nonces
	metrics *metrics.FlashLoanMetrics
	logger  *zap.Logger
}

// NewBuilder creates a transaction builder
func NewBuilder(cfg BuilderConfig, tokens TokenTable, gas GasPricer, nonces Nonces, m *metrics.FlashLoanMetrics, logger *zap.Logger) (*Builder, error) {
	if cfg.Contract == (common.Address{}) {
		return nil, fmt.Errorf("arbitrage contract address is required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain id is required")
	}
	if cfg.GasLimit == 0 {
		return nil, fmt.Errorf("gas limit is required")
	}

	parsed, err := abi.JSON(strings.NewReader(ArbitrageABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse arbitrage ABI: %w", err)
	}

	return &Builder{
		cfg:     cfg,
		abi:     parsed,
		tokens:  tokens,
		gas:     gas,
		nonces:  nonces,
		metrics: m,
		logger:  logger.Named("builder"),
	}, nil
}

// Prepare validates req and builds the unsigned transaction. The nonce is
// reserved last; callers release it through ReleaseNonce when the
// transaction is never broadcast and settle it through SettleNonce otherwise.
func (b *Builder) Prepare(ctx context.Context, req PrepareRequest) (*PreparedTransaction, error) {
	tx, err := b.prepare(ctx, req)
	if err != nil && b.metrics != nil {
		b.metrics.BuildErrors.WithLabelValues(buildErrorReason(err)).Inc()
	}
	return tx, err
}

func (b *Builder) prepare(ctx context.Context, req PrepareRequest) (*PreparedTransaction, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", types.ErrInvalidAmount)
	}
	if req.Route == nil {
		return nil, fmt.Errorf("%w: route is required", types.ErrInvalidRoute)
	}
	if req.Route.TokenIn() != req.Token {
		return nil, fmt.Errorf("%w: route starts with %s, loan is in %s",
			types.ErrInvalidRoute, req.Route.TokenIn().Hex(), req.Token.Hex())
	}
	minProfit := req.MinProfit
	if minProfit == nil {
		minProfit = new(big.Int)
	}
	if minProfit.Sign() < 0 {
		return nil, fmt.Errorf("%w: min profit must not be negative", types.ErrInvalidAmount)
	}

	token, err := b.tokens.FlashLoanToken(req.Token)
	if err != nil {
		return nil, err
	}
	if token.MaxTradeSize != nil && req.Amount.Cmp(token.MaxTradeSize) > 0 {
		return nil, fmt.Errorf("%w: %s %s exceeds limit %s",
			types.ErrMaxAmountExceeded, req.Amount, token.Symbol, token.MaxTradeSize)
	}

	encodedRoute, err := EncodeRoute(req.Route)
	if err != nil {
		return nil, fmt.Errorf("failed to encode route: %w", err)
	}
	data, err := b.abi.Pack("executeArbitrage", req.Token, req.Amount, encodedRoute, minProfit)
	if err != nil {
		return nil, fmt.Errorf("failed to pack executeArbitrage: %w", err)
	}

	maxFee, tip, err := b.fees(ctx, req.Gas)
	if err != nil {
		return nil, err
	}

	nonce, err := b.nonces.Next(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve nonce: %w", err)
	}

	prepared := &PreparedTransaction{
		ChainID:              new(big.Int).Set(b.cfg.ChainID),
		From:                 b.cfg.From,
		To:                   b.cfg.Contract,
		Data:                 data,
		Gas:                  b.cfg.GasLimit,
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: tip,
		Nonce:                nonce,
	}

	if b.metrics != nil {
		b.metrics.PreparedTxs.Inc()
	}
	b.logger.Debug("Prepared arbitrage transaction",
		zap.String("token", token.Symbol),
		zap.String("amount", req.Amount.String()),
		zap.String("route", req.Route.String()),
		zap.Uint64("nonce", nonce),
		zap.String("max_fee", maxFee.String()),
		zap.String("priority_fee", tip.String()))

	return prepared, nil
}

// ReleaseNonce hands back the nonce of a transaction that was never sent
func (b *Builder) ReleaseNonce(tx *PreparedTransaction) {
	b.nonces.Release(tx.Nonce)
}

// SettleNonce ends the reservation of a sent transaction. When it was not
// mined the allocator re-syncs with the node on the next allocation.
func (b *Builder) SettleNonce(tx *PreparedTransaction, mined bool) {
	b.nonces.Settle(tx.Nonce)
	if !mined {
		b.nonces.Reset()
		b.logger.Info("Nonce not consumed on chain, re-syncing", zap.Uint64("nonce", tx.Nonce))
	}
}

func (b *Builder) fees(ctx context.Context, gas *types.GasSettings) (*big.Int, *big.Int, error) {
	if gas != nil && gas.MaxFeePerGas != nil && gas.MaxPriorityFeePerGas != nil {
		if gas.MaxPriorityFeePerGas.Cmp(gas.MaxFeePerGas) > 0 {
			return nil, nil, fmt.Errorf("priority fee %s above max fee %s", gas.MaxPriorityFeePerGas, gas.MaxFeePerGas)
		}
		return new(big.Int).Set(gas.MaxFeePerGas), new(big.Int).Set(gas.MaxPriorityFeePerGas), nil
	}

	price, err := b.gas.GasPrice(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get gas price: %w", err)
	}
	return new(big.Int).Mul(price, big.NewInt(2)), new(big.Int).Set(price), nil
}

// DecodeProfit unpacks the profit returned by executeArbitrage
func (b *Builder) DecodeProfit(returnData []byte) (*big.Int, error) {
	out, err := b.abi.Unpack("executeArbitrage", returnData)
	if err != nil {
		return nil, fmt.Errorf("failed to decode executeArbitrage result: %w", err)
	}
	profit, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected profit type %T", out[0])
	}
	return profit, nil
}

func buildErrorReason(err error) string {
	switch {
	case errors.Is(err, types.ErrUnsupportedToken):
		return "unsupported_token"
	case errors.Is(err, types.ErrMaxAmountExceeded):
		return "max_amount"
	case errors.Is(err, types.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, types.ErrInvalidRoute):
		return "invalid_route"
	default:
		return "other"
	}
}
