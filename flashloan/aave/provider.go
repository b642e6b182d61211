package aave

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/flasharb/chain"
	"github.com/michaelpento.lv/flasharb/flashloan"
	"github.com/michaelpento.lv/flasharb/utils"
)

// Aave V3 pool ABI. getReserveData returns a static struct, so its fields
// are listed flat in declaration order.
const poolABIJson = `[
	{
		"inputs": [],
		"name": "FLASHLOAN_PREMIUM_TOTAL",
		"outputs": [{"internalType": "uint128", "name": "", "type": "uint128"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "address", "name": "asset", "type": "address"}],
		"name": "getReserveData",
		"outputs": [
			{"name": "configuration", "type": "uint256"},
			{"name": "liquidityIndex", "type": "uint128"},
			{"name": "currentLiquidityRate", "type": "uint128"},
			{"name": "variableBorrowIndex", "type": "uint128"},
			{"name": "currentVariableBorrowRate", "type": "uint128"},
			{"name": "currentStableBorrowRate", "type": "uint128"},
			{"name": "lastUpdateTimestamp", "type": "uint40"},
			{"name": "id", "type": "uint16"},
			{"name": "aTokenAddress", "type": "address"},
			{"name": "stableDebtTokenAddress", "type": "address"},
			{"name": "variableDebtTokenAddress", "type": "address"},
			{"name": "interestRateStrategyAddress", "type": "address"},
			{"name": "accruedToTreasury", "type": "uint128"},
			{"name": "unbacked", "type": "uint128"},
			{"name": "isolationModeTotalDebt", "type": "uint128"}
		],
		"stateMutability": "view",
		"type": "function"
	}
]`

const aTokenIndex = 8

// Provider implements flashloan.Provider for an Aave V3 pool
type Provider struct {
	client   chain.Client
	balances flashloan.BalanceReader
	pool     common.Address
	abi      abi.ABI
	premium  *utils.Cache[common.Address, uint64]
	ttl      time.Duration
	logger   *zap.Logger

	mu      sync.RWMutex
	aTokens map[common.Address]common.Address
}

var _ flashloan.Provider = (*Provider)(nil)

// NewProvider creates a provider for the pool at address. The premium is
// re-read after ttl.
func NewProvider(client chain.Client, balances flashloan.BalanceReader, pool common.Address, ttl time.Duration, logger *zap.Logger) (*Provider, error) {
	if client == nil {
		return nil, fmt.Errorf("chain client cannot be nil")
	}
	if balances == nil {
		return nil, fmt.Errorf("balance reader cannot be nil")
	}

	parsedABI, err := abi.JSON(strings.NewReader(poolABIJson))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}
	premium, err := utils.NewCache[common.Address, uint64](1)
	if err != nil {
		return nil, err
	}

	return &Provider{
		client:   client,
		balances: balances,
		pool:     pool,
		abi:      parsedABI,
		premium:  premium,
		ttl:      ttl,
		logger:   logger.Named("aave"),
		aTokens:  make(map[common.Address]common.Address),
	}, nil
}

func (p *Provider) Name() string {
	return string(flashloan.ProviderAave)
}

// FeeBps returns FLASHLOAN_PREMIUM_TOTAL, which Aave expresses in basis points
func (p *Provider) FeeBps(ctx context.Context, token common.Address) (uint64, error) {
	if fee, ok := p.premium.GetIfFresh(p.pool, p.ttl); ok {
		return fee, nil
	}

	out, err := chain.CallMethod(ctx, p.client, p.pool, p.abi, "FLASHLOAN_PREMIUM_TOTAL")
	if err != nil {
		return 0, fmt.Errorf("failed to get flash loan premium: %w", err)
	}
	premium, ok := out[0].(*big.Int)
	if !ok || !premium.IsUint64() {
		return 0, fmt.Errorf("unexpected premium value %v", out[0])
	}

	fee := premium.Uint64()
	p.premium.Upsert(p.pool, fee)
	return fee, nil
}

// Liquidity returns the underlying balance held by the reserve's aToken
func (p *Provider) Liquidity(ctx context.Context, token common.Address) (*big.Int, error) {
	aToken, err := p.aToken(ctx, token)
	if err != nil {
		return nil, err
	}
	balance, err := p.balances.BalanceOf(ctx, token, aToken)
	if err != nil {
		return nil, fmt.Errorf("failed to get pool liquidity: %w", err)
	}
	return balance, nil
}

func (p *Provider) aToken(ctx context.Context, token common.Address) (common.Address, error) {
	p.mu.RLock()
	aToken, ok := p.aTokens[token]
	p.mu.RUnlock()
	if ok {
		return aToken, nil
	}

	out, err := chain.CallMethod(ctx, p.client, p.pool, p.abi, "getReserveData", token)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to get reserve data: %w", err)
	}
	aToken, ok = out[aTokenIndex].(common.Address)
	if !ok || aToken == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%s is not listed on the Aave pool", token.Hex())
	}

	p.mu.Lock()
	p.aTokens[token] = aToken
	p.mu.Unlock()

	p.logger.Debug("Resolved aToken", zap.String("token", token.Hex()), zap.String("atoken", aToken.Hex()))
	return aToken, nil
}
