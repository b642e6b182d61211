package balancer

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/flasharb/chain"
	"github.com/michaelpento.lv/flasharb/flashloan"
	"github.com/michaelpento.lv/flasharb/utils"
)

const (
	// Vault address, identical on every chain Balancer V2 is deployed to
	VaultAddress = "0xBA12222222228d8Ba445958a75a0704d566BF2C8"
)

const vaultABIJson = `[
	{
		"inputs": [],
		"name": "getProtocolFeesCollector",
		"outputs": [{"internalType": "contract ProtocolFeesCollector", "name": "", "type": "address"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

const collectorABIJson = `[
	{
		"inputs": [],
		"name": "getFlashLoanFeePercentage",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

// fee percentages are 18-decimal fixed point
var feeToBps = new(big.Int).Exp(big.NewInt(10), big.NewInt(14), nil)

// Provider implements flashloan.Provider for the Balancer vault
type Provider struct {
	client       chain.Client
	balances     flashloan.BalanceReader
	vault        common.Address
	vaultABI     abi.ABI
	collectorABI abi.ABI
	fees         *utils.Cache[common.Address, uint64]
	ttl          time.Duration
	logger       *zap.Logger
}

var _ flashloan.Provider = (*Provider)(nil)

// NewProvider creates a provider for the vault at address, or the canonical
// vault when address is zero
func NewProvider(client chain.Client, balances flashloan.BalanceReader, vault common.Address, ttl time.Duration, logger *zap.Logger) (*Provider, error) {
	if vault == (common.Address{}) {
		vault = common.HexToAddress(VaultAddress)
	}

	vaultABI, err := abi.JSON(strings.NewReader(vaultABIJson))
	if err != nil {
		return nil, fmt.Errorf("failed to parse vault ABI: %w", err)
	}
	collectorABI, err := abi.JSON(strings.NewReader(collectorABIJson))
	if err != nil {
		return nil, fmt.Errorf("failed to parse collector ABI: %w", err)
	}
	fees, err := utils.NewCache[common.Address, uint64](1)
	if err != nil {
		return nil, err
	}

	return &Provider{
		client:       client,
		balances:     balances,
		vault:        vault,
		vaultABI:     vaultABI,
		collectorABI: collectorABI,
		fees:         fees,
		ttl:          ttl,
		logger:       logger.Named("balancer"),
	}, nil
}

func (p *Provider) Name() string {
	return string(flashloan.ProviderBalancer)
}

// FeeBps reads the flash loan fee from the protocol fees collector. It is
// zero on every current deployment but governance can change it.
func (p *Provider) FeeBps(ctx context.Context, token common.Address) (uint64, error) {
	if fee, ok := p.fees.GetIfFresh(p.vault, p.ttl); ok {
		return fee, nil
	}

	out, err := chain.CallMethod(ctx, p.client, p.vault, p.vaultABI, "getProtocolFeesCollector")
	if err != nil {
		return 0, fmt.Errorf("failed to get fees collector: %w", err)
	}
	collector, ok := out[0].(common.Address)
	if !ok {
		return 0, fmt.Errorf("unexpected collector value %v", out[0])
	}

	out, err = chain.CallMethod(ctx, p.client, collector, p.collectorABI, "getFlashLoanFeePercentage")
	if err != nil {
		return 0, fmt.Errorf("failed to get flash loan fee: %w", err)
	}
	pct, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("unexpected fee value %v", out[0])
	}

	fee := new(big.Int).Quo(pct, feeToBps).Uint64()
	p.fees.Upsert(p.vault, fee)

	p.logger.Debug("Read Balancer flash loan fee", zap.Uint64("fee_bps", fee))
	return fee, nil
}

// Liquidity is the vault's balance of token
func (p *Provider) Liquidity(ctx context.Context, token common.Address) (*big.Int, error) {
	balance, err := p.balances.BalanceOf(ctx, token, p.vault)
	if err != nil {
		return nil, fmt.Errorf("failed to get vault balance: %w", err)
	}
	return balance, nil
}
