package flashloan

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Provider defines the interface for flash loan providers
type Provider interface {
	// Name identifies the provider in logs and metrics
	Name() string

	// FeeBps returns the premium charged on a loan of token, in basis points
	FeeBps(ctx context.Context, token common.Address) (uint64, error)

	// Liquidity returns how much of token the provider can lend right now
	Liquidity(ctx context.Context, token common.Address) (*big.Int, error)
}

// BalanceReader reads ERC20 balances
type BalanceReader interface {
	BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error)
}

// ProviderType represents different flash loan providers
type ProviderType string

const (
	ProviderAave     ProviderType = "aave"
	ProviderBalancer ProviderType = "balancer"
)
