package dex

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ErrNoLiquidity is returned for pairs that do not exist or are empty
var ErrNoLiquidity = errors.New("no liquidity")

// Exchange is the capability every supported DEX provides
type Exchange interface {
	// ID is the numeric identifier the arbitrage contract knows the DEX by
	ID() uint8

	// Name returns the exchange name
	Name() string

	// GetReserves returns the reserves of the pair oriented as tokenIn -> tokenOut
	GetReserves(ctx context.Context, tokenIn, tokenOut common.Address) (*Reserves, error)

	// GetAmountOut applies the exchange's pricing curve and fee
	GetAmountOut(amountIn, reserveIn, reserveOut *big.Int) *big.Int

	// BuildSwap encodes a router call for a direct swap
	BuildSwap(params SwapParams) (*SwapCall, error)
}

// Reserves represents token pair reserves
type Reserves struct {
	Pair               common.Address
	ReserveIn          *big.Int
	ReserveOut         *big.Int
	BlockTimestampLast uint32
}

// SwapParams describes an exact-input swap through a router
type SwapParams struct {
	AmountIn     *big.Int
	AmountOutMin *big.Int
	Path         []common.Address
	Recipient    common.Address
	Deadline     *big.Int
}

// SwapCall is an encoded router call
type SwapCall struct {
	To   common.Address
	Data []byte
}
