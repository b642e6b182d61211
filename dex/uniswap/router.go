package uniswap

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/michaelpento.lv/flasharb/dex"
)

const routerABIJson = `[{"inputs":[{"internalType":"uint256","name":"amountIn","type":"uint256"},{"internalType":"uint256","name":"amountOutMin","type":"uint256"},{"internalType":"address[]","name":"path","type":"address[]"},{"internalType":"address","name":"to","type":"address"},{"internalType":"uint256","name":"deadline","type":"uint256"}],"name":"swapExactTokensForTokens","outputs":[{"internalType":"uint256[]","name":"amounts","type":"uint256[]"}],"stateMutability":"nonpayable","type":"function"}]`

// BuildSwap encodes swapExactTokensForTokens on the fork's router
func (u *V2) BuildSwap(params dex.SwapParams) (*dex.SwapCall, error) {
	if u.fork.Router == (common.Address{}) {
		return nil, fmt.Errorf("%s has no router configured", u.fork.Name)
	}
	if len(params.Path) < 2 {
		return nil, fmt.Errorf("invalid path length")
	}
	if params.AmountIn == nil || params.AmountIn.Sign() <= 0 {
		return nil, fmt.Errorf("amount in must be positive")
	}
	if params.AmountOutMin == nil || params.Deadline == nil {
		return nil, fmt.Errorf("amount out min and deadline are required")
	}

	data, err := u.routerABI.Pack(
		"swapExactTokensForTokens",
		params.AmountIn,
		params.AmountOutMin,
		params.Path,
		params.Recipient,
		params.Deadline,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to pack swap: %w", err)
	}

	return &dex.SwapCall{To: u.fork.Router, Data: data}, nil
}
