package flashloan

import (
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/michaelpento.lv/flasharb/types"
)

// Quote is the cheapest way found to borrow an amount
type Quote struct {
	Provider  string
	Token     common.Address
	Amount    *big.Int
	FeeBps    uint64
	Fee       *big.Int
	Liquidity *big.Int
}

// PrepareRequest describes one arbitrage to encode
type PrepareRequest struct {
	Token     common.Address
	Amount    *big.Int
	Route     *types.Route
	MinProfit *big.Int
	// Gas overrides the fallback fee computation when set
	Gas *types.GasSettings
}

// PreparedTransaction is an unsigned executeArbitrage call
type PreparedTransaction struct {
	ChainID              *big.Int
	From                 common.Address
	To                   common.Address
	Data                 []byte
	Gas                  uint64
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	Nonce                uint64
}

// Transaction returns the EIP-1559 transaction for p
func (p *PreparedTransaction) Transaction() *gethtypes.Transaction {
	to := p.To
	return gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   new(big.Int).Set(p.ChainID),
		Nonce:     p.Nonce,
		GasTipCap: new(big.Int).Set(p.MaxPriorityFeePerGas),
		GasFeeCap: new(big.Int).Set(p.MaxFeePerGas),
		Gas:       p.Gas,
		To:        &to,
		Value:     new(big.Int),
		Data:      append([]byte(nil), p.Data...),
	})
}

// CallMsg returns p as an eth_call / eth_estimateGas request
func (p *PreparedTransaction) CallMsg() ethereum.CallMsg {
	to := p.To
	return ethereum.CallMsg{
		From:      p.From,
		To:        &to,
		Gas:       p.Gas,
		GasFeeCap: new(big.Int).Set(p.MaxFeePerGas),
		GasTipCap: new(big.Int).Set(p.MaxPriorityFeePerGas),
		Value:     new(big.Int),
		Data:      append([]byte(nil), p.Data...),
	}
}
