package uniswap

import (
	"bytes"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Pair contract ABI
const pairABIJson = `[{
	"constant": true,
	"inputs": [],
	"name": "getReserves",
	"outputs": [
		{"name": "reserve0", "type": "uint112"},
		{"name": "reserve1", "type": "uint112"},
		{"name": "blockTimestampLast", "type": "uint32"}
	],
	"payable": false,
	"stateMutability": "view",
	"type": "function"
}, {
	"constant": true,
	"inputs": [],
	"name": "token0",
	"outputs": [{"name": "", "type": "address"}],
	"payable": false,
	"stateMutability": "view",
	"type": "function"
}]`

// SortTokens orders two tokens the way V2 factories do
func SortTokens(a, b common.Address) (common.Address, common.Address) {
	if bytes.Compare(a.Bytes(), b.Bytes()) > 0 {
		return b, a
	}
	return a, b
}

// PairFor derives the CREATE2 address of the pair for two tokens
func PairFor(factory common.Address, initCodeHash common.Hash, tokenA, tokenB common.Address) common.Address {
	token0, token1 := SortTokens(tokenA, tokenB)
	salt := crypto.Keccak256(token0.Bytes(), token1.Bytes())
	return common.BytesToAddress(crypto.Keccak256(
		[]byte{0xff},
		factory.Bytes(),
		salt,
		initCodeHash.Bytes(),
	))
}

// GetAmountOut returns the output of a constant-product swap with feeBps
// taken from the input
func GetAmountOut(amountIn, reserveIn, reserveOut *big.Int, feeBps uint64) *big.Int {
	if amountIn == nil || amountIn.Sign() <= 0 || reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return new(big.Int)
	}
	amountInWithFee := new(big.Int).Mul(amountIn, new(big.Int).SetUint64(10000-feeBps))
	numerator := new(big.Int).Mul(amountInWithFee, reserveOut)
	denominator := new(big.Int).Add(
		new(big.Int).Mul(reserveIn, big.NewInt(10000)),
		amountInWithFee,
	)
	return numerator.Div(numerator, denominator)
}

// GetAmountIn returns the input needed for amountOut, nil when the pool
// cannot provide it
func GetAmountIn(amountOut, reserveIn, reserveOut *big.Int, feeBps uint64) *big.Int {
	if amountOut == nil || amountOut.Sign() <= 0 || amountOut.Cmp(reserveOut) >= 0 {
		return nil
	}
	numerator := new(big.Int).Mul(
		new(big.Int).Mul(reserveIn, amountOut),
		big.NewInt(10000),
	)
	denominator := new(big.Int).Mul(
		new(big.Int).Sub(reserveOut, amountOut),
		new(big.Int).SetUint64(10000-feeBps),
	)
	return new(big.Int).Add(
		new(big.Int).Div(numerator, denominator),
		big.NewInt(1),
	)
}
