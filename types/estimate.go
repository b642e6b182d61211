package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// CostEstimate holds the cost of borrowing Amount of Token for one arbitrage.
// Monetary fields are integer token units except GasCostWei.
type CostEstimate struct {
	Token              common.Address
	Amount             *big.Int
	ProtocolFee        *big.Int
	GasLimit           uint64
	GasPriceWithBuffer *big.Int
	GasCostWei         *big.Int
	GasCostInToken     *big.Int
	TotalCost          *big.Int
	MinProfitRequired  *big.Int
	MinOutputNeeded    *big.Int
	Warnings           []string
}

// ValidationResult is the profitability verdict for a route
type ValidationResult struct {
	IsCircular        bool
	GrossProfit       *big.Int
	NetProfit         *big.Int
	MinProfitRequired *big.Int
	IsProfitable      bool
	ProfitMargin      float64
	Warnings          []string
	Cost              *CostEstimate
}

// HasWarning reports whether the result carries the given warning
func (v *ValidationResult) HasWarning(w string) bool {
	for _, existing := range v.Warnings {
		if existing == w {
			return true
		}
	}
	return false
}
