package types

import "math/big"

// RiskLevel classifies how exposed a submission is to MEV competition
type RiskLevel int

const (
	RiskUnknown RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return "unknown"
	}
}

// PriorityLevel is how urgently the caller wants inclusion
type PriorityLevel int

const (
	PriorityLow PriorityLevel = iota
	PriorityMedium
	PriorityHigh
)

func (p PriorityLevel) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "medium"
	}
}

// ParsePriority maps "low", "medium" and "high" to a PriorityLevel.
// Anything else is medium.
func ParsePriority(s string) PriorityLevel {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	default:
		return PriorityMedium
	}
}

// GasRiskAssessment is recomputed on every risk query
type GasRiskAssessment struct {
	Level                  RiskLevel
	BlockNumber            uint64
	CurrentGasPrice        *big.Int
	AvgGasPrice            *big.Int
	BaseFee                *big.Int
	Volatility             float64
	PendingTxCount         int
	WindowSize             int
	RecommendedPriorityFee *big.Int
	RecommendedMaxFee      *big.Int
	TargetBlocks           []uint64
}

// GasSettings are EIP-1559 fee caps for a transaction
type GasSettings struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}
