package types

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// BundleStatus is the lifecycle state of one submission attempt
type BundleStatus int

const (
	StatusPending BundleStatus = iota
	StatusSimulated
	StatusRejected
	StatusSubmitted
	StatusConfirmed
	StatusFailed
	StatusTimedOut
)

func (s BundleStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSimulated:
		return "simulated"
	case StatusRejected:
		return "rejected"
	case StatusSubmitted:
		return "submitted"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	case StatusTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible
func (s BundleStatus) Terminal() bool {
	switch s {
	case StatusRejected, StatusConfirmed, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

var allowedTransitions = map[BundleStatus][]BundleStatus{
	StatusPending:   {StatusSimulated, StatusRejected, StatusFailed},
	StatusSimulated: {StatusRejected, StatusSubmitted, StatusFailed},
	StatusSubmitted: {StatusConfirmed, StatusFailed, StatusTimedOut},
}

// CanTransition reports whether moving from s to next is allowed
func (s BundleStatus) CanTransition(next BundleStatus) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// BalanceChange is a token balance delta reported by a simulation
type BalanceChange struct {
	Token   common.Address
	Account common.Address
	Delta   *big.Int
}

// TxSimulation is the simulated outcome of one transaction in a bundle
type TxSimulation struct {
	TxHash     common.Hash
	GasUsed    uint64
	Error      string
	Revert     string
	ReturnData []byte
}

// SimulationResult is the outcome of simulating a bundle or a single call
type SimulationResult struct {
	Success      bool
	GasUsed      uint64
	RevertReason string
	BundleHash   common.Hash
	CoinbaseDiff *big.Int
	StateBlock   uint64
	Results      []TxSimulation
	StateChanges []BalanceChange
}

// Delta sums the simulated balance changes of token
func (s *SimulationResult) Delta(token common.Address) *big.Int {
	total := new(big.Int)
	for _, c := range s.StateChanges {
		if c.Token == token && c.Delta != nil {
			total.Add(total, c.Delta)
		}
	}
	return total
}

// BalanceValidation compares the simulated delta with the expected profit
type BalanceValidation struct {
	Token     common.Address
	Expected  *big.Int
	Simulated *big.Int
	Passed    bool
}

// SubmissionResult is what the caller gets back from an execution attempt
type SubmissionResult struct {
	BundleID          string
	Status            BundleStatus
	Private           bool
	TargetBlock       uint64
	TxHash            common.Hash
	Reason            string
	Simulation        *SimulationResult
	BalanceValidation *BalanceValidation
	Receipt           *gethtypes.Receipt
}

// Reason strings used for terminal outcomes
const (
	ReasonAllTargetsExhausted = "AllTargetsExhausted"
	ReasonCancelled           = "cancelled"
)
