package simulator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/flasharb/chain"
	"github.com/michaelpento.lv/flasharb/flashloan"
	"github.com/michaelpento.lv/flasharb/types"
	"github.com/michaelpento.lv/flasharb/utils/metrics"
)

const pathPublic = "public"

// Formatter renders token amounts for humans
type Formatter interface {
	Format(token common.Address, amount *big.Int) string
}

// ProfitDecoder reads the realized profit from a call's return data
type ProfitDecoder func(returnData []byte) (*big.Int, error)

// Request is one public-mempool execution
type Request struct {
	Tx             *flashloan.PreparedTransaction
	Token          common.Address
	ExpectedProfit *big.Int
	Timeout        time.Duration
	Decoder        ProfitDecoder
}

// Simulator pre-flights transactions against the node and, when they pass,
// sends them to the public mempool
type Simulator struct {
	client             chain.Client
	wallet             *chain.Wallet
	format             Formatter
	transactionTimeout time.Duration
	metrics            *metrics.BundleMetrics
	logger             *zap.Logger
}

// NewSimulator creates a simulator. m may be nil.
func NewSimulator(client chain.Client, wallet *chain.Wallet, format Formatter, transactionTimeout time.Duration, m *metrics.BundleMetrics, logger *zap.Logger) *Simulator {
	if transactionTimeout <= 0 {
		transactionTimeout = 2 * time.Minute
	}
	return &Simulator{
		client:             client,
		wallet:             wallet,
		format:             format,
		transactionTimeout: transactionTimeout,
		metrics:            m,
		logger:             logger.Named("simulator"),
	}
}

// SimulateTransaction runs eth_estimateGas then eth_call for msg. A revert
// is reported in the result; only infrastructure failures return an error.
func (s *Simulator) SimulateTransaction(ctx context.Context, msg ethereum.CallMsg) (*types.SimulationResult, error) {
	gasUsed, err := s.client.EstimateGas(ctx, msg)
	if err != nil {
		if isInfrastructure(ctx, err) {
			return nil, fmt.Errorf("failed to estimate gas: %w", err)
		}
		return &types.SimulationResult{
			Success:      false,
			RevertReason: chain.RevertReason(err),
		}, nil
	}
	if msg.Gas > 0 && gasUsed > msg.Gas {
		return &types.SimulationResult{
			Success:      false,
			GasUsed:      gasUsed,
			RevertReason: fmt.Sprintf("gas estimate %d exceeds limit %d", gasUsed, msg.Gas),
		}, nil
	}

	result, err := s.client.CallContract(ctx, msg)
	if err != nil {
		if isInfrastructure(ctx, err) {
			return nil, fmt.Errorf("failed to call contract: %w", err)
		}
		return &types.SimulationResult{
			Success:      false,
			GasUsed:      gasUsed,
			RevertReason: chain.RevertReason(err),
		}, nil
	}

	return &types.SimulationResult{
		Success: true,
		GasUsed: gasUsed,
		Results: []types.TxSimulation{{GasUsed: gasUsed, ReturnData: result}},
	}, nil
}

// Execute pre-flights req.Tx, checks the simulated profit, then signs,
// sends and waits for the receipt. Cancelling ctx has no effect once the
// transaction is broadcast.
func (s *Simulator) Execute(ctx context.Context, req Request) (*types.SubmissionResult, error) {
	if req.Tx == nil {
		return nil, errors.New("transaction is required")
	}
	if req.ExpectedProfit == nil || req.ExpectedProfit.Sign() < 0 {
		return nil, fmt.Errorf("%w: expected profit must not be negative", types.ErrInvalidAmount)
	}

	res := &types.SubmissionResult{
		BundleID: uuid.NewString(),
		Status:   types.StatusPending,
	}
	logger := s.logger.With(zap.String("bundle_id", res.BundleID))

	if err := ctx.Err(); err != nil {
		s.transition(logger, res, types.StatusFailed, types.ReasonCancelled)
		return res, err
	}

	sim, err := s.SimulateTransaction(ctx, req.Tx.CallMsg())
	if err != nil {
		if ctx.Err() != nil {
			s.transition(logger, res, types.StatusFailed, types.ReasonCancelled)
			return res, ctx.Err()
		}
		s.transition(logger, res, types.StatusRejected, "simulation failed: "+err.Error())
		return res, err
	}
	res.Simulation = sim
	if !sim.Success {
		s.transition(logger, res, types.StatusRejected, "simulation reverted: "+sim.RevertReason)
		return res, nil
	}

	if req.Decoder != nil {
		profit, err := req.Decoder(sim.Results[0].ReturnData)
		if err != nil {
			s.transition(logger, res, types.StatusRejected, "simulation failed: "+err.Error())
			return res, nil
		}
		sim.StateChanges = append(sim.StateChanges, types.BalanceChange{
			Token:   req.Token,
			Account: req.Tx.To,
			Delta:   profit,
		})
	}
	s.transition(logger, res, types.StatusSimulated, "")

	simulated := sim.Delta(req.Token)
	res.BalanceValidation = &types.BalanceValidation{
		Token:     req.Token,
		Expected:  new(big.Int).Set(req.ExpectedProfit),
		Simulated: simulated,
		Passed:    simulated.Cmp(req.ExpectedProfit) >= 0,
	}
	if !res.BalanceValidation.Passed {
		s.transition(logger, res, types.StatusRejected, fmt.Sprintf("balance validation failed: expected %s, simulated %s",
			s.formatAmount(req.Token, req.ExpectedProfit), s.formatAmount(req.Token, simulated)))
		return res, nil
	}

	if err := ctx.Err(); err != nil {
		s.transition(logger, res, types.StatusFailed, types.ReasonCancelled)
		return res, err
	}

	signed, err := chain.SignAndSend(ctx, s.client, s.wallet, req.Tx.Transaction())
	if err != nil {
		if ctx.Err() != nil {
			s.transition(logger, res, types.StatusFailed, types.ReasonCancelled)
			return res, ctx.Err()
		}
		s.transition(logger, res, types.StatusFailed, "send failed: "+err.Error())
		return res, err
	}
	res.TxHash = signed.Hash()
	s.transition(logger, res, types.StatusSubmitted, "")
	if s.metrics != nil {
		s.metrics.Submitted.Inc()
	}

	timeout := s.transactionTimeout
	if req.Timeout > 0 {
		timeout = min(req.Timeout, timeout)
	}

	receipt, err := s.client.WaitForReceipt(context.WithoutCancel(ctx), res.TxHash, timeout)
	switch {
	case errors.Is(err, chain.ErrReceiptTimeout):
		s.transition(logger, res, types.StatusTimedOut, fmt.Sprintf("not included within %s", timeout))
	case err != nil:
		s.transition(logger, res, types.StatusFailed, "receipt lookup failed: "+err.Error())
	case receipt.Status != gethtypes.ReceiptStatusSuccessful:
		res.Receipt = receipt
		s.transition(logger, res, types.StatusFailed, "transaction reverted on chain")
	default:
		res.Receipt = receipt
		if receipt.BlockNumber != nil {
			res.TargetBlock = receipt.BlockNumber.Uint64()
		}
		if s.metrics != nil {
			s.metrics.Confirmed.Inc()
		}
		s.transition(logger, res, types.StatusConfirmed, "")
	}
	return res, nil
}

func (s *Simulator) transition(logger *zap.Logger, res *types.SubmissionResult, next types.BundleStatus, reason string) {
	if !res.Status.CanTransition(next) {
		logger.Error("Illegal transaction transition",
			zap.Stringer("from", res.Status),
			zap.Stringer("to", next))
		return
	}
	res.Status = next
	if reason != "" {
		res.Reason = reason
	}

	if next.Terminal() {
		if s.metrics != nil {
			s.metrics.Observe(next.String(), pathPublic)
		}
		logger.Info("Public transaction finished",
			zap.Stringer("status", next),
			zap.String("tx", res.TxHash.Hex()),
			zap.String("reason", reason))
	}
}

func (s *Simulator) formatAmount(token common.Address, amount *big.Int) string {
	if s.format == nil {
		return fmt.Sprintf("%+d", amount)
	}
	return s.format.Format(token, amount)
}

func isInfrastructure(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, types.ErrInfrastructureUnavailable)
}
