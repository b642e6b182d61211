package flashbots

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/flasharb/chain"
	"github.com/michaelpento.lv/flasharb/types"
	"github.com/michaelpento.lv/flasharb/utils"
	"github.com/michaelpento.lv/flasharb/utils/metrics"
)

const pathPrivate = "private"

// ReceiptWaiter blocks until a transaction is mined or the timeout elapses
type ReceiptWaiter interface {
	WaitForReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*gethtypes.Receipt, error)
}

// Formatter renders token amounts for humans
type Formatter interface {
	Format(token common.Address, amount *big.Int) string
}

// Decoder extracts balance changes the relay does not report itself,
// typically from the return data of the simulated transactions
type Decoder func(sim *types.SimulationResult) ([]types.BalanceChange, error)

// SubmitRequest describes one bundle submission
type SubmitRequest struct {
	// Transactions are RLP-encoded signed transactions
	Transactions [][]byte
	// TargetBlocks are tried in order
	TargetBlocks []uint64
	// Tokens[0] is the token whose balance must grow by ExpectedProfit
	Tokens         []common.Address
	ExpectedProfit *big.Int
	// TrackTx is watched for inclusion, defaults to the last transaction
	TrackTx          common.Hash
	InclusionTimeout time.Duration
	Decoder          Decoder
}

// OrchestratorConfig tunes an Orchestrator
type OrchestratorConfig struct {
	Retry              utils.RetryPolicy
	TransactionTimeout time.Duration
	StatusCacheSize    int
	StatusTTL          time.Duration
}

// Orchestrator drives a bundle through simulation, balance validation,
// submission and inclusion
type Orchestrator struct {
	relay    Relay
	receipts ReceiptWaiter
	format   Formatter
	cfg      OrchestratorConfig
	statuses *utils.Cache[string, types.BundleStatus]
	metrics  *metrics.BundleMetrics
	logger   *zap.Logger
}

// NewOrchestrator wires an orchestrator. m may be nil.
func NewOrchestrator(relay Relay, receipts ReceiptWaiter, format Formatter, cfg OrchestratorConfig, m *metrics.BundleMetrics, logger *zap.Logger) (*Orchestrator, error) {
	if relay == nil || receipts == nil {
		return nil, fmt.Errorf("relay and receipt source are required")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = utils.DefaultRetryPolicy()
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	if cfg.TransactionTimeout <= 0 {
		cfg.TransactionTimeout = 2 * time.Minute
	}
	if cfg.StatusCacheSize <= 0 {
		cfg.StatusCacheSize = 1024
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = time.Hour
	}

	statuses, err := utils.NewCache[string, types.BundleStatus](cfg.StatusCacheSize)
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		relay:    relay,
		receipts: receipts,
		format:   format,
		cfg:      cfg,
		statuses: statuses,
		metrics:  m,
		logger:   logger.Named("orchestrator"),
	}, nil
}

// Status returns the last known status of a bundle
func (o *Orchestrator) Status(bundleID string) (types.BundleStatus, bool) {
	return o.statuses.GetIfFresh(bundleID, o.cfg.StatusTTL)
}

func validateRequest(req SubmitRequest) error {
	switch {
	case len(req.Transactions) == 0:
		return errors.New("bundle has no transactions")
	case len(req.TargetBlocks) == 0:
		return errors.New("bundle has no target blocks")
	case len(req.Tokens) == 0:
		return errors.New("bundle has no profit token")
	case req.ExpectedProfit == nil || req.ExpectedProfit.Sign() < 0:
		return fmt.Errorf("%w: expected profit must not be negative", types.ErrInvalidAmount)
	}
	return nil
}

// Submit runs one submission attempt. Every call gets a fresh bundle id.
// Cancelling ctx stops the attempt up to the moment the relay accepts the
// bundle; after that inclusion is awaited regardless.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*types.SubmissionResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	res := &types.SubmissionResult{
		BundleID: uuid.NewString(),
		Status:   types.StatusPending,
		Private:  true,
	}
	logger := o.logger.With(zap.String("bundle_id", res.BundleID))
	o.statuses.Upsert(res.BundleID, res.Status)

	if err := ctx.Err(); err != nil {
		return o.cancelled(logger, res, err)
	}

	bundle := &Bundle{
		Txs:             req.Transactions,
		BlockNumber:     req.TargetBlocks[0],
		ReplacementUUID: res.BundleID,
	}

	// Pending -> Simulated
	start := time.Now()
	sim, err := utils.WithRetry(ctx, o.cfg.Retry, logger, methodCallBundle, func(ctx context.Context) (*types.SimulationResult, error) {
		return o.relay.SimulateBundle(ctx, bundle)
	})
	if o.metrics != nil {
		o.metrics.SimulationLatency.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if ctx.Err() != nil {
			return o.cancelled(logger, res, ctx.Err())
		}
		o.transition(logger, res, types.StatusRejected, "simulation failed: "+err.Error())
		return res, err
	}
	res.Simulation = sim

	if !sim.Success {
		o.transition(logger, res, types.StatusRejected, "simulation reverted: "+sim.RevertReason)
		return res, nil
	}
	if o.metrics != nil {
		o.metrics.GasUsed.Observe(float64(sim.GasUsed))
	}

	if req.Decoder != nil {
		changes, err := req.Decoder(sim)
		if err != nil {
			o.transition(logger, res, types.StatusRejected, "simulation failed: "+err.Error())
			return res, nil
		}
		sim.StateChanges = append(sim.StateChanges, changes...)
	}
	o.transition(logger, res, types.StatusSimulated, "")

	// balance validation
	token := req.Tokens[0]
	simulated := sim.Delta(token)
	res.BalanceValidation = &types.BalanceValidation{
		Token:     token,
		Expected:  new(big.Int).Set(req.ExpectedProfit),
		Simulated: simulated,
		Passed:    simulated.Cmp(req.ExpectedProfit) >= 0,
	}
	if !res.BalanceValidation.Passed {
		reason := fmt.Sprintf("balance validation failed: expected %s, simulated %s",
			o.formatAmount(token, req.ExpectedProfit), o.formatAmount(token, simulated))
		o.transition(logger, res, types.StatusRejected, reason)
		return res, nil
	}

	// Simulated -> Submitted
	var (
		accepted bool
		lastErr  error
	)
	for _, block := range req.TargetBlocks {
		if err := ctx.Err(); err != nil {
			return o.cancelled(logger, res, err)
		}

		target := *bundle
		target.BlockNumber = block
		bundleHash, err := utils.WithRetry(ctx, o.cfg.Retry, logger, methodSendBundle, func(ctx context.Context) (common.Hash, error) {
			return o.relay.SendBundle(ctx, &target)
		})
		if err != nil {
			if ctx.Err() != nil {
				return o.cancelled(logger, res, ctx.Err())
			}
			logger.Warn("Relay did not accept bundle",
				zap.Uint64("target_block", block),
				zap.Error(err))
			lastErr = err
			continue
		}

		accepted = true
		res.TargetBlock = block
		logger.Info("Bundle accepted by relay",
			zap.Uint64("target_block", block),
			zap.String("bundle_hash", bundleHash.Hex()))
		break
	}
	if !accepted {
		reason := fmt.Sprintf("%s: blocks %v", types.ReasonAllTargetsExhausted, req.TargetBlocks)
		if lastErr != nil {
			reason += ", last relay error: " + lastErr.Error()
		}
		o.transition(logger, res, types.StatusFailed, reason)
		if errors.Is(lastErr, types.ErrInfrastructureUnavailable) {
			return res, lastErr
		}
		return res, nil
	}
	o.transition(logger, res, types.StatusSubmitted, "")
	if o.metrics != nil {
		o.metrics.Submitted.Inc()
	}

	// Submitted -> Confirmed | Failed | TimedOut
	res.TxHash = req.TrackTx
	if res.TxHash == (common.Hash{}) {
		var tx gethtypes.Transaction
		if err := tx.UnmarshalBinary(req.Transactions[len(req.Transactions)-1]); err == nil {
			res.TxHash = tx.Hash()
		}
	}
	o.awaitInclusion(context.WithoutCancel(ctx), logger, res, o.inclusionTimeout(req.InclusionTimeout))
	return res, nil
}

func (o *Orchestrator) inclusionTimeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		return o.cfg.TransactionTimeout
	}
	return min(requested, o.cfg.TransactionTimeout)
}

func (o *Orchestrator) awaitInclusion(ctx context.Context, logger *zap.Logger, res *types.SubmissionResult, timeout time.Duration) {
	receipt, err := o.receipts.WaitForReceipt(ctx, res.TxHash, timeout)
	switch {
	case errors.Is(err, chain.ErrReceiptTimeout):
		o.transition(logger, res, types.StatusTimedOut, fmt.Sprintf("not included within %s", timeout))
	case err != nil:
		o.transition(logger, res, types.StatusFailed, "receipt lookup failed: "+err.Error())
	case receipt.Status != gethtypes.ReceiptStatusSuccessful:
		res.Receipt = receipt
		o.transition(logger, res, types.StatusFailed, "transaction reverted on chain")
	default:
		res.Receipt = receipt
		if o.metrics != nil {
			o.metrics.Confirmed.Inc()
		}
		o.transition(logger, res, types.StatusConfirmed, "")
	}
}

func (o *Orchestrator) cancelled(logger *zap.Logger, res *types.SubmissionResult, err error) (*types.SubmissionResult, error) {
	o.transition(logger, res, types.StatusFailed, types.ReasonCancelled)
	return res, err
}

// transition moves res to next. Illegal moves are logged and ignored.
func (o *Orchestrator) transition(logger *zap.Logger, res *types.SubmissionResult, next types.BundleStatus, reason string) {
	if !res.Status.CanTransition(next) {
		logger.Error("Illegal bundle transition",
			zap.Stringer("from", res.Status),
			zap.Stringer("to", next))
		return
	}

	res.Status = next
	if reason != "" {
		res.Reason = reason
	}
	o.statuses.Upsert(res.BundleID, next)

	if next.Terminal() {
		if o.metrics != nil {
			o.metrics.Observe(next.String(), pathPrivate)
		}
		logger.Info("Bundle finished",
			zap.Stringer("status", next),
			zap.String("reason", reason))
		return
	}
	logger.Debug("Bundle advanced", zap.Stringer("status", next))
}

func (o *Orchestrator) formatAmount(token common.Address, amount *big.Int) string {
	if o.format == nil {
		return fmt.Sprintf("%+d", amount)
	}
	return o.format.Format(token, amount)
}
