package flashbots

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/michaelpento.lv/flasharb/types"
	"github.com/michaelpento.lv/flasharb/utils"
	"github.com/michaelpento.lv/flasharb/utils/metrics"
	"github.com/michaelpento.lv/flasharb/utils/testutils"
)

var weth = common.HexToAddress("0x4200000000000000000000000000000000000006")

type mockRelay struct {
	mock.Mock
}

func (m *mockRelay) SimulateBundle(ctx context.Context, bundle *Bundle) (*types.SimulationResult, error) {
	args := m.Called(ctx, bundle)
	sim, _ := args.Get(0).(*types.SimulationResult)
	return sim, args.Error(1)
}

func (m *mockRelay) SendBundle(ctx context.Context, bundle *Bundle) (common.Hash, error) {
	args := m.Called(ctx, bundle)
	return args.Get(0).(common.Hash), args.Error(1)
}

func (m *mockRelay) UserStats(ctx context.Context, blockNumber uint64) (*UserStats, error) {
	args := m.Called(ctx, blockNumber)
	stats, _ := args.Get(0).(*UserStats)
	return stats, args.Error(1)
}

type wethFormatter struct{}

func (wethFormatter) Format(_ common.Address, amount *big.Int) string {
	d := decimal.NewFromBigInt(amount, -18)
	if d.Sign() >= 0 {
		return "+" + d.String() + " WETH"
	}
	return d.String() + " WETH"
}

type orchestratorFixture struct {
	relay   *mockRelay
	chain   *testutils.FakeChain
	metrics *metrics.BundleMetrics
	orch    *Orchestrator
}

func newFixture(t *testing.T) *orchestratorFixture {
	f := &orchestratorFixture{
		relay:   &mockRelay{},
		chain:   testutils.NewFakeChain(),
		metrics: metrics.NewBundleMetrics(prometheus.NewRegistry(), "test"),
	}

	orch, err := NewOrchestrator(f.relay, f.chain, wethFormatter{}, OrchestratorConfig{
		Retry: utils.RetryPolicy{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     2 * time.Millisecond,
			Multiplier:      2,
		},
		TransactionTimeout: time.Second,
	}, f.metrics, zaptest.NewLogger(t))
	require.NoError(t, err)
	f.orch = orch
	return f
}

func successfulSim() *types.SimulationResult {
	return &types.SimulationResult{Success: true, GasUsed: 310000}
}

// profitDecoder reports profit as the simulated WETH balance change
func profitDecoder(profit *big.Int) Decoder {
	return func(sim *types.SimulationResult) ([]types.BalanceChange, error) {
		return []types.BalanceChange{{Token: weth, Delta: new(big.Int).Set(profit)}}, nil
	}
}

func testRequest(trackTx common.Hash) SubmitRequest {
	return SubmitRequest{
		Transactions:     [][]byte{{0x02, 0x01}},
		TargetBlocks:     []uint64{1001, 1002, 1003},
		Tokens:           []common.Address{weth},
		ExpectedProfit:   testutils.Ether("0.02"),
		TrackTx:          trackTx,
		InclusionTimeout: 500 * time.Millisecond,
		Decoder:          profitDecoder(testutils.Ether("0.0281")),
	}
}

func TestSubmitRejectsRevertedSimulation(t *testing.T) {
	f := newFixture(t)
	f.relay.On("SimulateBundle", mock.Anything, mock.Anything).Return(&types.SimulationResult{
		Success:      false,
		RevertReason: "insufficient output amount",
	}, nil).Once()

	res, err := f.orch.Submit(context.Background(), testRequest(common.HexToHash("0x01")))
	require.NoError(t, err)

	assert.Equal(t, types.StatusRejected, res.Status)
	assert.Equal(t, "simulation reverted: insufficient output amount", res.Reason)
	f.relay.AssertNotCalled(t, "SendBundle", mock.Anything, mock.Anything)
	f.relay.AssertNumberOfCalls(t, "SimulateBundle", 1)

	status, ok := f.orch.Status(res.BundleID)
	require.True(t, ok)
	assert.Equal(t, types.StatusRejected, status)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Bundles.WithLabelValues("rejected", "private")))
}

func TestSubmitConfirmed(t *testing.T) {
	f := newFixture(t)
	track := common.HexToHash("0xabc")
	f.chain.SetReceipt(track, &gethtypes.Receipt{TxHash: track, Status: gethtypes.ReceiptStatusSuccessful})

	f.relay.On("SimulateBundle", mock.Anything, mock.Anything).Return(successfulSim(), nil).Once()
	f.relay.On("SendBundle", mock.Anything, mock.MatchedBy(func(b *Bundle) bool { return b.BlockNumber == 1001 })).
		Return(common.Hash{}, &RPCError{Code: -32000, Message: "block in the past"}).Once()
	f.relay.On("SendBundle", mock.Anything, mock.MatchedBy(func(b *Bundle) bool { return b.BlockNumber == 1002 })).
		Run(func(args mock.Arguments) {
			// nothing reaches the relay before simulation and balance checks pass
			b := args.Get(1).(*Bundle)
			status, ok := f.orch.Status(b.ReplacementUUID)
			assert.True(t, ok)
			assert.Equal(t, types.StatusSimulated, status)
		}).
		Return(common.HexToHash("0xbb"), nil).Once()

	res, err := f.orch.Submit(context.Background(), testRequest(track))
	require.NoError(t, err)

	assert.Equal(t, types.StatusConfirmed, res.Status)
	assert.Equal(t, uint64(1002), res.TargetBlock)
	assert.Equal(t, track, res.TxHash)
	require.NotNil(t, res.Receipt)
	require.NotNil(t, res.BalanceValidation)
	assert.True(t, res.BalanceValidation.Passed)
	assert.Equal(t, testutils.Ether("0.0281"), res.BalanceValidation.Simulated)
	f.relay.AssertExpectations(t)
	f.relay.AssertNotCalled(t, "SendBundle", mock.Anything, mock.MatchedBy(func(b *Bundle) bool { return b.BlockNumber == 1003 }))

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Submitted))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Confirmed))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.InclusionRate))
}

func TestSubmitBalanceValidation(t *testing.T) {
	f := newFixture(t)
	f.relay.On("SimulateBundle", mock.Anything, mock.Anything).Return(successfulSim(), nil).Once()

	req := testRequest(common.HexToHash("0x01"))
	req.Decoder = profitDecoder(testutils.Ether("0.01"))

	res, err := f.orch.Submit(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, types.StatusRejected, res.Status)
	assert.Equal(t, "balance validation failed: expected +0.02 WETH, simulated +0.01 WETH", res.Reason)
	require.NotNil(t, res.BalanceValidation)
	assert.False(t, res.BalanceValidation.Passed)
	f.relay.AssertNotCalled(t, "SendBundle", mock.Anything, mock.Anything)
}

func TestSubmitDecoderFailure(t *testing.T) {
	f := newFixture(t)
	f.relay.On("SimulateBundle", mock.Anything, mock.Anything).Return(successfulSim(), nil).Once()

	req := testRequest(common.HexToHash("0x01"))
	req.Decoder = func(*types.SimulationResult) ([]types.BalanceChange, error) {
		return nil, errors.New("no return data")
	}

	res, err := f.orch.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRejected, res.Status)
	assert.Contains(t, res.Reason, "no return data")
	f.relay.AssertNotCalled(t, "SendBundle", mock.Anything, mock.Anything)
}

func TestSubmitIdenticalBundlesAreIndependent(t *testing.T) {
	f := newFixture(t)
	f.relay.On("SimulateBundle", mock.Anything, mock.Anything).Return(&types.SimulationResult{
		Success:      false,
		RevertReason: "stale reserves",
	}, nil).Twice()

	first, err := f.orch.Submit(context.Background(), testRequest(common.HexToHash("0x01")))
	require.NoError(t, err)
	second, err := f.orch.Submit(context.Background(), testRequest(common.HexToHash("0x01")))
	require.NoError(t, err)

	assert.NotEqual(t, first.BundleID, second.BundleID)
	assert.Equal(t, types.StatusRejected, second.Status)
	f.relay.AssertNumberOfCalls(t, "SimulateBundle", 2)

	uuids := make(map[string]bool)
	for _, call := range f.relay.Calls {
		uuids[call.Arguments.Get(1).(*Bundle).ReplacementUUID] = true
	}
	assert.Equal(t, map[string]bool{first.BundleID: true, second.BundleID: true}, uuids)
}

func TestSubmitAllTargetsExhausted(t *testing.T) {
	f := newFixture(t)
	f.relay.On("SimulateBundle", mock.Anything, mock.Anything).Return(successfulSim(), nil).Once()
	f.relay.On("SendBundle", mock.Anything, mock.Anything).
		Return(common.Hash{}, &RPCError{Code: -32000, Message: "rejected"})

	res, err := f.orch.Submit(context.Background(), testRequest(common.HexToHash("0x01")))
	require.NoError(t, err)

	assert.Equal(t, types.StatusFailed, res.Status)
	assert.True(t, strings.HasPrefix(res.Reason, types.ReasonAllTargetsExhausted), res.Reason)
	assert.Contains(t, res.Reason, "blocks [1001 1002 1003]")
	assert.Contains(t, res.Reason, "last relay error: relay error -32000: rejected")
	f.relay.AssertNumberOfCalls(t, "SendBundle", 3)
}

func TestSubmitRelayUnavailable(t *testing.T) {
	f := newFixture(t)
	f.relay.On("SimulateBundle", mock.Anything, mock.Anything).
		Return(nil, utils.MarkTransient(errors.New("connection refused")))

	res, err := f.orch.Submit(context.Background(), testRequest(common.HexToHash("0x01")))
	require.ErrorIs(t, err, types.ErrInfrastructureUnavailable)
	require.NotNil(t, res)
	assert.Equal(t, types.StatusRejected, res.Status)
	assert.Contains(t, res.Reason, "simulation failed")
	f.relay.AssertNumberOfCalls(t, "SimulateBundle", 3)
	f.relay.AssertNotCalled(t, "SendBundle", mock.Anything, mock.Anything)
}

func TestSubmitInclusionOutcomes(t *testing.T) {
	t.Run("timed out", func(t *testing.T) {
		f := newFixture(t)
		f.relay.On("SimulateBundle", mock.Anything, mock.Anything).Return(successfulSim(), nil)
		f.relay.On("SendBundle", mock.Anything, mock.Anything).Return(common.HexToHash("0xbb"), nil)

		req := testRequest(common.HexToHash("0x0404"))
		req.InclusionTimeout = 20 * time.Millisecond

		start := time.Now()
		res, err := f.orch.Submit(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, types.StatusTimedOut, res.Status)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	})

	t.Run("reverted on chain", func(t *testing.T) {
		f := newFixture(t)
		track := common.HexToHash("0x0505")
		f.chain.SetReceipt(track, &gethtypes.Receipt{TxHash: track, Status: gethtypes.ReceiptStatusFailed})
		f.relay.On("SimulateBundle", mock.Anything, mock.Anything).Return(successfulSim(), nil)
		f.relay.On("SendBundle", mock.Anything, mock.Anything).Return(common.HexToHash("0xbb"), nil)

		res, err := f.orch.Submit(context.Background(), testRequest(track))
		require.NoError(t, err)
		assert.Equal(t, types.StatusFailed, res.Status)
		assert.Equal(t, "transaction reverted on chain", res.Reason)
	})

	t.Run("tracks last transaction by default", func(t *testing.T) {
		f := newFixture(t)
		tx := testutils.CreateMockTransaction(t, 3)
		raw, err := tx.MarshalBinary()
		require.NoError(t, err)
		f.chain.SetReceipt(tx.Hash(), &gethtypes.Receipt{TxHash: tx.Hash(), Status: gethtypes.ReceiptStatusSuccessful})
		f.relay.On("SimulateBundle", mock.Anything, mock.Anything).Return(successfulSim(), nil)
		f.relay.On("SendBundle", mock.Anything, mock.Anything).Return(common.HexToHash("0xbb"), nil)

		req := testRequest(common.Hash{})
		req.Transactions = [][]byte{raw}
		res, err := f.orch.Submit(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, tx.Hash(), res.TxHash)
		assert.Equal(t, types.StatusConfirmed, res.Status)
	})
}

func TestSubmitCancellation(t *testing.T) {
	t.Run("before simulation", func(t *testing.T) {
		f := newFixture(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		res, err := f.orch.Submit(ctx, testRequest(common.HexToHash("0x01")))
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, types.StatusFailed, res.Status)
		assert.Equal(t, types.ReasonCancelled, res.Reason)
		f.relay.AssertNotCalled(t, "SimulateBundle", mock.Anything, mock.Anything)
	})

	t.Run("after simulation", func(t *testing.T) {
		f := newFixture(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		f.relay.On("SimulateBundle", mock.Anything, mock.Anything).
			Run(func(mock.Arguments) { cancel() }).
			Return(successfulSim(), nil)

		res, err := f.orch.Submit(ctx, testRequest(common.HexToHash("0x01")))
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, types.StatusFailed, res.Status)
		assert.Equal(t, types.ReasonCancelled, res.Reason)
		f.relay.AssertNotCalled(t, "SendBundle", mock.Anything, mock.Anything)
	})

	t.Run("ignored once submitted", func(t *testing.T) {
		f := newFixture(t)
		track := common.HexToHash("0x0606")
		f.chain.SetReceipt(track, &gethtypes.Receipt{TxHash: track, Status: gethtypes.ReceiptStatusSuccessful})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		f.relay.On("SimulateBundle", mock.Anything, mock.Anything).Return(successfulSim(), nil)
		f.relay.On("SendBundle", mock.Anything, mock.Anything).
			Run(func(mock.Arguments) { cancel() }).
			Return(common.HexToHash("0xbb"), nil)

		res, err := f.orch.Submit(ctx, testRequest(track))
		require.NoError(t, err)
		assert.Equal(t, types.StatusConfirmed, res.Status)
	})
}

func TestSubmitValidatesRequest(t *testing.T) {
	f := newFixture(t)

	req := testRequest(common.HexToHash("0x01"))
	req.TargetBlocks = nil
	_, err := f.orch.Submit(context.Background(), req)
	require.Error(t, err)

	req = testRequest(common.HexToHash("0x01"))
	req.ExpectedProfit = big.NewInt(-1)
	_, err = f.orch.Submit(context.Background(), req)
	require.ErrorIs(t, err, types.ErrInvalidAmount)

	f.relay.AssertNotCalled(t, "SimulateBundle", mock.Anything, mock.Anything)
}

func TestInclusionTimeout(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, time.Second, f.orch.inclusionTimeout(0))
	assert.Equal(t, 100*time.Millisecond, f.orch.inclusionTimeout(100*time.Millisecond))
	assert.Equal(t, time.Second, f.orch.inclusionTimeout(time.Hour))
}
