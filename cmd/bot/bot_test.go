package bot

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/michaelpento.lv/flasharb/chain"
	"github.com/michaelpento.lv/flasharb/config"
	"github.com/michaelpento.lv/flasharb/flashbots"
	"github.com/michaelpento.lv/flasharb/flashloan"
	"github.com/michaelpento.lv/flasharb/types"
	"github.com/michaelpento.lv/flasharb/utils/testutils"
)

var (
	weth     = common.HexToAddress("0x4200000000000000000000000000000000000006")
	usdc     = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	contract = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
)

type mockRelay struct {
	mock.Mock
}

func (m *mockRelay) SimulateBundle(ctx context.Context, bundle *flashbots.Bundle) (*types.SimulationResult, error) {
	args := m.Called(ctx, bundle)
	res, _ := args.Get(0).(*types.SimulationResult)
	return res, args.Error(1)
}

func (m *mockRelay) SendBundle(ctx context.Context, bundle *flashbots.Bundle) (common.Hash, error) {
	args := m.Called(ctx, bundle)
	return args.Get(0).(common.Hash), args.Error(1)
}

func (m *mockRelay) UserStats(ctx context.Context, blockNumber uint64) (*flashbots.UserStats, error) {
	args := m.Called(ctx, blockNumber)
	stats, _ := args.Get(0).(*flashbots.UserStats)
	return stats, args.Error(1)
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.NativeToken = weth.Hex()
	cfg.FlashLoanContractAddress = contract.Hex()
	cfg.Trading.GasPriceBufferPercent = 0
	cfg.SupportedTokens = []config.TokenConfig{
		{Symbol: "WETH", Address: weth.Hex(), Decimals: 18, FlashLoanEnabled: true},
		{Symbol: "USDC", Address: usdc.Hex(), Decimals: 6, PriceInETH: "0.0004"},
	}
	return cfg
}

type fixture struct {
	bot    *Bot
	chain  *testutils.FakeChain
	relay  *mockRelay
	wallet *chain.Wallet
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()

	fake := testutils.NewFakeChain()
	fake.SetGasPrice(testutils.Gwei(2))
	relay := &mockRelay{}
	wallet := chain.NewWalletFromKey(testutils.NewTestKey(t), big.NewInt(int64(cfg.ChainID)))
	fake.SetNonce(wallet.Address(), 5)

	b, err := NewWithDeps(cfg, Deps{Client: fake, Wallet: wallet, Relay: relay}, zaptest.NewLogger(t))
	require.NoError(t, err)

	return &fixture{bot: b, chain: fake, relay: relay, wallet: wallet}
}

func circularRoute(t *testing.T) *types.Route {
	route, err := types.NewRoute(
		types.Hop{DexID: 1, TokenIn: weth, TokenOut: usdc},
		types.Hop{DexID: 2, TokenIn: usdc, TokenOut: weth},
	)
	require.NoError(t, err)
	return route
}

func packProfit(t *testing.T, profit *big.Int) []byte {
	parsed, err := abi.JSON(strings.NewReader(flashloan.ArbitrageABI))
	require.NoError(t, err)
	out, err := parsed.Methods["executeArbitrage"].Outputs.Pack(profit)
	require.NoError(t, err)
	return out
}

func decodeTx(t *testing.T, raw []byte) *gethtypes.Transaction {
	var tx gethtypes.Transaction
	require.NoError(t, tx.UnmarshalBinary(raw))
	return &tx
}

func TestValidateOpportunity(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	route := circularRoute(t)

	t.Run("profitable", func(t *testing.T) {
		result, err := f.bot.ValidateOpportunity(ctx, route, testutils.Ether("1"), testutils.Ether("1.03"))
		require.NoError(t, err)

		assert.True(t, result.IsProfitable)
		assert.Equal(t, testutils.Ether("0.0019"), result.Cost.TotalCost)
		assert.Equal(t, testutils.Ether("0.03"), result.GrossProfit)
		assert.Equal(t, testutils.Ether("0.0281"), result.NetProfit)
		assert.Equal(t, testutils.Ether("0.02"), result.MinProfitRequired)
		assert.True(t, result.HasWarning(types.WarningThinMargin))
	})

	t.Run("unprofitable", func(t *testing.T) {
		result, err := f.bot.ValidateOpportunity(ctx, route, testutils.Ether("1"), testutils.Ether("1.015"))
		require.NoError(t, err)

		assert.False(t, result.IsProfitable)
		assert.Equal(t, testutils.Ether("0.0131"), result.NetProfit)
	})

	m := f.bot.metrics.Validation
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Validations))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Profitable))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Unprofitable))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Warnings.WithLabelValues(types.WarningThinMargin)))
}

func TestValidateOpportunityRejectsBadInput(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	_, err := f.bot.ValidateOpportunity(ctx, circularRoute(t), big.NewInt(0), testutils.Ether("1"))
	require.ErrorIs(t, err, types.ErrInvalidAmount)

	_, err = f.bot.ValidateOpportunity(ctx, nil, testutils.Ether("1"), testutils.Ether("1"))
	require.ErrorIs(t, err, types.ErrInvalidRoute)

	unknown := common.HexToAddress("0xdead")
	route, err := types.NewRoute(
		types.Hop{DexID: 1, TokenIn: unknown, TokenOut: weth},
		types.Hop{DexID: 1, TokenIn: weth, TokenOut: unknown},
	)
	require.NoError(t, err)
	_, err = f.bot.ValidateOpportunity(ctx, route, testutils.Ether("1"), testutils.Ether("1.1"))
	require.ErrorIs(t, err, types.ErrUnsupportedToken)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.bot.metrics.Validation.EstimateErrors.WithLabelValues("unsupported_token")))
}

func TestExecuteOpportunityPrivateConfirmed(t *testing.T) {
	f := newFixture(t, testConfig())

	f.relay.On("SimulateBundle", mock.Anything, mock.Anything).
		Return(&types.SimulationResult{
			Success: true,
			GasUsed: 300000,
			Results: []types.TxSimulation{{GasUsed: 300000, ReturnData: packProfit(t, testutils.Ether("0.02"))}},
		}, nil).Once()

	var sent *gethtypes.Transaction
	f.relay.On("SendBundle", mock.Anything, mock.MatchedBy(func(b *flashbots.Bundle) bool {
		return b.BlockNumber == 1001
	})).Run(func(args mock.Arguments) {
		bundle := args.Get(1).(*flashbots.Bundle)
		sent = decodeTx(t, bundle.Txs[0])
		f.chain.SetReceipt(sent.Hash(), &gethtypes.Receipt{
			Status:      gethtypes.ReceiptStatusSuccessful,
			TxHash:      sent.Hash(),
			BlockNumber: big.NewInt(1001),
		})
	}).Return(common.HexToHash("0xb0"), nil).Once()

	res, err := f.bot.ExecuteOpportunity(context.Background(), ExecuteRequest{
		Token:           weth,
		Amount:          testutils.Ether("1"),
		Route:           circularRoute(t),
		MinProfit:       testutils.Ether("0.01"),
		UsePrivateRelay: true,
		Priority:        types.PriorityMedium,
	})
	require.NoError(t, err)

	assert.Equal(t, types.StatusConfirmed, res.Status)
	assert.True(t, res.Private)
	assert.Equal(t, uint64(1001), res.TargetBlock)
	require.NotNil(t, res.BalanceValidation)
	assert.True(t, res.BalanceValidation.Passed)
	assert.Equal(t, testutils.Ether("0.02"), res.BalanceValidation.Simulated)

	require.NotNil(t, sent)
	assert.Equal(t, sent.Hash(), res.TxHash)
	assert.Equal(t, uint64(5), sent.Nonce())
	assert.Equal(t, contract, *sent.To())
	sender, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(big.NewInt(8453)), sent)
	require.NoError(t, err)
	assert.Equal(t, f.wallet.Address(), sender)

	status, ok := f.bot.BundleStatus(res.BundleID)
	require.True(t, ok)
	assert.Equal(t, types.StatusConfirmed, status)
	f.relay.AssertExpectations(t)
}

func TestExecuteOpportunityReleasesNonceWhenRejected(t *testing.T) {
	f := newFixture(t, testConfig())

	var (
		mu     sync.Mutex
		nonces []uint64
	)
	f.relay.On("SimulateBundle", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			bundle := args.Get(1).(*flashbots.Bundle)
			mu.Lock()
			defer mu.Unlock()
			nonces = append(nonces, decodeTx(t, bundle.Txs[0]).Nonce())
		}).
		Return(&types.SimulationResult{
			Success: true,
			Results: []types.TxSimulation{{ReturnData: packProfit(t, testutils.Ether("0.005"))}},
		}, nil)

	req := ExecuteRequest{
		Token:           weth,
		Amount:          testutils.Ether("1"),
		Route:           circularRoute(t),
		MinProfit:       testutils.Ether("0.01"),
		UsePrivateRelay: true,
	}
	for i := 0; i < 2; i++ {
		res, err := f.bot.ExecuteOpportunity(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, types.StatusRejected, res.Status)
		assert.Contains(t, res.Reason, "balance validation failed")
	}

	assert.Equal(t, []uint64{5, 5}, nonces)
	f.relay.AssertNotCalled(t, "SendBundle", mock.Anything, mock.Anything)
}

func TestExecuteOpportunityRetriesTimedOutBundleWithSameNonce(t *testing.T) {
	cfg := testConfig()
	cfg.BlockTime = 10 * time.Millisecond
	f := newFixture(t, cfg)

	var (
		mu     sync.Mutex
		nonces []uint64
	)
	f.relay.On("SimulateBundle", mock.Anything, mock.Anything).
		Return(&types.SimulationResult{
			Success: true,
			Results: []types.TxSimulation{{ReturnData: packProfit(t, testutils.Ether("0.02"))}},
		}, nil)
	f.relay.On("SendBundle", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			bundle := args.Get(1).(*flashbots.Bundle)
			mu.Lock()
			defer mu.Unlock()
			nonces = append(nonces, decodeTx(t, bundle.Txs[0]).Nonce())
		}).
		Return(common.HexToHash("0xb0"), nil)

	req := ExecuteRequest{
		Token:           weth,
		Amount:          testutils.Ether("1"),
		Route:           circularRoute(t),
		MinProfit:       testutils.Ether("0.01"),
		UsePrivateRelay: true,
	}
	for i := 0; i < 3; i++ {
		res, err := f.bot.ExecuteOpportunity(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, types.StatusTimedOut, res.Status)
		assert.NotEqual(t, common.Hash{}, res.TxHash)
	}

	assert.Equal(t, []uint64{5, 5, 5}, nonces)
}

func TestExecuteOpportunityConfirmedAdvancesNonce(t *testing.T) {
	f := newFixture(t, testConfig())
	f.chain.AutoMine = true
	f.chain.AutoMineStatus = gethtypes.ReceiptStatusSuccessful

	parsed, err := abi.JSON(strings.NewReader(flashloan.ArbitrageABI))
	require.NoError(t, err)
	f.chain.StubCall(t, contract, parsed, "executeArbitrage", testutils.Ether("0.02"))

	req := ExecuteRequest{
		Token:     weth,
		Amount:    testutils.Ether("1"),
		Route:     circularRoute(t),
		MinProfit: testutils.Ether("0.01"),
	}
	for i := 0; i < 2; i++ {
		res, err := f.bot.ExecuteOpportunity(context.Background(), req)
		require.NoError(t, err)
		require.Equal(t, types.StatusConfirmed, res.Status)
	}

	sent := f.chain.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, uint64(5), sent[0].Nonce())
	assert.Equal(t, uint64(6), sent[1].Nonce())
}

func TestExecuteOpportunityPublic(t *testing.T) {
	f := newFixture(t, testConfig())
	f.chain.AutoMine = true

	parsed, err := abi.JSON(strings.NewReader(flashloan.ArbitrageABI))
	require.NoError(t, err)
	f.chain.StubCall(t, contract, parsed, "executeArbitrage", testutils.Ether("0.03"))

	res, err := f.bot.ExecuteOpportunity(context.Background(), ExecuteRequest{
		Token:     weth,
		Amount:    testutils.Ether("1"),
		Route:     circularRoute(t),
		MinProfit: testutils.Ether("0.01"),
		Priority:  types.PriorityHigh,
	})
	require.NoError(t, err)

	assert.Equal(t, types.StatusConfirmed, res.Status)
	assert.False(t, res.Private)
	require.Len(t, f.chain.Sent(), 1)
	assert.Equal(t, f.chain.Sent()[0].Hash(), res.TxHash)
	f.relay.AssertNotCalled(t, "SimulateBundle", mock.Anything, mock.Anything)
}

func TestExecuteOpportunityDefaultsMinProfit(t *testing.T) {
	f := newFixture(t, testConfig())

	parsed, err := abi.JSON(strings.NewReader(flashloan.ArbitrageABI))
	require.NoError(t, err)
	f.chain.StubCall(t, contract, parsed, "executeArbitrage", testutils.Ether("0.01"))

	res, err := f.bot.ExecuteOpportunity(context.Background(), ExecuteRequest{
		Token:  weth,
		Amount: testutils.Ether("1"),
		Route:  circularRoute(t),
	})
	require.NoError(t, err)

	// 200 bps of 1 WETH
	assert.Equal(t, types.StatusRejected, res.Status)
	assert.Equal(t, testutils.Ether("0.02"), res.BalanceValidation.Expected)
	assert.Empty(t, f.chain.Sent())
}

func TestExecuteOpportunityRejectsBadInput(t *testing.T) {
	cfg := testConfig()
	fake := testutils.NewFakeChain()
	wallet := chain.NewWalletFromKey(testutils.NewTestKey(t), big.NewInt(8453))
	b, err := NewWithDeps(cfg, Deps{Client: fake, Wallet: wallet}, zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = b.ExecuteOpportunity(ctx, ExecuteRequest{Token: weth, Route: circularRoute(t)})
	require.ErrorIs(t, err, types.ErrInvalidAmount)

	_, err = b.ExecuteOpportunity(ctx, ExecuteRequest{Token: weth, Amount: testutils.Ether("1")})
	require.ErrorIs(t, err, types.ErrInvalidRoute)

	_, err = b.ExecuteOpportunity(ctx, ExecuteRequest{
		Token:           weth,
		Amount:          testutils.Ether("1"),
		Route:           circularRoute(t),
		UsePrivateRelay: true,
	})
	require.Error(t, err)

	_, err = b.RelayStats(ctx)
	require.Error(t, err)
}

func TestRelayStats(t *testing.T) {
	f := newFixture(t, testConfig())
	f.relay.On("UserStats", mock.Anything, uint64(1000)).
		Return(&flashbots.UserStats{IsHighPriority: true}, nil).Once()

	stats, err := f.bot.RelayStats(context.Background())
	require.NoError(t, err)
	assert.True(t, stats.IsHighPriority)
	f.relay.AssertExpectations(t)
}

func TestVerifyDeployment(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	require.Error(t, f.bot.VerifyDeployment(ctx))

	f.chain.SetCode(contract, []byte{0x60, 0x80})
	require.NoError(t, f.bot.VerifyDeployment(ctx))
}

func TestStartStop(t *testing.T) {
	cfg := testConfig()
	cfg.Gas.SampleInterval = 5 * time.Millisecond
	cfg.Metrics.Enabled = true
	cfg.Metrics.ListenAddress = "127.0.0.1:0"
	f := newFixture(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.bot.Start(ctx))
	assert.Eventually(t, func() bool {
		return f.bot.risk.WindowSize() > 0
	}, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		f.bot.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestNewWithDepsRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.FlashLoanContractAddress = ""

	_, err := NewWithDeps(cfg, Deps{
		Client: testutils.NewFakeChain(),
		Wallet: chain.NewWalletFromKey(testutils.NewTestKey(t), big.NewInt(8453)),
	}, zaptest.NewLogger(t))
	require.Error(t, err)

	_, err = NewWithDeps(testConfig(), Deps{}, zaptest.NewLogger(t))
	require.Error(t, err)
}
