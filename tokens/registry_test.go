package tokens

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/michaelpento.lv/flasharb/config"
	"github.com/michaelpento.lv/flasharb/types"
	"github.com/michaelpento.lv/flasharb/utils/testutils"
)

var (
	weth = common.HexToAddress("0x4200000000000000000000000000000000000006")
	usdc = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	toby = common.HexToAddress("0xb8D98a102b0079B69FFbc760C8d857A31653e56e")
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	ten, err := config.NewTokenAmount("10")
	require.NoError(t, err)
	cfg.SupportedTokens = []config.TokenConfig{
		{Symbol: "WETH", Address: weth.Hex(), Decimals: 18, FlashLoanEnabled: true, MaxTradeSize: ten},
		{Symbol: "USDC", Address: usdc.Hex(), Decimals: 6, FlashLoanEnabled: false},
	}
	return cfg
}

func TestRegistryFromConfig(t *testing.T) {
	r, err := NewRegistry(testConfig(t), nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	tok, ok := r.Get(weth)
	require.True(t, ok)
	assert.Equal(t, "WETH", tok.Symbol)
	assert.Equal(t, testutils.Ether("10"), tok.MaxTradeSize)

	_, err = r.FlashLoanToken(weth)
	require.NoError(t, err)

	_, err = r.FlashLoanToken(usdc)
	require.ErrorIs(t, err, types.ErrUnsupportedToken)

	_, err = r.FlashLoanToken(toby)
	require.ErrorIs(t, err, types.ErrUnsupportedToken)

	assert.Len(t, r.All(), 2)

	dec, err := r.Decimals(context.Background(), usdc)
	require.NoError(t, err)
	assert.Equal(t, uint8(6), dec)

	_, err = r.Decimals(context.Background(), toby)
	require.ErrorIs(t, err, types.ErrUnsupportedToken)
}

func TestRegistryLazyLookup(t *testing.T) {
	fake := testutils.NewFakeChain()
	erc20, err := abi.JSON(strings.NewReader(ERC20ABI))
	require.NoError(t, err)
	fake.StubCall(t, toby, erc20, "symbol", "TOBY")
	fake.StubCall(t, toby, erc20, "decimals", uint8(18))

	r, err := NewRegistry(testConfig(t), fake, zaptest.NewLogger(t))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := r.Lookup(context.Background(), toby)
			assert.NoError(t, err)
			assert.Equal(t, "TOBY", tok.Symbol)
		}()
	}
	wg.Wait()

	tok, ok := r.Get(toby)
	require.True(t, ok)
	assert.Equal(t, uint8(18), tok.Decimals)
	assert.False(t, tok.FlashLoanEnabled)

	calls := fake.Calls("CallContract")
	_, err = r.Lookup(context.Background(), toby)
	require.NoError(t, err)
	assert.Equal(t, calls, fake.Calls("CallContract"), "cached tokens are not looked up again")
}

func TestRegistryLookupFailure(t *testing.T) {
	fake := testutils.NewFakeChain()
	r, err := NewRegistry(testConfig(t), fake, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = r.Lookup(context.Background(), toby)
	require.Error(t, err)
	_, ok := r.Get(toby)
	assert.False(t, ok)
}

func TestRegistryFormat(t *testing.T) {
	r, err := NewRegistry(testConfig(t), nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Equal(t, "+0.02 WETH", r.Format(weth, testutils.Ether("0.02")))
	assert.Equal(t, "-0.001 WETH", r.Format(weth, testutils.Ether("-0.001")))
	assert.Equal(t, "+1.5 USDC", r.Format(usdc, testutils.Ether("0.0000000000015")))
}

func TestRegistryBalanceOf(t *testing.T) {
	fake := testutils.NewFakeChain()
	erc20, err := abi.JSON(strings.NewReader(ERC20ABI))
	require.NoError(t, err)
	fake.StubCall(t, weth, erc20, "balanceOf", testutils.Ether("42"))

	r, err := NewRegistry(testConfig(t), fake, zaptest.NewLogger(t))
	require.NoError(t, err)

	bal, err := r.BalanceOf(context.Background(), weth, common.HexToAddress("0xBA12222222228d8Ba445958a75a0704d566BF2C8"))
	require.NoError(t, err)
	assert.Equal(t, testutils.Ether("42"), bal)
}
