package aave

import (
	"context"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/michaelpento.lv/flasharb/config"
	"github.com/michaelpento.lv/flasharb/tokens"
	"github.com/michaelpento.lv/flasharb/utils/testutils"
)

var (
	pool  = common.HexToAddress("0xA238Dd80C259a72e81d7e4664a9801593F98d1c5")
	weth  = common.HexToAddress("0x4200000000000000000000000000000000000006")
	aWETH = common.HexToAddress("0xD4a0e0b9149BCee3C920d2E00b5dE09138fd8bb7")
	zero  = big.NewInt(0)
)

func stubReserve(t *testing.T, fake *testutils.FakeChain, aToken common.Address) {
	parsed, err := abi.JSON(strings.NewReader(poolABIJson))
	require.NoError(t, err)

	fake.StubCall(t, pool, parsed, "FLASHLOAN_PREMIUM_TOTAL", big.NewInt(5))
	fake.StubCall(t, pool, parsed, "getReserveData",
		zero, zero, zero, zero, zero, zero, // config and rates
		big.NewInt(1700000000), uint16(0),
		aToken, common.Address{}, common.Address{}, common.Address{},
		zero, zero, zero,
	)
}

func newTestProvider(t *testing.T, fake *testutils.FakeChain) *Provider {
	cfg := config.DefaultConfig()
	cfg.SupportedTokens = []config.TokenConfig{{Symbol: "WETH", Address: weth.Hex(), Decimals: 18, FlashLoanEnabled: true}}
	registry, err := tokens.NewRegistry(cfg, fake, zaptest.NewLogger(t))
	require.NoError(t, err)

	provider, err := NewProvider(fake, registry, pool, time.Minute, zaptest.NewLogger(t))
	require.NoError(t, err)
	return provider
}

func TestAaveProvider(t *testing.T) {
	fake := testutils.NewFakeChain()
	stubReserve(t, fake, aWETH)

	erc20, err := abi.JSON(strings.NewReader(tokens.ERC20ABI))
	require.NoError(t, err)
	fake.StubCall(t, weth, erc20, "balanceOf", testutils.Ether("1234"))

	provider := newTestProvider(t, fake)
	assert.Equal(t, "aave", provider.Name())
	ctx := context.Background()

	fee, err := provider.FeeBps(ctx, weth)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), fee)

	liquidity, err := provider.Liquidity(ctx, weth)
	require.NoError(t, err)
	assert.Equal(t, testutils.Ether("1234"), liquidity)

	calls := fake.Calls("CallContract")
	_, err = provider.FeeBps(ctx, weth)
	require.NoError(t, err)
	_, err = provider.Liquidity(ctx, weth)
	require.NoError(t, err)
	assert.Equal(t, calls+1, fake.Calls("CallContract"), "premium and aToken are cached, balance is not")
}

func TestAaveProviderUnlistedToken(t *testing.T) {
	fake := testutils.NewFakeChain()
	stubReserve(t, fake, common.Address{})

	provider := newTestProvider(t, fake)
	_, err := provider.Liquidity(context.Background(), weth)
	require.Error(t, err)
}

func TestNewProviderValidates(t *testing.T) {
	_, err := NewProvider(nil, nil, pool, time.Minute, zaptest.NewLogger(t))
	require.Error(t, err)
}
