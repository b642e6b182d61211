package uniswap

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
	"github.com/michaelpento.lv/flasharb/dex"
	"github.com/michaelpento.lv/flasharb/types"
	"github.com/michaelpento.lv/flasharb/utils/testutils"
)

var (
	mainnetFactory  = common.HexToAddress("0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f")
	mainnetInitCode = common.HexToHash("0x96e8ac4277198ff8b6f785478aa9a39f403cb768dd02cbee326c3e7da348845f")
	mainnetRouter   = common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D")
	mainnetWETH     = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	mainnetUSDC     = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
)

func uniswapFork() Fork {
	return Fork{
		ID:           1,
		Name:         "uniswapv2",
		Factory:      mainnetFactory,
		Router:       mainnetRouter,
		InitCodeHash: mainnetInitCode,
		FeeBps:       30,
	}
}

func TestPairFor(t *testing.T) {
	pair := PairFor(mainnetFactory, mainnetInitCode, mainnetWETH, mainnetUSDC)
	assert.Equal(t, common.HexToAddress("0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc"), pair)

	// order of the tokens does not matter
	assert.Equal(t, pair, PairFor(mainnetFactory, mainnetInitCode, mainnetUSDC, mainnetWETH))
}

func TestGetAmountOut(t *testing.T) {
	amountIn := testutils.Ether("1")
	reserveIn := testutils.Ether("10")
	reserveOut := big.NewInt(5000000000) // 5000 USDC (6 decimals)

	amountOut := GetAmountOut(amountIn, reserveIn, reserveOut, 30)
	assert.Equal(t, big.NewInt(453305446), amountOut)

	// a lower fee never gives less output
	assert.True(t, GetAmountOut(amountIn, reserveIn, reserveOut, 25).Cmp(amountOut) >= 0)

	assert.Equal(t, 0, GetAmountOut(big.NewInt(0), reserveIn, reserveOut, 30).Sign())
	assert.Equal(t, 0, GetAmountOut(amountIn, big.NewInt(0), reserveOut, 30).Sign())
}

func TestGetAmountIn(t *testing.T) {
	reserveIn := testutils.Ether("10")
	reserveOut := big.NewInt(5000000000)

	in := GetAmountIn(big.NewInt(453305446), reserveIn, reserveOut, 30)
	require.NotNil(t, in)
	assert.True(t, GetAmountOut(in, reserveIn, reserveOut, 30).Cmp(big.NewInt(453305446)) >= 0)

	assert.Nil(t, GetAmountIn(reserveOut, reserveIn, reserveOut, 30))
}

func TestV2GetReserves(t *testing.T) {
	fake := testutils.NewFakeChain()
	ex, err := NewV2(uniswapFork(), fake, time.Minute, zaptest.NewLogger(t))
	require.NoError(t, err)

	pairABI, err := abi.JSON(strings.NewReader(pairABIJson))
	require.NoError(t, err)

	pair := ex.PairAddress(mainnetWETH, mainnetUSDC)
	// USDC sorts before WETH so it is token0
	fake.StubCall(t, pair, pairABI, "getReserves", big.NewInt(5000000000), testutils.Ether("10"), uint32(1700000000))

	ctx := context.Background()
	reserves, err := ex.GetReserves(ctx, mainnetWETH, mainnetUSDC)
	require.NoError(t, err)
	assert.Equal(t, pair, reserves.Pair)
	assert.Equal(t, testutils.Ether("10"), reserves.ReserveIn)
	assert.Equal(t, big.NewInt(5000000000), reserves.ReserveOut)

	reversed, err := ex.GetReserves(ctx, mainnetUSDC, mainnetWETH)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(5000000000), reversed.ReserveIn)

	assert.Equal(t, 1, fake.Calls("CallContract"), "second lookup is served from cache")

	// mutating the returned reserves must not corrupt the cache
	reserves.ReserveIn.SetInt64(1)
	again, err := ex.GetReserves(ctx, mainnetWETH, mainnetUSDC)
	require.NoError(t, err)
	assert.Equal(t, testutils.Ether("10"), again.ReserveIn)
}

func TestV2GetReservesEmptyPool(t *testing.T) {
	fake := testutils.NewFakeChain()
	ex, err := NewV2(uniswapFork(), fake, time.Minute, zaptest.NewLogger(t))
	require.NoError(t, err)

	pairABI, err := abi.JSON(strings.NewReader(pairABIJson))
	require.NoError(t, err)
	fake.StubCall(t, ex.PairAddress(mainnetWETH, mainnetUSDC), pairABI, "getReserves", big.NewInt(0), big.NewInt(0), uint32(0))

	_, err = ex.GetReserves(context.Background(), mainnetWETH, mainnetUSDC)
	require.ErrorIs(t, err, dex.ErrNoLiquidity)
}

func TestV2BuildSwap(t *testing.T) {
	ex, err := NewV2(uniswapFork(), testutils.NewFakeChain(), time.Minute, zaptest.NewLogger(t))
	require.NoError(t, err)

	call, err := ex.BuildSwap(dex.SwapParams{
		AmountIn:     testutils.Ether("1"),
		AmountOutMin: big.NewInt(450000000),
		Path:         []common.Address{mainnetWETH, mainnetUSDC},
		Recipient:    common.HexToAddress("0x1"),
		Deadline:     big.NewInt(1700000000),
	})
	require.NoError(t, err)
	assert.Equal(t, mainnetRouter, call.To)
	// swapExactTokensForTokens selector
	assert.Equal(t, "38ed1739", common.Bytes2Hex(call.Data[:4]))

	_, err = ex.BuildSwap(dex.SwapParams{AmountIn: testutils.Ether("1"), Path: []common.Address{mainnetWETH}})
	require.Error(t, err)
}

func TestBuildRegistry(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Dexes = []config.DexConfig{
		{ID: 1, Name: "BaseSwap", Factory: mainnetFactory.Hex(), InitCodeHash: mainnetInitCode.Hex()},
		{ID: 2, Name: "PancakeSwap", Factory: mainnetFactory.Hex(), InitCodeHash: mainnetInitCode.Hex()},
		{ID: 3, Name: "SwapBased", Factory: mainnetFactory.Hex(), InitCodeHash: mainnetInitCode.Hex(), FeeBps: 20},
	}

	registry, err := BuildRegistry(cfg, testutils.NewFakeChain(), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, []uint8{1, 2, 3}, registry.IDs())

	ex, err := registry.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "BaseSwap", ex.Name())
	assert.Equal(t, uint64(25), ex.(*V2).fork.FeeBps)

	ex, err = registry.Get(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), ex.(*V2).fork.FeeBps)

	_, err = registry.Get(9)
	require.Error(t, err)

	route, err := types.NewRoute(
		types.Hop{DexID: 1, TokenIn: mainnetWETH, TokenOut: mainnetUSDC},
		types.Hop{DexID: 9, TokenIn: mainnetUSDC, TokenOut: mainnetWETH},
	)
	require.NoError(t, err)
	require.ErrorIs(t, registry.CheckRoute(route), types.ErrInvalidRoute)
}

func TestRegistryRejectsDuplicateIDs(t *testing.T) {
	a, err := NewV2(uniswapFork(), testutils.NewFakeChain(), time.Minute, zaptest.NewLogger(t))
	require.NoError(t, err)
	b, err := NewV2(uniswapFork(), testutils.NewFakeChain(), time.Minute, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = dex.NewRegistry(a, b)
	require.Error(t, err)
}
