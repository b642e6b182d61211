package flashloan

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/michaelpento.lv/flasharb/config"
	"github.com/michaelpento.lv/flasharb/oracle"
	"github.com/michaelpento.lv/flasharb/tokens"
)

var (
	weth = common.HexToAddress("0x4200000000000000000000000000000000000006")
	usdc = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	dai  = common.HexToAddress("0x50c5725949A6F0c72E6C4a641F24049A917DB0Cb")
	cbe  = common.HexToAddress("0x2Ae3F1Ec7F1F5012CFEab0185bfc7aa3cf0DEc22")
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.NativeToken = weth.Hex()
	cfg.FlashLoanContractAddress = "0x00000000000000000000000000000000000A4b17"

	hundred, err := config.NewTokenAmount("100")
	require.NoError(t, err)
	cfg.SupportedTokens = []config.TokenConfig{
		{Symbol: "WETH", Address: weth.Hex(), Decimals: 18, FlashLoanEnabled: true, MaxTradeSize: hundred},
		{Symbol: "USDC", Address: usdc.Hex(), Decimals: 6, FlashLoanEnabled: true, PriceInETH: "0.0004"},
		{Symbol: "DAI", Address: dai.Hex(), Decimals: 18, FlashLoanEnabled: true},
		{Symbol: "cbETH", Address: cbe.Hex(), Decimals: 18},
	}
	return cfg
}

func testRegistry(t *testing.T, cfg *config.Config) *tokens.Registry {
	t.Helper()
	registry, err := tokens.NewRegistry(cfg, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	return registry
}

func testConverter(t *testing.T, cfg *config.Config, registry *tokens.Registry) *oracle.Converter {
	t.Helper()
	static, err := oracle.NewStaticOracle(cfg)
	require.NoError(t, err)
	return oracle.NewConverter(static, registry.Decimals)
}

func newTestEstimator(t *testing.T) *CostEstimator {
	t.Helper()
	cfg := testConfig(t)
	registry := testRegistry(t, cfg)
	return NewCostEstimator(EstimatorConfigFrom(cfg), registry, testConverter(t, cfg, registry), zaptest.NewLogger(t))
}
