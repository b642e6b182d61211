package flashloan

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/michaelpento.lv/flasharb/types"
	"github.com/michaelpento.lv/flasharb/utils/metrics"
	"github.com/michaelpento.lv/flasharb/utils/testutils"
)

// mockProvider implements the Provider interface for testing
type mockProvider struct {
	name      string
	fee       uint64
	liquidity *big.Int
	feeErr    error
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) FeeBps(ctx context.Context, token common.Address) (uint64, error) {
	return m.fee, m.feeErr
}

func (m *mockProvider) Liquidity(ctx context.Context, token common.Address) (*big.Int, error) {
	return m.liquidity, nil
}

func TestManagerQuote(t *testing.T) {
	logger := zaptest.NewLogger(t)
	m := metrics.NewFlashLoanMetrics(prometheus.NewRegistry(), "test")

	aave := &mockProvider{name: "aave", fee: 5, liquidity: testutils.Ether("1000")}
	balancer := &mockProvider{name: "balancer", fee: 0, liquidity: testutils.Ether("10")}
	manager := NewManager(logger, m, aave, balancer)
	assert.Equal(t, []string{"aave", "balancer"}, manager.Providers())
	ctx := context.Background()

	t.Run("cheapest with enough liquidity", func(t *testing.T) {
		quote, err := manager.Quote(ctx, weth, testutils.Ether("5"))
		require.NoError(t, err)
		assert.Equal(t, "balancer", quote.Provider)
		assert.Equal(t, uint64(0), quote.FeeBps)
		assert.Equal(t, 0, quote.Fee.Sign())
	})

	t.Run("falls back when liquidity is short", func(t *testing.T) {
		quote, err := manager.Quote(ctx, weth, testutils.Ether("50"))
		require.NoError(t, err)
		assert.Equal(t, "aave", quote.Provider)
		assert.Equal(t, testutils.Ether("0.025"), quote.Fee)
	})

	t.Run("nothing can fund it", func(t *testing.T) {
		_, err := manager.Quote(ctx, weth, testutils.Ether("5000"))
		require.ErrorIs(t, err, types.ErrNoFlashLoanProvider)
	})

	t.Run("invalid amount", func(t *testing.T) {
		_, err := manager.Quote(ctx, weth, big.NewInt(0))
		require.ErrorIs(t, err, types.ErrInvalidAmount)
	})

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ProviderSelections.WithLabelValues("balancer")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ProviderSelections.WithLabelValues("aave")))
}

func TestManagerSkipsFailingProvider(t *testing.T) {
	m := metrics.NewFlashLoanMetrics(prometheus.NewRegistry(), "test")
	broken := &mockProvider{name: "broken", feeErr: errors.New("rpc down")}
	manager := NewManager(zaptest.NewLogger(t), m, broken)
	manager.AddProvider(&mockProvider{name: "aave", fee: 9, liquidity: testutils.Ether("100")})

	quote, err := manager.Quote(context.Background(), weth, testutils.Ether("1"))
	require.NoError(t, err)
	assert.Equal(t, "aave", quote.Provider)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.QuoteFailures.WithLabelValues("broken")))
}

func TestManagerWithoutProviders(t *testing.T) {
	manager := NewManager(zaptest.NewLogger(t), nil)
	_, err := manager.Quote(context.Background(), weth, testutils.Ether("1"))
	require.ErrorIs(t, err, types.ErrNoFlashLoanProvider)
}
