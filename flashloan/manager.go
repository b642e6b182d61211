package flashloan

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/flasharb/types"
	"github.com/michaelpento.lv/flasharb/utils/math"
	"github.com/michaelpento.lv/flasharb/utils/metrics"
)

// Manager coordinates flash loan providers
type Manager struct {
	mu        sync.RWMutex
	providers []Provider
	metrics   *metrics.FlashLoanMetrics
	logger    *zap.Logger
}

// NewManager creates a manager over providers
func NewManager(logger *zap.Logger, m *metrics.FlashLoanMetrics, providers ...Provider) *Manager {
	return &Manager{
		providers: providers,
		metrics:   m,
		logger:    logger.Named("flashloan"),
	}
}

// AddProvider adds a new flash loan provider
func (m *Manager) AddProvider(provider Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = append(m.providers, provider)
}

// Providers returns the registered provider names
func (m *Manager) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, len(m.providers))
	for i, p := range m.providers {
		names[i] = p.Name()
	}
	return names
}

// Quote selects the cheapest provider able to lend amount of token. Ties go
// to the provider registered first.
func (m *Manager) Quote(ctx context.Context, token common.Address, amount *big.Int) (*Quote, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, types.ErrInvalidAmount
	}

	m.mu.RLock()
	providers := append([]Provider(nil), m.providers...)
	m.mu.RUnlock()

	var best *Quote
	for _, provider := range providers {
		fee, err := provider.FeeBps(ctx, token)
		if err != nil {
			m.skip(provider, "fee", err)
			continue
		}

		liquidity, err := provider.Liquidity(ctx, token)
		if err != nil {
			m.skip(provider, "liquidity", err)
			continue
		}
		if liquidity.Cmp(amount) < 0 {
			m.logger.Debug("Provider liquidity too low",
				zap.String("provider", provider.Name()),
				zap.String("liquidity", liquidity.String()),
				zap.String("amount", amount.String()))
			continue
		}

		if best == nil || fee < best.FeeBps {
			best = &Quote{
				Provider:  provider.Name(),
				Token:     token,
				Amount:    new(big.Int).Set(amount),
				FeeBps:    fee,
				Fee:       math.MulBps(amount, fee),
				Liquidity: liquidity,
			}
		}
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if best == nil {
		return nil, fmt.Errorf("%w: %s of %s", types.ErrNoFlashLoanProvider, amount, token.Hex())
	}

	if m.metrics != nil {
		m.metrics.ProviderSelections.WithLabelValues(best.Provider).Inc()
	}
	return best, nil
}

func (m *Manager) skip(provider Provider, what string, err error) {
	m.logger.Warn("Failed to query provider",
		zap.String("provider", provider.Name()),
		zap.String("query", what),
		zap.Error(err))
	if m.metrics != nil {
		m.metrics.QuoteFailures.WithLabelValues(provider.Name()).Inc()
	}
}
