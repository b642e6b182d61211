package gas

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/flasharb/chain"
	"github.com/michaelpento.lv/flasharb/config"
	"github.com/michaelpento.lv/flasharb/types"
	"github.com/michaelpento.lv/flasharb/utils/math"
	"github.com/michaelpento.lv/flasharb/utils/metrics"
)

// DefaultWindowSize is the number of blocks the gas window spans
const DefaultWindowSize = 100

// Thresholds are expressed in basis points of the window average
type Thresholds struct {
	HighPriceBps     uint64
	HighVolatility   float64
	MediumPriceBps   uint64
	MediumVolatility float64
}

// DefaultThresholds flag High above 1.5x average or 30% volatility and
// Medium above 1.2x average or 20% volatility
func DefaultThresholds() Thresholds {
	return Thresholds{
		HighPriceBps:     15000,
		HighVolatility:   0.3,
		MediumPriceBps:   12000,
		MediumVolatility: 0.2,
	}
}

// Multipliers in tenths
var (
	priorityMultiplier = map[types.PriorityLevel]uint64{
		types.PriorityLow:    12,
		types.PriorityMedium: 15,
		types.PriorityHigh:   20,
	}
	riskMultiplier = map[types.RiskLevel]uint64{
		types.RiskLow:    10,
		types.RiskMedium: 12,
		types.RiskHigh:   15,
	}
)

// Sample is one (block, gas price) observation
type Sample struct {
	Block uint64
	Price *uint256.Int
}

// RiskAnalyzer keeps a sliding window of gas prices and classifies how
// contested the next blocks are likely to be
type RiskAnalyzer struct {
	client     chain.Client
	minTip     *big.Int
	maxTip     *big.Int
	capacity   int
	thresholds Thresholds
	metrics    *metrics.GasMetrics
	logger     *zap.Logger

	mu     sync.Mutex
	window []Sample
}

// NewRiskAnalyzer builds an analyzer from the gas section of the config.
// m may be nil.
func NewRiskAnalyzer(client chain.Client, cfg config.GasConfig, m *metrics.GasMetrics, logger *zap.Logger) (*RiskAnalyzer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid gas config: %w", err)
	}
	capacity := cfg.WindowSize
	if capacity <= 0 {
		capacity = DefaultWindowSize
	}
	return &RiskAnalyzer{
		client:     client,
		minTip:     new(big.Int).Set(cfg.MinPriorityFee.Int),
		maxTip:     new(big.Int).Set(cfg.MaxPriorityFee.Int),
		capacity:   capacity,
		thresholds: DefaultThresholds(),
		metrics:    m,
		logger:     logger.Named("gas"),
		window:     make([]Sample, 0, capacity),
	}, nil
}

// SetThresholds replaces the risk thresholds
func (a *RiskAnalyzer) SetThresholds(t Thresholds) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.thresholds = t
}

// Record adds a sample. A block already in the window has its price
// replaced, otherwise the oldest sample is evicted once the window is full.
func (a *RiskAnalyzer) Record(block uint64, price *big.Int) error {
	p, overflow := uint256.FromBig(price)
	if overflow || price.Sign() < 0 {
		return fmt.Errorf("gas price %s out of range", price)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for i := len(a.window) - 1; i >= 0; i-- {
		if a.window[i].Block == block {
			a.window[i].Price = p
			return nil
		}
	}

	if len(a.window) >= a.capacity {
		n := copy(a.window, a.window[len(a.window)-a.capacity+1:])
		a.window = a.window[:n]
	}
	a.window = append(a.window, Sample{Block: block, Price: p})

	if a.metrics != nil {
		a.metrics.Samples.Inc()
		a.metrics.WindowSize.Set(float64(len(a.window)))
		a.metrics.GasPrice.Set(toGwei(price))
	}
	return nil
}

// Snapshot returns a copy of the window, oldest first
func (a *RiskAnalyzer) Snapshot() []Sample {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Sample, len(a.window))
	for i, s := range a.window {
		out[i] = Sample{Block: s.Block, Price: new(uint256.Int).Set(s.Price)}
	}
	return out
}

// WindowSize is the number of samples currently held
func (a *RiskAnalyzer) WindowSize() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.window)
}

// Sample reads the current block and gas price and records them
func (a *RiskAnalyzer) Sample(ctx context.Context) (uint64, *big.Int, error) {
	block, err := a.client.BlockNumber(ctx)
	if err != nil {
		a.sampleFailed()
		return 0, nil, fmt.Errorf("failed to get block number: %w", err)
	}
	price, err := a.client.GasPrice(ctx)
	if err != nil {
		a.sampleFailed()
		return 0, nil, fmt.Errorf("failed to get gas price: %w", err)
	}
	if err := a.Record(block, price); err != nil {
		a.sampleFailed()
		return 0, nil, err
	}
	return block, price, nil
}

func (a *RiskAnalyzer) sampleFailed() {
	if a.metrics != nil {
		a.metrics.Errors.Inc()
	}
}

// AssessRisk samples the chain and classifies the current gas market
func (a *RiskAnalyzer) AssessRisk(ctx context.Context) (*types.GasRiskAssessment, error) {
	number, price, err := a.Sample(ctx)
	if err != nil {
		return nil, err
	}

	block, err := a.client.Block(ctx, number)
	if err != nil {
		return nil, fmt.Errorf("failed to get block %d: %w", number, err)
	}

	a.mu.Lock()
	thresholds := a.thresholds
	a.mu.Unlock()

	samples := a.Snapshot()
	avg, volatility := windowStats(samples)
	level := classify(price, avg, volatility, thresholds)

	assessment := &types.GasRiskAssessment{
		Level:           level,
		BlockNumber:     number,
		CurrentGasPrice: new(big.Int).Set(price),
		AvgGasPrice:     avg,
		BaseFee:         new(big.Int).Set(math.OrZero(block.BaseFee)),
		Volatility:      volatility,
		PendingTxCount:  len(block.Transactions),
		WindowSize:      len(samples),
	}
	settings := a.RecommendGas(types.PriorityMedium, assessment)
	assessment.RecommendedPriorityFee = settings.MaxPriorityFeePerGas
	assessment.RecommendedMaxFee = settings.MaxFeePerGas
	assessment.TargetBlocks = a.RecommendTargetBlocks(assessment)

	if a.metrics != nil {
		a.metrics.AvgPrice.Set(toGwei(avg))
		a.metrics.Volatility.Set(volatility)
		a.metrics.RiskLevel.Set(float64(level))
	}

	a.logger.Debug("Assessed gas risk",
		zap.Uint64("block", number),
		zap.String("level", level.String()),
		zap.String("gas_price", price.String()),
		zap.String("avg_gas_price", avg.String()),
		zap.Float64("volatility", volatility),
		zap.Int("window", len(samples)),
	)

	return assessment, nil
}

// RecommendGas scales the current tip by the requested priority and the
// assessed risk and clamps it to the configured bounds
func (a *RiskAnalyzer) RecommendGas(priority types.PriorityLevel, assessment *types.GasRiskAssessment) types.GasSettings {
	level := types.RiskUnknown
	current := new(big.Int)
	baseFee := new(big.Int)
	if assessment != nil {
		level = assessment.Level
		current = math.OrZero(assessment.CurrentGasPrice)
		baseFee = math.OrZero(assessment.BaseFee)
	}
	if level == types.RiskUnknown {
		level = types.RiskHigh
	}

	pm, ok := priorityMultiplier[priority]
	if !ok {
		pm = priorityMultiplier[types.PriorityMedium]
	}

	tip := math.Max(new(big.Int).Sub(current, baseFee), a.minTip)
	tip = math.MulDiv(tip, pm*riskMultiplier[level], 100)
	tip = math.Clamp(tip, a.minTip, a.maxTip)

	maxFee := new(big.Int).Lsh(baseFee, 1)
	maxFee.Add(maxFee, tip)

	return types.GasSettings{
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: tip,
	}
}

// RecommendTargetBlocks narrows the inclusion window when risk is high
func (a *RiskAnalyzer) RecommendTargetBlocks(assessment *types.GasRiskAssessment) []uint64 {
	if assessment == nil {
		return nil
	}
	n := assessment.BlockNumber
	switch assessment.Level {
	case types.RiskLow, types.RiskMedium:
		return []uint64{n + 1, n + 2, n + 3}
	default:
		return []uint64{n + 1, n + 2}
	}
}

// windowStats returns the average price, floored at 1 wei, and the
// (max-min)/avg spread of the window
func windowStats(samples []Sample) (*big.Int, float64) {
	if len(samples) == 0 {
		return big.NewInt(1), 0
	}

	sum := new(uint256.Int)
	lo := new(uint256.Int).Set(samples[0].Price)
	hi := new(uint256.Int).Set(samples[0].Price)
	for _, s := range samples {
		sum.Add(sum, s.Price)
		if s.Price.Lt(lo) {
			lo.Set(s.Price)
		}
		if s.Price.Gt(hi) {
			hi.Set(s.Price)
		}
	}

	avg := new(uint256.Int).Div(sum, uint256.NewInt(uint64(len(samples))))
	if avg.IsZero() {
		avg.SetOne()
	}
	spread := new(uint256.Int).Sub(hi, lo)

	return avg.ToBig(), math.Ratio(spread.ToBig(), avg.ToBig())
}

func classify(current, avg *big.Int, volatility float64, t Thresholds) types.RiskLevel {
	scaled := new(big.Int).Mul(current, big.NewInt(math.BpsDenominator))
	above := func(bps uint64) bool {
		bar := new(big.Int).Mul(avg, new(big.Int).SetUint64(bps))
		return scaled.Cmp(bar) > 0
	}

	switch {
	case above(t.HighPriceBps) || volatility > t.HighVolatility:
		return types.RiskHigh
	case above(t.MediumPriceBps) || volatility > t.MediumVolatility:
		return types.RiskMedium
	default:
		return types.RiskLow
	}
}

func toGwei(wei *big.Int) float64 {
	return decimal.NewFromBigInt(wei, -9).InexactFloat64()
}
