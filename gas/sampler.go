package gas

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sampler feeds the risk analyzer's window on a fixed interval
type Sampler struct {
	analyzer *RiskAnalyzer
	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSampler creates a sampler. Nothing runs until Start.
func NewSampler(analyzer *RiskAnalyzer, interval time.Duration, logger *zap.Logger) *Sampler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Sampler{
		analyzer: analyzer,
		interval: interval,
		logger:   logger.Named("gas_sampler"),
	}
}

// Start begins sampling in the background. Calling Start twice is a no-op.
func (s *Sampler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.updateLoop(ctx, s.done)
}

// Stop halts sampling and waits for the loop to exit
func (s *Sampler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Sampler) updateLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.update(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.update(ctx)
		}
	}
}

func (s *Sampler) update(ctx context.Context) {
	block, price, err := s.analyzer.Sample(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("Failed to sample gas price", zap.Error(err))
		}
		return
	}
	s.logger.Debug("Sampled gas price", zap.Uint64("block", block), zap.String("gas_price", price.String()))
}
