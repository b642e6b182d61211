package monitor

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/michaelpento.lv/flasharb/utils/metrics"
)

// Snapshot is one reading of runtime statistics
type Snapshot struct {
	Goroutines  int
	HeapAlloc   uint64
	HeapObjects uint64
	GCPause     time.Duration
	Uptime      time.Duration
}

// SystemMonitor periodically publishes runtime statistics
type SystemMonitor struct {
	metrics  *metrics.SystemMetrics
	interval time.Duration
	logger   *zap.Logger
	started  time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSystemMonitor creates a monitor. Nothing is collected until Start.
func NewSystemMonitor(m *metrics.SystemMetrics, interval time.Duration, logger *zap.Logger) *SystemMonitor {
	if interval <= 0 {
		interval = time.Second
	}
	return &SystemMonitor{
		metrics:  m,
		interval: interval,
		logger:   logger.Named("monitor"),
		started:  time.Now(),
	}
}

// Start launches the collection loop. Calling Start twice is a no-op.
func (m *SystemMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.monitor(ctx)
	}()
}

// Stop ends the collection loop and waits for it
func (m *SystemMonitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *SystemMonitor) monitor(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.collectMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.collectMetrics()
		}
	}
}

// collectMetrics publishes a fresh snapshot
func (m *SystemMonitor) collectMetrics() {
	s := m.Snapshot()
	if m.metrics == nil {
		return
	}
	m.metrics.Goroutines.Set(float64(s.Goroutines))
	m.metrics.HeapAlloc.Set(float64(s.HeapAlloc))
	m.metrics.HeapObjects.Set(float64(s.HeapObjects))
	m.metrics.GCPause.Set(s.GCPause.Seconds())
	m.metrics.Uptime.Set(s.Uptime.Seconds())
}

// Snapshot reads the current runtime statistics
func (m *SystemMonitor) Snapshot() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return Snapshot{
		Goroutines:  runtime.NumGoroutine(),
		HeapAlloc:   memStats.HeapAlloc,
		HeapObjects: memStats.HeapObjects,
		GCPause:     time.Duration(memStats.PauseNs[(memStats.NumGC+255)%256]),
		Uptime:      time.Since(m.started),
	}
}
