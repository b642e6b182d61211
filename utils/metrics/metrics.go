package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// NewRegistry returns a registry with the Go and process collectors
func NewRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

// Handler serves everything gathered by registry
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// CounterValue reads the current value of a counter
func CounterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil || m.Counter == nil {
		return 0
	}
	return m.Counter.GetValue()
}

// SuccessRate sets gauge to success/total when total is non-zero
func SuccessRate(gauge prometheus.Gauge, success, total prometheus.Counter) {
	t := CounterValue(total)
	if t == 0 {
		return
	}
	gauge.Set(CounterValue(success) / t)
}

type ValidationMetrics struct {
	Validations    prometheus.Counter
	Profitable     prometheus.Counter
	Unprofitable   prometheus.Counter
	Warnings       *prometheus.CounterVec
	EstimateErrors *prometheus.CounterVec
	NetProfit      prometheus.Histogram
}

func NewValidationMetrics(reg prometheus.Registerer, namespace string) *ValidationMetrics {
	f := promauto.With(reg)
	return &ValidationMetrics{
		Validations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "validations_total",
			Help:      "Total number of route validations",
		}),
		Profitable: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "profitable_total",
			Help:      "Routes that cleared the profit bar",
		}),
		Unprofitable: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "unprofitable_total",
			Help:      "Routes rejected as unprofitable",
		}),
		Warnings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "warnings_total",
			Help:      "Validation warnings by kind",
		}, []string{"warning"}),
		EstimateErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "estimate_errors_total",
			Help:      "Cost estimation failures by reason",
		}, []string{"reason"}),
		NetProfit: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "net_profit_margin",
			Help:      "Net profit divided by input amount",
			Buckets:   []float64{-0.05, -0.01, 0, 0.005, 0.01, 0.02, 0.03, 0.05, 0.1},
		}),
	}
}

type FlashLoanMetrics struct {
	ProviderSelections *prometheus.CounterVec
	QuoteFailures      *prometheus.CounterVec
	PreparedTxs        prometheus.Counter
	BuildErrors        *prometheus.CounterVec
}

func NewFlashLoanMetrics(reg prometheus.Registerer, namespace string) *FlashLoanMetrics {
	f := promauto.With(reg)
	return &FlashLoanMetrics{
		ProviderSelections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flashloan",
			Name:      "provider_selections_total",
			Help:      "Number of times each provider was selected",
		}, []string{"provider"}),
		QuoteFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flashloan",
			Name:      "quote_failures_total",
			Help:      "Provider lookups that failed",
		}, []string{"provider"}),
		PreparedTxs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flashloan",
			Name:      "prepared_transactions_total",
			Help:      "Arbitrage transactions built",
		}),
		BuildErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flashloan",
			Name:      "build_errors_total",
			Help:      "Transaction build failures by reason",
		}, []string{"reason"}),
	}
}

type GasMetrics struct {
	GasPrice   prometheus.Gauge
	AvgPrice   prometheus.Gauge
	Volatility prometheus.Gauge
	RiskLevel  prometheus.Gauge
	WindowSize prometheus.Gauge
	Samples    prometheus.Counter
	Errors     prometheus.Counter
}

func NewGasMetrics(reg prometheus.Registerer, namespace string) *GasMetrics {
	f := promauto.With(reg)
	return &GasMetrics{
		GasPrice: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gas",
			Name:      "price_gwei",
			Help:      "Last sampled gas price",
		}),
		AvgPrice: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gas",
			Name:      "window_avg_gwei",
			Help:      "Average gas price over the sample window",
		}),
		Volatility: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gas",
			Name:      "volatility",
			Help:      "Gas price range divided by the window average",
		}),
		RiskLevel: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gas",
			Name:      "risk_level",
			Help:      "0 unknown, 1 low, 2 medium, 3 high",
		}),
		WindowSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gas",
			Name:      "window_size",
			Help:      "Samples held in the gas window",
		}),
		Samples: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gas",
			Name:      "samples_total",
			Help:      "Gas samples recorded",
		}),
		Errors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gas",
			Name:      "sample_errors_total",
			Help:      "Failed gas samples",
		}),
	}
}

type BundleMetrics struct {
	Bundles           *prometheus.CounterVec
	Submitted         prometheus.Counter
	Confirmed         prometheus.Counter
	InclusionRate     prometheus.Gauge
	SimulationLatency prometheus.Histogram
	RelayErrors       *prometheus.CounterVec
	GasUsed           prometheus.Histogram
}

func NewBundleMetrics(reg prometheus.Registerer, namespace string) *BundleMetrics {
	f := promauto.With(reg)
	return &BundleMetrics{
		Bundles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bundle",
			Name:      "outcomes_total",
			Help:      "Terminal bundle outcomes by status",
		}, []string{"status", "path"}),
		Submitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bundle",
			Name:      "submitted_total",
			Help:      "Bundles accepted by the relay or mempool",
		}),
		Confirmed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bundle",
			Name:      "confirmed_total",
			Help:      "Bundles included on chain",
		}),
		InclusionRate: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bundle",
			Name:      "inclusion_rate",
			Help:      "Confirmed bundles divided by submitted bundles",
		}),
		SimulationLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bundle",
			Name:      "simulation_latency_seconds",
			Help:      "Latency of bundle simulation",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
		RelayErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bundle",
			Name:      "relay_errors_total",
			Help:      "Relay call failures by method",
		}, []string{"method"}),
		GasUsed: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bundle",
			Name:      "gas_used",
			Help:      "Simulated gas used per bundle",
			Buckets:   prometheus.ExponentialBuckets(21000, 2, 10),
		}),
	}
}

// Observe counts a terminal outcome and refreshes the inclusion rate
func (m *BundleMetrics) Observe(status, path string) {
	m.Bundles.WithLabelValues(status, path).Inc()
	SuccessRate(m.InclusionRate, m.Confirmed, m.Submitted)
}

type SystemMetrics struct {
	Goroutines  prometheus.Gauge
	HeapAlloc   prometheus.Gauge
	HeapObjects prometheus.Gauge
	GCPause     prometheus.Gauge
	Uptime      prometheus.Gauge
}

func NewSystemMetrics(reg prometheus.Registerer, namespace string) *SystemMetrics {
	f := promauto.With(reg)
	return &SystemMetrics{
		Goroutines: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "goroutines",
			Help:      "Number of goroutines",
		}),
		HeapAlloc: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "heap_alloc_bytes",
			Help:      "Current heap allocation in bytes",
		}),
		HeapObjects: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "heap_objects",
			Help:      "Current number of heap objects",
		}),
		GCPause: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "gc_pause_seconds",
			Help:      "Duration of the last GC pause",
		}),
		Uptime: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "uptime_seconds",
			Help:      "Seconds since the monitor started",
		}),
	}
}

// Set bundles every metric group of the pipeline
type Set struct {
	Validation *ValidationMetrics
	FlashLoan  *FlashLoanMetrics
	Gas        *GasMetrics
	Bundle     *BundleMetrics
	System     *SystemMetrics
}

// NewSet registers all groups on reg
func NewSet(reg prometheus.Registerer, namespace string) *Set {
	return &Set{
		Validation: NewValidationMetrics(reg, namespace),
		FlashLoan:  NewFlashLoanMetrics(reg, namespace),
		Gas:        NewGasMetrics(reg, namespace),
		Bundle:     NewBundleMetrics(reg, namespace),
		System:     NewSystemMetrics(reg, namespace),
	}
}
