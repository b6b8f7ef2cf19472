package observability

import (
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics
)

// ModuleMetrics returns the lazily-initialised module metrics registry used to
// record RPC module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settle",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settle",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "settle",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settle",
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a module request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit".
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// EscrowMetrics tracks escrow state transitions and the value held in custody.
type EscrowMetrics struct {
	transitions *prometheus.CounterVec
	custody     prometheus.Gauge
	feeRate     prometheus.Gauge
	counter     prometheus.Gauge
	height      prometheus.Gauge
}

// Escrow returns the lazily-initialised escrow metrics registry.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Name:      "transitions_total",
				Help:      "Escrow operations segmented by operation and outcome (ok or the error kind).",
			}, []string{"operation", "outcome"}),
			custody: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "escrow",
				Name:      "custody_balance",
				Help:      "Value currently held in escrow custody, in the smallest unit.",
			}),
			feeRate: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "escrow",
				Name:      "fee_rate_bps",
				Help:      "Current platform fee rate in basis points.",
			}),
			counter: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "escrow",
				Name:      "last_id",
				Help:      "Last issued escrow identifier.",
			}),
			height: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "settle",
				Name:      "chain_height",
				Help:      "Current node height.",
			}),
		}
		prometheus.MustRegister(
			escrowRegistry.transitions,
			escrowRegistry.custody,
			escrowRegistry.feeRate,
			escrowRegistry.counter,
			escrowRegistry.height,
		)
	})
	return escrowRegistry
}

// RecordTransition counts one escrow operation attempt.
func (m *EscrowMetrics) RecordTransition(operation, outcome string) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	if outcome == "" {
		outcome = "ok"
	}
	m.transitions.WithLabelValues(operation, outcome).Inc()
}

// SetCustody reports the custody balance. Values beyond float64 precision are
// clamped.
func (m *EscrowMetrics) SetCustody(balance *big.Int) {
	if m == nil || balance == nil {
		return
	}
	f, _ := new(big.Float).SetInt(balance).Float64()
	if math.IsInf(f, 0) {
		f = math.MaxFloat64
	}
	m.custody.Set(f)
}

// SetFeeRate reports the current platform fee rate.
func (m *EscrowMetrics) SetFeeRate(bps uint32) {
	if m == nil {
		return
	}
	m.feeRate.Set(float64(bps))
}

// SetCounter reports the last issued escrow id.
func (m *EscrowMetrics) SetCounter(id uint64) {
	if m == nil {
		return
	}
	m.counter.Set(float64(id))
}

// SetHeight reports the node height.
func (m *EscrowMetrics) SetHeight(height uint64) {
	if m == nil {
		return
	}
	m.height.Set(float64(height))
}
