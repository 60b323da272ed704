package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"inkprotocol/native/escrow"
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
// record API activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ink",
				Subsystem: "module",
				Name:      "requests_total",
				Help:      "Total API requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ink",
				Subsystem: "module",
				Name:      "errors_total",
				Help:      "Total API errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "ink",
				Subsystem: "module",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ink",
				Subsystem: "module",
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
// reason. Reasons should be stable strings such as "rate_limit" so dashboards
// and alerts remain consistent.
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

// EscrowMetrics tracks the arbitration behaviour of the escrow engine. It
// satisfies escrow.Observer.
type EscrowMetrics struct {
	transitions   *prometheus.CounterVec
	fees          *prometheus.CounterVec
	clamped       *prometheus.CounterVec
	collaborators *prometheus.CounterVec
}

var _ escrow.Observer = (*EscrowMetrics)(nil)

// Escrow returns the singleton escrow metrics registry.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ink",
				Subsystem: "escrow",
				Name:      "transitions_total",
				Help:      "Transactions entering each escrow state.",
			}, []string{"state"}),
			fees: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ink",
				Subsystem: "escrow",
				Name:      "fees_total",
				Help:      "Mediator fees realized, in token units, per fee function.",
			}, []string{"method"}),
			clamped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ink",
				Subsystem: "escrow",
				Name:      "fees_forfeited_total",
				Help:      "Mediator fee quotes forfeited for exceeding their share.",
			}, []string{"method"}),
			collaborators: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ink",
				Subsystem: "escrow",
				Name:      "collaborator_failures_total",
				Help:      "Failed policy, mediator and owner calls replaced by defaults.",
			}, []string{"collaborator", "method"}),
		}
		prometheus.MustRegister(
			escrowRegistry.transitions,
			escrowRegistry.fees,
			escrowRegistry.clamped,
			escrowRegistry.collaborators,
		)
	})
	return escrowRegistry
}

func (m *EscrowMetrics) TransitionApplied(to escrow.State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to.String()).Inc()
}

func (m *EscrowMetrics) FeeCharged(method string, fee *big.Int) {
	if m == nil {
		return
	}
	m.fees.WithLabelValues(labelMethod(method)).Add(bigToFloat(fee))
}

func (m *EscrowMetrics) FeeClamped(method string) {
	if m == nil {
		return
	}
	m.clamped.WithLabelValues(labelMethod(method)).Inc()
}

func (m *EscrowMetrics) CollaboratorFailed(collaborator, method string) {
	if m == nil {
		return
	}
	m.collaborators.WithLabelValues(labelMethod(collaborator), labelMethod(method)).Inc()
}

func labelMethod(method string) string {
	trimmed := strings.TrimSpace(method)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil || value.Sign() < 0 {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
