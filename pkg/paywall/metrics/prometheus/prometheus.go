// Package prommetrics implements paywall.Metrics with Prometheus collectors.
package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/paywall/pkg/paywall"
)

// Metrics implements paywall.Metrics using Prometheus.
type Metrics struct {
	purchasesTotal             *prometheus.CounterVec
	transitionsTotal           *prometheus.CounterVec
	grantsTotal                *prometheus.CounterVec
	revocationsTotal           *prometheus.CounterVec
	webhookEventsTotal         *prometheus.CounterVec
	retriesTotal               *prometheus.CounterVec
	cacheHitsTotal             *prometheus.CounterVec
	cacheMissesTotal           *prometheus.CounterVec
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		purchasesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchases_total",
			Help:      "Total number of purchase initiations by outcome.",
		}, []string{"purpose", "outcome"}),

		transitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transaction_transitions_total",
			Help:      "Total number of transaction status transition attempts.",
		}, []string{"from", "to", "applied"}),

		grantsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entitlement_grants_total",
			Help:      "Total number of entitlement grant writes.",
		}, []string{"purpose", "success"}),

		revocationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entitlement_revocations_total",
			Help:      "Total number of revoked entitlement grants.",
		}, []string{"purpose"}),

		webhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciled_events_total",
			Help:      "Total number of processor events handled by the reconciler.",
		}, []string{"event_type", "outcome"}),

		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "side_effect_retries_total",
			Help:      "Total number of retried entitlement side effects.",
		}, []string{"success"}),

		cacheHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits.",
		}, []string{"type"}),

		cacheMissesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses.",
		}, []string{"type"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordPurchase(purpose, outcome string) {
	m.purchasesTotal.WithLabelValues(purpose, outcome).Inc()
}

func (m *Metrics) RecordTransition(from, to string, applied bool) {
	m.transitionsTotal.WithLabelValues(from, to, strconv.FormatBool(applied)).Inc()
}

func (m *Metrics) RecordGrant(purpose string, success bool) {
	m.grantsTotal.WithLabelValues(purpose, strconv.FormatBool(success)).Inc()
}

func (m *Metrics) RecordRevocation(purpose string, count int) {
	if purpose == "" {
		purpose = "any"
	}
	m.revocationsTotal.WithLabelValues(purpose).Add(float64(count))
}

func (m *Metrics) RecordWebhookEvent(eventType, outcome string) {
	m.webhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) RecordRetry(success bool) {
	m.retriesTotal.WithLabelValues(strconv.FormatBool(success)).Inc()
}

func (m *Metrics) RecordCacheHit(cacheType string) {
	m.cacheHitsTotal.WithLabelValues(cacheType).Inc()
}

func (m *Metrics) RecordCacheMiss(cacheType string) {
	m.cacheMissesTotal.WithLabelValues(cacheType).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}

var _ paywall.Metrics = (*Metrics)(nil)
