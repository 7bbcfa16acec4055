// Package prommetrics implements gateway.Metrics with Prometheus collectors.
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/paywall/pkg/gateway"
)

// Metrics implements gateway.Metrics using Prometheus.
type Metrics struct {
	apiCallsTotal        *prometheus.CounterVec
	apiCallDuration      *prometheus.HistogramVec
	webhookVerifications *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation for payment gateways.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		apiCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "api_calls_total",
			Help:      "Total number of API calls to payment processors.",
		}, []string{"provider", "endpoint", "status"}),

		apiCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "api_call_duration_seconds",
			Help:      "Duration of API calls to payment processors in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "endpoint"}),

		webhookVerifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "webhook_verifications_total",
			Help:      "Total number of webhook signature checks by outcome.",
		}, []string{"provider", "status"}),
	}
}

func (m *Metrics) RecordAPICall(provider, endpoint, status string) {
	m.apiCallsTotal.WithLabelValues(provider, endpoint, status).Inc()
}

func (m *Metrics) RecordAPICallDuration(provider, endpoint string, duration time.Duration) {
	m.apiCallDuration.WithLabelValues(provider, endpoint).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookVerification(provider, status string) {
	m.webhookVerifications.WithLabelValues(provider, status).Inc()
}

var _ gateway.Metrics = (*Metrics)(nil)
