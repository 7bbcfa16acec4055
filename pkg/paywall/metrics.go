package paywall

import "time"

// Metrics defines the interface for tracking payment pipeline operations.
type Metrics interface {
	// RecordPurchase records a purchase initiation attempt and its outcome ("success", "error", ...).
	RecordPurchase(purpose string, outcome string)

	// RecordTransition records a ledger transition attempt. applied is false for no-op duplicates.
	RecordTransition(from, to string, applied bool)

	// RecordGrant records an entitlement side effect.
	RecordGrant(purpose string, success bool)

	// RecordRevocation records revoked grants.
	RecordRevocation(purpose string, count int)

	// RecordWebhookEvent records a reconciled event by type and outcome.
	RecordWebhookEvent(eventType, outcome string)

	// RecordRetry records a retry queue attempt.
	RecordRetry(success bool)

	// RecordCacheHit records a cache hit for a lookup type (e.g., "reveal", "featured").
	RecordCacheHit(cacheType string)

	// RecordCacheMiss records a cache miss for a lookup type.
	RecordCacheMiss(cacheType string)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordPurchase(_, _ string)                                {}
func (n *NoopMetrics) RecordTransition(_, _ string, _ bool)                      {}
func (n *NoopMetrics) RecordGrant(_ string, _ bool)                              {}
func (n *NoopMetrics) RecordRevocation(_ string, _ int)                          {}
func (n *NoopMetrics) RecordWebhookEvent(_, _ string)                            {}
func (n *NoopMetrics) RecordRetry(_ bool)                                        {}
func (n *NoopMetrics) RecordCacheHit(_ string)                                   {}
func (n *NoopMetrics) RecordCacheMiss(_ string)                                  {}
func (n *NoopMetrics) RecordStorageOperation(_ string, _ time.Duration, _ error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(_ string)                  {}
