package gateway

import "time"

// Metrics defines the interface for tracking gateway operations.
// All methods are optional - adapters fall back to NoopMetrics when nil.
type Metrics interface {
	// RecordAPICall records an API call to the processor.
	// endpoint: The API endpoint called (e.g., "/payment_intents")
	// status: "success", "error", "unconfigured"
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)

	// RecordWebhookVerification records a webhook verification outcome.
	// status: "verified", "unverified", "rejected"
	RecordWebhookVerification(provider, status string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordAPICall(_, _, _ string)                       {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookVerification(_, _ string)              {}
