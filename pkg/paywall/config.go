package paywall

import (
	"time"

	"github.com/mihaimyh/paywall/pkg/gateway"
)

// Config configures a Manager.
type Config struct {
	// Gateway creates intents and checkout sessions (required for purchases)
	Gateway gateway.Gateway

	// Pricing supplies the admin-configured price table (required for purchases)
	Pricing ConfigProvider

	// Listings is notified after a contact reveal is granted (optional)
	Listings ListingNotifier

	// Messages is notified after a paid message is unlocked (optional)
	Messages MessageNotifier

	// Accounts validates that purchase targets exist (optional)
	Accounts AccountDirectory

	// Observers receive domain events asynchronously (optional)
	Observers []Observer

	// ObserverTimeout bounds each observer call (default: 10 seconds)
	ObserverTimeout time.Duration

	// KeepGrantsOnRefund disables revocation of a transaction's grants when
	// it is refunded. Revocation is on by default.
	KeepGrantsOnRefund bool

	// GatewayTimeout bounds each gateway call made during purchase initiation (default: 15 seconds)
	GatewayTimeout time.Duration

	// MaxRetryAttempts caps retries of a failed entitlement side effect (default: 5)
	MaxRetryAttempts int

	// RetryBackoff is the base delay before the first retry; it doubles per attempt (default: 30 seconds)
	RetryBackoff time.Duration

	// MaxRetryBackoff caps the retry delay (default: 1 hour)
	MaxRetryBackoff time.Duration

	// RetryBatchSize is how many due retries ProcessRetries loads at once (default: 50)
	RetryBatchSize int

	// RetryConcurrency bounds concurrent retries (default: 4)
	RetryConcurrency int

	// RetryLease is how long a claimed retry stays hidden from other workers
	// before it is due again (default: 5 minutes)
	RetryLease time.Duration

	// CacheConfig configures the grant lookup cache (disabled when nil)
	CacheConfig *CacheConfig

	// CircuitBreakerConfig configures the circuit breaker around gateway calls (disabled when nil)
	CircuitBreakerConfig *CircuitBreakerConfig

	// Metrics is used for tracking pipeline operations (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Now overrides the clock (default: time.Now)
	Now func() time.Time
}

// DefaultConfig returns a Config with every tunable set to its default.
func DefaultConfig() Config {
	return Config{
		ObserverTimeout:  10 * time.Second,
		GatewayTimeout:   15 * time.Second,
		MaxRetryAttempts: 5,
		RetryBackoff:     30 * time.Second,
		MaxRetryBackoff:  time.Hour,
		RetryBatchSize:   50,
		RetryConcurrency: 4,
		RetryLease:       5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ObserverTimeout <= 0 {
		c.ObserverTimeout = d.ObserverTimeout
	}
	if c.GatewayTimeout <= 0 {
		c.GatewayTimeout = d.GatewayTimeout
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = d.MaxRetryAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.MaxRetryBackoff <= 0 {
		c.MaxRetryBackoff = d.MaxRetryBackoff
	}
	if c.RetryBatchSize <= 0 {
		c.RetryBatchSize = d.RetryBatchSize
	}
	if c.RetryConcurrency <= 0 {
		c.RetryConcurrency = d.RetryConcurrency
	}
	if c.RetryLease <= 0 {
		c.RetryLease = d.RetryLease
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Validate checks the configuration for inconsistent values.
func (c *Config) Validate() error {
	if c.MaxRetryAttempts < 0 {
		return &ConfigurationError{Key: "max_retry_attempts", Message: "must not be negative"}
	}
	if c.CacheConfig != nil && c.CacheConfig.Enabled && c.CacheConfig.TTL < 0 {
		return &ConfigurationError{Key: "cache.ttl", Message: "must not be negative"}
	}
	if c.CircuitBreakerConfig != nil && c.CircuitBreakerConfig.Enabled && c.CircuitBreakerConfig.FailureThreshold < 0 {
		return &ConfigurationError{Key: "circuit_breaker.failure_threshold", Message: "must not be negative"}
	}
	return nil
}
