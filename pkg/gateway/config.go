package gateway

import (
	"net/http"
	"time"
)

// DefaultTolerance is the maximum age of a signed webhook timestamp.
const DefaultTolerance = 5 * time.Minute

// Config defines the options every adapter accepts.
type Config struct {
	// Credentials supplies the API key and webhook secret.
	Credentials Credentials

	// AllowUnverified accepts webhook payloads without a signature check when
	// no webhook secret is configured. Intended for local development only;
	// when false (the default) such webhooks are refused as unavailable.
	AllowUnverified bool

	// AllowUnverifiedFunc replaces AllowUnverified when set. It is read on
	// every webhook so a reloaded setting applies without a restart.
	AllowUnverifiedFunc func() bool

	// Tolerance bounds the age of a signed webhook (default: 5 minutes).
	Tolerance time.Duration

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// Metrics is an optional metrics collector (default: NoopMetrics).
	Metrics Metrics

	// Now overrides the clock used to stamp events that carry no creation
	// time. Signature tolerance is checked against the wall clock.
	Now func() time.Time
}

// WithDefaults returns a copy of c with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.Credentials == nil {
		c.Credentials = StaticCredentials{}
	}
	if c.Tolerance <= 0 {
		c.Tolerance = DefaultTolerance
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// UnverifiedAllowed reports the current unverified-webhook policy.
func (c Config) UnverifiedAllowed() bool {
	if c.AllowUnverifiedFunc != nil {
		return c.AllowUnverifiedFunc()
	}
	return c.AllowUnverified
}
