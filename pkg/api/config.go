package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/paywall/pkg/gateway"
	"github.com/mihaimyh/paywall/pkg/paywall"
)

const (
	// DefaultMaxBodyBytes bounds purchase and webhook bodies.
	DefaultMaxBodyBytes = 256 * 1024

	// DefaultRateLimit is the per-IP request budget per RateLimitWindow.
	DefaultRateLimit = 100
)

// Config holds configuration for the payment API handler
type Config struct {
	// Manager is the payment manager instance (required)
	Manager *paywall.Manager

	// GetUserID extracts the authenticated user ID from the request (required)
	GetUserID func(*http.Request) string

	// IsAdmin authorizes the manual trigger endpoint.
	// If nil, every trigger request is refused with 403.
	IsAdmin func(*http.Request) bool

	// Gateways maps the {provider} path segment to the adapter that verifies
	// its webhooks. If nil, the manager's gateway is registered under its name.
	Gateways map[string]gateway.Gateway

	// MaxBodyBytes limits request bodies (default: 256 KiB)
	MaxBodyBytes int64

	// RateLimit is the number of purchase requests allowed per IP within
	// RateLimitWindow (default: 100). Negative disables rate limiting.
	RateLimit int

	// WebhookRateLimit is the per-IP budget for webhook deliveries within
	// RateLimitWindow. Processors send bursts from a few addresses, so
	// webhooks are not limited unless this is positive.
	WebhookRateLimit int

	// RateLimitWindow is the rate limit window (default: 1 minute)
	RateLimitWindow time.Duration

	// Logger is optional (default: no-op)
	Logger paywall.Logger

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Manager == nil {
		return fmt.Errorf("manager is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	for name, gw := range c.Gateways {
		if gw == nil {
			return fmt.Errorf("gateway %q is nil", name)
		}
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.RateLimit == 0 {
		c.RateLimit = DefaultRateLimit
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = time.Minute
	}
	if c.Logger == nil {
		c.Logger = &paywall.NoopLogger{}
	}
	if c.Gateways == nil {
		c.Gateways = make(map[string]gateway.Gateway)
		if gw := c.Manager.Gateway(); gw != nil {
			c.Gateways[gw.Name()] = gw
		}
	}
	return c
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// AdminFromHeader returns an IsAdmin function that accepts requests whose
// header carries token. An empty token refuses everything.
func AdminFromHeader(headerName, token string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		return token != "" && r.Header.Get(headerName) == token
	}
}
