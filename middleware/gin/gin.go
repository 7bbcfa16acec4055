// Package gin provides Gin middleware that gates routes behind a paid entitlement
package gin

import (
	"fmt"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/paywall/pkg/paywall"
)

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// TargetExtractor extracts the listing ID (reveal, feature) or message ID
// (message) from a Gin context
type TargetExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Manager is the payment manager instance
	Manager *paywall.Manager

	// Purpose selects the gate: reveal_contact, feature or message (required)
	Purpose paywall.Purpose

	// GetUserID extracts user ID from context (required unless Purpose is feature)
	GetUserID UserIDExtractor

	// GetTarget extracts the gated listing or message ID (required)
	GetTarget TargetExtractor

	// OnPaymentRequired is called when the entitlement is missing
	// If nil, returns 402 JSON naming the missing purpose and target
	OnPaymentRequired func(c *gongin.Context, purpose paywall.Purpose, target string)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that aborts with 402 unless the
// entitlement for cfg.Purpose is active
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("paywall/gin: Config.Manager is required")
	}
	switch cfg.Purpose {
	case paywall.PurposeRevealContact, paywall.PurposeMessage:
		if cfg.GetUserID == nil {
			panic("paywall/gin: Config.GetUserID is required for " + string(cfg.Purpose))
		}
	case paywall.PurposeFeature:
	default:
		panic(fmt.Sprintf("paywall/gin: unsupported gate purpose %q", cfg.Purpose))
	}
	if cfg.GetTarget == nil {
		panic("paywall/gin: Config.GetTarget is required")
	}

	return func(c *gongin.Context) {
		var userID string
		if cfg.Purpose != paywall.PurposeFeature {
			userID = cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					cfg.OnUnauthorized(c)
				} else {
					defaultUnauthorized(c)
				}
				c.Abort()
				return
			}
		}

		target := cfg.GetTarget(c)
		if target == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gongin.H{"error": "Bad Request"})
			return
		}

		ok, err := cfg.Manager.Entitled(c.Request.Context(), cfg.Purpose, userID, target)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				defaultError(c, err)
			}
			c.Abort()
			return
		}
		if !ok {
			if cfg.OnPaymentRequired != nil {
				cfg.OnPaymentRequired(c, cfg.Purpose, target)
			} else {
				defaultPaymentRequired(c, cfg.Purpose, target)
			}
			c.Abort()
			return
		}

		c.Next()
	}
}

// RequireReveal gates a contact-details route on a paid reveal.
func RequireReveal(manager *paywall.Manager, getUserID UserIDExtractor, getListing TargetExtractor) gongin.HandlerFunc {
	return Middleware(Config{Manager: manager, Purpose: paywall.PurposeRevealContact, GetUserID: getUserID, GetTarget: getListing})
}

// RequireFeatured lets a request through only while the listing is boosted.
func RequireFeatured(manager *paywall.Manager, getListing TargetExtractor) gongin.HandlerFunc {
	return Middleware(Config{Manager: manager, Purpose: paywall.PurposeFeature, GetTarget: getListing})
}

// Default error handlers

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
}

func defaultPaymentRequired(c *gongin.Context, purpose paywall.Purpose, target string) {
	c.JSON(http.StatusPaymentRequired, gongin.H{
		"error":   "Payment Required",
		"purpose": purpose,
		"target":  target,
	})
}

func defaultError(c *gongin.Context, _ error) {
	c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
}

// Convenience extractors

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// set by auth middleware via c.Set(key, userID)
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a TargetExtractor that reads a route parameter
func FromParam(paramName string) TargetExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a TargetExtractor that reads a query parameter
func FromQuery(queryName string) TargetExtractor {
	return func(c *gongin.Context) string {
		return c.Query(queryName)
	}
}
