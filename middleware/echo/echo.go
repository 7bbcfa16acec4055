// Package echo provides Echo middleware that gates routes behind a paid entitlement
package echo

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/paywall/pkg/paywall"
)

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// TargetExtractor extracts the listing ID (reveal, feature) or message ID
// (message) from an Echo context
type TargetExtractor func(c echo.Context) string

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
	OnPaymentRequired func(c echo.Context, purpose paywall.Purpose, target string) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that answers 402 unless the
// entitlement for cfg.Purpose is active
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("paywall/echo: Config.Manager is required")
	}
	switch cfg.Purpose {
	case paywall.PurposeRevealContact, paywall.PurposeMessage:
		if cfg.GetUserID == nil {
			panic("paywall/echo: Config.GetUserID is required for " + string(cfg.Purpose))
		}
	case paywall.PurposeFeature:
	default:
		panic(fmt.Sprintf("paywall/echo: unsupported gate purpose %q", cfg.Purpose))
	}
	if cfg.GetTarget == nil {
		panic("paywall/echo: Config.GetTarget is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			var userID string
			if cfg.Purpose != paywall.PurposeFeature {
				userID = cfg.GetUserID(c)
				if userID == "" {
					if cfg.OnUnauthorized != nil {
						return cfg.OnUnauthorized(c)
					}
					return defaultUnauthorized(c)
				}
			}

			target := cfg.GetTarget(c)
			if target == "" {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "Bad Request"})
			}

			ok, err := cfg.Manager.Entitled(c.Request().Context(), cfg.Purpose, userID, target)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return defaultError(c, err)
			}
			if !ok {
				if cfg.OnPaymentRequired != nil {
					return cfg.OnPaymentRequired(c, cfg.Purpose, target)
				}
				return defaultPaymentRequired(c, cfg.Purpose, target)
			}

			return next(c)
		}
	}
}

// RequireReveal gates a contact-details route on a paid reveal.
func RequireReveal(manager *paywall.Manager, getUserID UserIDExtractor, getListing TargetExtractor) echo.MiddlewareFunc {
	return Middleware(Config{Manager: manager, Purpose: paywall.PurposeRevealContact, GetUserID: getUserID, GetTarget: getListing})
}

// RequireFeatured lets a request through only while the listing is boosted.
func RequireFeatured(manager *paywall.Manager, getListing TargetExtractor) echo.MiddlewareFunc {
	return Middleware(Config{Manager: manager, Purpose: paywall.PurposeFeature, GetTarget: getListing})
}

// Default error handlers

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultPaymentRequired(c echo.Context, purpose paywall.Purpose, target string) error {
	return c.JSON(http.StatusPaymentRequired, map[string]string{
		"error":   "Payment Required",
		"purpose": string(purpose),
		"target":  target,
	})
}

func defaultError(c echo.Context, _ error) error {
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

// Convenience extractors

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// set by auth middleware via c.Set(key, userID)
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a TargetExtractor that reads a route parameter
func FromParam(paramName string) TargetExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a TargetExtractor that reads a query parameter
func FromQuery(queryName string) TargetExtractor {
	return func(c echo.Context) string {
		return c.QueryParam(queryName)
	}
}
