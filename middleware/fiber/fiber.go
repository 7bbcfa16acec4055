// Package fiber provides Fiber middleware that gates routes behind a paid entitlement
package fiber

import (
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/paywall/pkg/paywall"
)

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// TargetExtractor extracts the listing ID (reveal, feature) or message ID
// (message) from a Fiber context
type TargetExtractor func(c *fiber.Ctx) string

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
	OnPaymentRequired func(c *fiber.Ctx, purpose paywall.Purpose, target string) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that answers 402 unless the
// entitlement for cfg.Purpose is active
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("paywall/fiber: Config.Manager is required")
	}
	switch cfg.Purpose {
	case paywall.PurposeRevealContact, paywall.PurposeMessage:
		if cfg.GetUserID == nil {
			panic("paywall/fiber: Config.GetUserID is required for " + string(cfg.Purpose))
		}
	case paywall.PurposeFeature:
	default:
		panic(fmt.Sprintf("paywall/fiber: unsupported gate purpose %q", cfg.Purpose))
	}
	if cfg.GetTarget == nil {
		panic("paywall/fiber: Config.GetTarget is required")
	}

	return func(c *fiber.Ctx) error {
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
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Bad Request"})
		}

		ok, err := cfg.Manager.Entitled(c.UserContext(), cfg.Purpose, userID, target)
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

		return c.Next()
	}
}

// RequireReveal gates a contact-details route on a paid reveal.
func RequireReveal(manager *paywall.Manager, getUserID UserIDExtractor, getListing TargetExtractor) fiber.Handler {
	return Middleware(Config{Manager: manager, Purpose: paywall.PurposeRevealContact, GetUserID: getUserID, GetTarget: getListing})
}

// RequireFeatured lets a request through only while the listing is boosted.
func RequireFeatured(manager *paywall.Manager, getListing TargetExtractor) fiber.Handler {
	return Middleware(Config{Manager: manager, Purpose: paywall.PurposeFeature, GetTarget: getListing})
}

// Default error handlers

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

func defaultPaymentRequired(c *fiber.Ctx, purpose paywall.Purpose, target string) error {
	return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
		"error":   "Payment Required",
		"purpose": string(purpose),
		"target":  target,
	})
}

func defaultError(c *fiber.Ctx, _ error) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
}

// Convenience extractors

// FromLocals returns a UserIDExtractor that gets user ID from Fiber locals
// set by auth middleware via c.Locals(key, userID)
func FromLocals(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a TargetExtractor that reads a route parameter
func FromParam(paramName string) TargetExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// FromQuery returns a TargetExtractor that reads a query parameter
func FromQuery(queryName string) TargetExtractor {
	return func(c *fiber.Ctx) string {
		return c.Query(queryName)
	}
}
