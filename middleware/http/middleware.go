// Package http provides net/http middleware that gates handlers behind a paid entitlement
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mihaimyh/paywall/pkg/paywall"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// TargetExtractor extracts the gated object from an HTTP request: the listing
// ID for reveal and feature gates, the message ID for message gates.
type TargetExtractor func(r *http.Request) string

// Requirement describes the entitlement a request was missing.
type Requirement struct {
	Purpose paywall.Purpose `json:"purpose"`
	UserID  string          `json:"-"`
	Target  string          `json:"target"`
}

// Config holds middleware configuration
type Config struct {
	// Manager is the payment manager instance
	Manager *paywall.Manager

	// Purpose selects the gate: reveal_contact, feature or message (required)
	Purpose paywall.Purpose

	// GetUserID extracts user ID from request (required unless Purpose is feature)
	GetUserID UserIDExtractor

	// GetTarget extracts the listing or message ID from request (required)
	GetTarget TargetExtractor

	// OnPaymentRequired is called when the entitlement is missing
	// If nil, returns 402 Payment Required
	OnPaymentRequired func(w http.ResponseWriter, r *http.Request, req Requirement)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

func (c *Config) validate() {
	if c.Manager == nil {
		panic("paywall/http: Config.Manager is required")
	}
	switch c.Purpose {
	case paywall.PurposeRevealContact, paywall.PurposeMessage:
		if c.GetUserID == nil {
			panic("paywall/http: Config.GetUserID is required for " + string(c.Purpose))
		}
	case paywall.PurposeFeature:
	default:
		panic(fmt.Sprintf("paywall/http: unsupported gate purpose %q", c.Purpose))
	}
	if c.GetTarget == nil {
		panic("paywall/http: Config.GetTarget is required")
	}
}

// Middleware creates an HTTP middleware that lets a request through only when
// the entitlement for config.Purpose is active
func Middleware(config Config) func(http.Handler) http.Handler {
	config.validate()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var userID string
			if config.Purpose != paywall.PurposeFeature {
				userID = config.GetUserID(r)
				if userID == "" {
					if config.OnUnauthorized != nil {
						config.OnUnauthorized(w, r)
					} else {
						writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
					}
					return
				}
			}

			target := config.GetTarget(r)
			if target == "" {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Bad Request"})
				return
			}

			ok, err := config.Manager.Entitled(r.Context(), config.Purpose, userID, target)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
				}
				return
			}
			if !ok {
				req := Requirement{Purpose: config.Purpose, UserID: userID, Target: target}
				if config.OnPaymentRequired != nil {
					config.OnPaymentRequired(w, r, req)
				} else {
					writeJSON(w, http.StatusPaymentRequired, map[string]interface{}{
						"error":       "Payment Required",
						"requirement": req,
					})
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// HandlerFunc creates the middleware in HandlerFunc form
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

// RequireReveal gates a contact-details endpoint on a paid reveal.
func RequireReveal(manager *paywall.Manager, getUserID UserIDExtractor, getListing TargetExtractor) func(http.Handler) http.Handler {
	return Middleware(Config{
		Manager:   manager,
		Purpose:   paywall.PurposeRevealContact,
		GetUserID: getUserID,
		GetTarget: getListing,
	})
}

// RequireFeatured lets a request through only while the listing is boosted.
func RequireFeatured(manager *paywall.Manager, getListing TargetExtractor) func(http.Handler) http.Handler {
	return Middleware(Config{
		Manager:   manager,
		Purpose:   paywall.PurposeFeature,
		GetTarget: getListing,
	})
}

// RequireMessage gates a paid message on its unlock.
func RequireMessage(manager *paywall.Manager, getUserID UserIDExtractor, getMessage TargetExtractor) func(http.Handler) http.Handler {
	return Middleware(Config{
		Manager:   manager,
		Purpose:   paywall.PurposeMessage,
		GetUserID: getUserID,
		GetTarget: getMessage,
	})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "paywall:userID"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromPathValue returns a TargetExtractor that reads a net/http route wildcard
func FromPathValue(name string) TargetExtractor {
	return func(r *http.Request) string {
		return r.PathValue(name)
	}
}

// FromQuery returns a TargetExtractor that reads a query parameter
func FromQuery(name string) TargetExtractor {
	return func(r *http.Request) string {
		return r.URL.Query().Get(name)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
