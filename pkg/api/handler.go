package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/paywall/pkg/gateway"
	"github.com/mihaimyh/paywall/pkg/internal"
	"github.com/mihaimyh/paywall/pkg/paywall"
)

// Handler serves the purchase, webhook and transaction endpoints
type Handler struct {
	config         Config
	limiter        *internal.RateLimiter
	webhookLimiter *internal.RateLimiter
}

// NewHandler creates a new payment API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	config = config.withDefaults()

	h := &Handler{config: config}
	if config.RateLimit > 0 {
		h.limiter = newLimiter(config.RateLimit, config.RateLimitWindow, config.Logger, "purchase")
	}
	if config.WebhookRateLimit > 0 {
		h.webhookLimiter = newLimiter(config.WebhookRateLimit, config.RateLimitWindow, config.Logger, "webhook")
	}
	return h, nil
}

func newLimiter(limit int, window time.Duration, logger paywall.Logger, route string) *internal.RateLimiter {
	return internal.NewRateLimiter(limit, window).
		OnReject(func(ip string) {
			logger.Warn("request rate limited",
				paywall.Field{Key: "ip", Value: ip},
				paywall.Field{Key: "route", Value: route},
			)
		})
}

// Routes returns a mux with every endpoint registered. Mount it on any
// router that accepts an http.Handler.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /purchases", h.limiter.Middleware(http.HandlerFunc(h.Purchase)))
	mux.Handle("POST /webhooks/{provider}", h.webhookLimiter.Middleware(http.HandlerFunc(h.Webhook)))
	mux.HandleFunc("POST /admin/transactions/{id}/trigger-success", h.TriggerSuccess)
	mux.HandleFunc("GET /transactions/{id}", h.TransactionStatus)
	return mux
}

// WebhookHandler returns the webhook endpoint for one provider, for routers
// that do not populate net/http path values.
func (h *Handler) WebhookHandler(provider string) http.Handler {
	return h.webhookLimiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.webhook(w, r, provider)
	}))
}

// Purchase initiates a payment for the authenticated user.
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	setSecurityHeaders(w)
	if r.Method != http.MethodPost {
		h.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", errors.New("method not allowed"))
		return
	}

	userID := strings.TrimSpace(h.config.GetUserID(r))
	if userID == "" {
		h.writeError(w, r, http.StatusUnauthorized, "unauthorized", errors.New("user ID not found"))
		return
	}

	var body PurchaseRequest
	if err := internal.DecodeJSON(w, r, h.config.MaxBodyBytes, &body); err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			h.writeError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", err)
			return
		}
		h.writeError(w, r, http.StatusBadRequest, "invalid_request", err)
		return
	}

	res, err := h.config.Manager.InitiatePurchase(r.Context(), paywall.PurchaseRequest{
		UserID:     userID,
		Purpose:    paywall.Purpose(body.Purpose),
		ListingID:  body.ListingID,
		MessageID:  body.MessageID,
		Flow:       paywall.Flow(body.Flow),
		SuccessURL: body.SuccessURL,
		CancelURL:  body.CancelURL,
	})
	if err != nil {
		code, kind := purchaseStatus(err)
		if code >= http.StatusInternalServerError {
			h.config.Logger.Error("purchase failed",
				paywall.Field{Key: "user_id", Value: userID},
				paywall.Field{Key: "purpose", Value: body.Purpose},
				paywall.Field{Key: "error", Value: err.Error()},
			)
		}
		h.writeError(w, r, code, kind, err)
		return
	}

	_ = internal.WriteJSON(w, http.StatusCreated, newPurchaseResponse(res))
}

// Webhook verifies and applies a processor callback for the {provider}
// path segment.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	h.webhook(w, r, r.PathValue("provider"))
}

func (h *Handler) webhook(w http.ResponseWriter, r *http.Request, provider string) {
	setSecurityHeaders(w)
	if r.Method != http.MethodPost {
		h.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", errors.New("method not allowed"))
		return
	}

	gw, ok := h.config.Gateways[provider]
	if !ok {
		h.writeError(w, r, http.StatusNotFound, "unknown_provider", fmt.Errorf("unknown provider %q", provider))
		return
	}

	payload, err := internal.ReadBodyStrict(w, r, h.config.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			h.writeError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", err)
			return
		}
		h.writeError(w, r, http.StatusBadRequest, "invalid_payload", err)
		return
	}

	// Verification happens before anything is written.
	event, err := gw.VerifyWebhook(payload, r.Header.Get(gw.SignatureHeader()))
	if err != nil {
		switch {
		case errors.Is(err, gateway.ErrSignatureInvalid):
			h.config.Logger.Warn("webhook signature rejected",
				paywall.Field{Key: "provider", Value: provider},
				paywall.Field{Key: "ip", Value: internal.GetClientIP(r)},
				paywall.Field{Key: "error", Value: err.Error()},
			)
			h.writeError(w, r, http.StatusBadRequest, "invalid_signature", err)
		case errors.Is(err, gateway.ErrGatewayUnavailable):
			h.config.Logger.Error("webhook refused; gateway not configured",
				paywall.Field{Key: "provider", Value: provider},
				paywall.Field{Key: "error", Value: err.Error()},
			)
			h.writeError(w, r, http.StatusServiceUnavailable, "unavailable", err)
		default:
			h.config.Logger.Warn("webhook payload rejected",
				paywall.Field{Key: "provider", Value: provider},
				paywall.Field{Key: "error", Value: err.Error()},
			)
			h.writeError(w, r, http.StatusBadRequest, "invalid_payload", err)
		}
		return
	}

	if !event.Verified {
		h.config.Logger.Warn("accepting unverified webhook",
			paywall.Field{Key: "provider", Value: provider},
			paywall.Field{Key: "event_id", Value: event.ID},
		)
	}

	if err := h.config.Manager.Reconciler().HandleEvent(r.Context(), event); err != nil {
		h.config.Logger.Error("failed to process webhook",
			paywall.Field{Key: "provider", Value: provider},
			paywall.Field{Key: "event_id", Value: event.ID},
			paywall.Field{Key: "event_type", Value: event.Type},
			paywall.Field{Key: "error", Value: err.Error()},
		)
		h.writeError(w, r, http.StatusInternalServerError, "internal_error", errors.New("failed to process webhook"))
		return
	}

	_ = internal.WriteJSON(w, http.StatusOK, WebhookResponse{Received: true})
}

// TriggerSuccess marks a pending transaction succeeded without a processor
// callback. Admin only.
func (h *Handler) TriggerSuccess(w http.ResponseWriter, r *http.Request) {
	setSecurityHeaders(w)
	if h.config.IsAdmin == nil || !h.config.IsAdmin(r) {
		h.writeError(w, r, http.StatusForbidden, "forbidden", errors.New("admin access required"))
		return
	}

	id := r.PathValue("id")
	tx, err := h.config.Manager.Reconciler().TriggerSucceeded(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, paywall.ErrTransactionNotFound):
			h.writeError(w, r, http.StatusNotFound, "not_found", err)
		case errors.Is(err, paywall.ErrInvalidTransition):
			h.writeError(w, r, http.StatusConflict, "invalid_transition", err)
		default:
			h.writeError(w, r, http.StatusInternalServerError, "internal_error", err)
		}
		return
	}

	h.config.Logger.Info("transaction manually marked succeeded",
		paywall.Field{Key: "transaction_id", Value: tx.ID},
		paywall.Field{Key: "ip", Value: internal.GetClientIP(r)},
	)
	_ = internal.WriteJSON(w, http.StatusOK, newTransactionResponse(tx))
}

// TransactionStatus returns a transaction owned by the authenticated user.
// Other users' transactions are reported as not found.
func (h *Handler) TransactionStatus(w http.ResponseWriter, r *http.Request) {
	setSecurityHeaders(w)
	userID := strings.TrimSpace(h.config.GetUserID(r))
	if userID == "" {
		h.writeError(w, r, http.StatusUnauthorized, "unauthorized", errors.New("user ID not found"))
		return
	}

	tx, err := h.config.Manager.GetTransaction(r.Context(), r.PathValue("id"))
	if err != nil && !errors.Is(err, paywall.ErrTransactionNotFound) {
		h.writeError(w, r, http.StatusInternalServerError, "internal_error", fmt.Errorf("failed to get transaction: %w", err))
		return
	}
	if tx == nil || tx.UserID != userID {
		h.writeError(w, r, http.StatusNotFound, "not_found", paywall.ErrTransactionNotFound)
		return
	}

	_ = internal.WriteJSON(w, http.StatusOK, newTransactionResponse(tx))
}

// purchaseStatus maps an InitiatePurchase error onto a status and error kind.
func purchaseStatus(err error) (int, string) {
	switch {
	case paywall.IsValidation(err):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, paywall.ErrAlreadyEntitled):
		return http.StatusConflict, "already_entitled"
	case gateway.IsRequestError(err):
		return http.StatusBadGateway, "gateway_rejected"
	case paywall.IsConfiguration(err):
		return http.StatusServiceUnavailable, "not_configured"
	case errors.Is(err, gateway.ErrGatewayUnavailable), errors.Is(err, paywall.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "gateway_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, code int, kind string, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	body := internal.ErrorBody{Error: kind, Message: err.Error()}
	var ve *paywall.ValidationError
	if errors.As(err, &ve) {
		body.Field = ve.Field
	}
	if code >= http.StatusInternalServerError && kind == "internal_error" {
		body.Message = "internal error"
	}
	_ = internal.WriteJSON(w, code, body)
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
