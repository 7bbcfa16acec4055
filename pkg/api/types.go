package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mihaimyh/paywall/pkg/gateway"
	"github.com/mihaimyh/paywall/pkg/paywall"
)

// PurchaseRequest is the body of POST /purchases. It carries no amount:
// any amount a client sends is ignored.
type PurchaseRequest struct {
	Purpose    string `json:"purpose"`
	ListingID  string `json:"listing_id,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
	Flow       string `json:"flow,omitempty"`
	SuccessURL string `json:"success_url,omitempty"`
	CancelURL  string `json:"cancel_url,omitempty"`
}

// PurchaseResponse is returned with 201 Created.
type PurchaseResponse struct {
	TransactionID     string `json:"transaction_id"`
	ClientSecret      string `json:"client_secret,omitempty"`
	CheckoutSessionID string `json:"checkout_session_id,omitempty"`
	CheckoutURL       string `json:"checkout_url,omitempty"`
	Amount            string `json:"amount"`
	Currency          string `json:"currency"`
	Provider          string `json:"provider"`
}

// TransactionResponse is the client view of a transaction.
type TransactionResponse struct {
	ID        string    `json:"id"`
	Purpose   string    `json:"purpose"`
	Status    string    `json:"status"`
	ListingID string    `json:"listing_id,omitempty"`
	Amount    string    `json:"amount"`
	Currency  string    `json:"currency"`
	Provider  string    `json:"provider"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WebhookResponse acknowledges a parsed webhook.
type WebhookResponse struct {
	Received bool `json:"received"`
}

func newPurchaseResponse(res *paywall.PurchaseResult) PurchaseResponse {
	return PurchaseResponse{
		TransactionID:     res.TransactionID,
		ClientSecret:      res.ClientSecret,
		CheckoutSessionID: res.CheckoutSessionID,
		CheckoutURL:       res.CheckoutURL,
		Amount:            formatAmount(res.Amount, res.Currency),
		Currency:          res.Currency,
		Provider:          string(res.Provider),
	}
}

func newTransactionResponse(tx *paywall.Transaction) TransactionResponse {
	return TransactionResponse{
		ID:        tx.ID,
		Purpose:   string(tx.Purpose),
		Status:    string(tx.Status),
		ListingID: tx.ListingID,
		Amount:    formatAmount(tx.Amount, tx.Currency),
		Currency:  tx.Currency,
		Provider:  string(tx.Provider),
		CreatedAt: tx.CreatedAt,
		UpdatedAt: tx.UpdatedAt,
	}
}

// formatAmount renders amount with the currency's minor-unit digits,
// so 19 USD becomes "19.00" and 500 JPY stays "500".
func formatAmount(amount decimal.Decimal, currency string) string {
	exp, err := gateway.CurrencyExponent(currency)
	if err != nil {
		return amount.String()
	}
	return amount.StringFixed(exp)
}
