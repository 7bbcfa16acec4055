package redis

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mihaimyh/paywall/pkg/paywall"
)

// transactionRecord is the JSON form stored under a transaction key.
// Amount is kept as a decimal string so no precision is lost.
type transactionRecord struct {
	ID          string       `json:"id"`
	UserID      string       `json:"user_id"`
	ListingID   string       `json:"listing_id,omitempty"`
	Purpose     string       `json:"purpose"`
	Amount      string       `json:"amount"`
	Currency    string       `json:"currency"`
	Provider    string       `json:"provider"`
	ProviderRef string       `json:"provider_ref,omitempty"`
	Status      string       `json:"status"`
	Meta        paywall.Meta `json:"meta,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

func encodeTransaction(tx *paywall.Transaction) (string, error) {
	data, err := json.Marshal(transactionRecord{
		ID:          tx.ID,
		UserID:      tx.UserID,
		ListingID:   tx.ListingID,
		Purpose:     string(tx.Purpose),
		Amount:      tx.Amount.String(),
		Currency:    tx.Currency,
		Provider:    string(tx.Provider),
		ProviderRef: tx.ProviderRef,
		Status:      string(tx.Status),
		Meta:        tx.Meta,
		CreatedAt:   tx.CreatedAt,
		UpdatedAt:   tx.UpdatedAt,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal transaction: %w", err)
	}
	return string(data), nil
}

func decodeTransaction(data string) (*paywall.Transaction, error) {
	var rec transactionRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transaction: %w", err)
	}
	amount, err := decimal.NewFromString(rec.Amount)
	if err != nil {
		return nil, fmt.Errorf("invalid stored amount %q: %w", rec.Amount, err)
	}
	meta := rec.Meta
	if meta == nil {
		meta = paywall.Meta{}
	}
	return &paywall.Transaction{
		ID:          rec.ID,
		UserID:      rec.UserID,
		ListingID:   rec.ListingID,
		Purpose:     paywall.Purpose(rec.Purpose),
		Amount:      amount,
		Currency:    rec.Currency,
		Provider:    paywall.Provider(rec.Provider),
		ProviderRef: rec.ProviderRef,
		Status:      paywall.Status(rec.Status),
		Meta:        meta,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}, nil
}

type grantRecord struct {
	ID            string     `json:"id"`
	Key           string     `json:"key"`
	UserID        string     `json:"user_id,omitempty"`
	ListingID     string     `json:"listing_id,omitempty"`
	MessageID     string     `json:"message_id,omitempty"`
	Purpose       string     `json:"purpose"`
	TransactionID string     `json:"transaction_id"`
	GrantedAt     time.Time  `json:"granted_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
}

func encodeGrant(g *paywall.EntitlementGrant) (string, error) {
	data, err := json.Marshal(grantRecord{
		ID:            g.ID,
		Key:           g.Key,
		UserID:        g.UserID,
		ListingID:     g.ListingID,
		MessageID:     g.MessageID,
		Purpose:       string(g.Purpose),
		TransactionID: g.TransactionID,
		GrantedAt:     g.GrantedAt,
		ExpiresAt:     g.ExpiresAt,
		RevokedAt:     g.RevokedAt,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal grant: %w", err)
	}
	return string(data), nil
}

func decodeGrant(data string) (*paywall.EntitlementGrant, error) {
	var rec grantRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal grant: %w", err)
	}
	return &paywall.EntitlementGrant{
		ID:            rec.ID,
		Key:           rec.Key,
		UserID:        rec.UserID,
		ListingID:     rec.ListingID,
		MessageID:     rec.MessageID,
		Purpose:       paywall.Purpose(rec.Purpose),
		TransactionID: rec.TransactionID,
		GrantedAt:     rec.GrantedAt,
		ExpiresAt:     rec.ExpiresAt,
		RevokedAt:     rec.RevokedAt,
	}, nil
}

type failureRecord struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transaction_id"`
	Purpose       string    `json:"purpose"`
	Action        string    `json:"action"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error,omitempty"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func encodeFailure(f *paywall.ReconcileFailure) (string, error) {
	data, err := json.Marshal(failureRecord{
		ID:            f.ID,
		TransactionID: f.TransactionID,
		Purpose:       string(f.Purpose),
		Action:        f.Action,
		Attempts:      f.Attempts,
		LastError:     f.LastError,
		NextAttemptAt: f.NextAttemptAt,
		CreatedAt:     f.CreatedAt,
		UpdatedAt:     f.UpdatedAt,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal failure: %w", err)
	}
	return string(data), nil
}

func decodeFailure(data string) (*paywall.ReconcileFailure, error) {
	var rec failureRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal failure: %w", err)
	}
	return &paywall.ReconcileFailure{
		ID:            rec.ID,
		TransactionID: rec.TransactionID,
		Purpose:       paywall.Purpose(rec.Purpose),
		Action:        rec.Action,
		Attempts:      rec.Attempts,
		LastError:     rec.LastError,
		NextAttemptAt: rec.NextAttemptAt,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}, nil
}
