package paywall

import (
	"errors"
	"fmt"
)

var (
	// ErrTransactionNotFound is returned when no transaction has the given id
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrGrantNotFound is returned when no entitlement grant has the given key
	ErrGrantNotFound = errors.New("entitlement grant not found")

	// ErrInvalidTransition is returned when a ledger write is not allowed in the current status
	ErrInvalidTransition = errors.New("invalid transaction transition")

	// ErrDuplicateProviderRef is returned when a provider reference is already bound to another transaction
	ErrDuplicateProviderRef = errors.New("provider reference already in use")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrGatewayNotConfigured is returned when the manager has no payment gateway
	ErrGatewayNotConfigured = errors.New("payment gateway not configured")

	// ErrFailureNotFound is returned when a queued reconcile failure does not exist
	ErrFailureNotFound = errors.New("reconcile failure not found")

	// ErrAlreadyEntitled is returned when a user tries to buy a lifetime grant they already hold
	ErrAlreadyEntitled = errors.New("already entitled")
)

// ValidationError reports bad client input. It maps to a 4xx response.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// ConfigurationError reports missing operator configuration such as an unset
// price. It maps to a 5xx response.
type ConfigurationError struct {
	Key     string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Key, e.Message)
}

// InvalidPurposeError is returned for purpose values the system does not know.
type InvalidPurposeError struct {
	Purpose string
}

func (e *InvalidPurposeError) Error() string {
	return fmt.Sprintf("invalid purpose %q", e.Purpose)
}

// ReconcileError wraps a failed entitlement side effect. The transaction
// status change it belongs to has already been committed.
type ReconcileError struct {
	TransactionID string
	Purpose       Purpose
	Err           error
}

func (e *ReconcileError) Error() string {
	return fmt.Sprintf("reconcile %s (%s): %v", e.TransactionID, e.Purpose, e.Err)
}

func (e *ReconcileError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is a client input error.
func IsValidation(err error) bool {
	var ve *ValidationError
	var pe *InvalidPurposeError
	return errors.As(err, &ve) || errors.As(err, &pe)
}

// IsConfiguration reports whether err is an operator configuration error.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce) || errors.Is(err, ErrGatewayNotConfigured)
}
