package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrGatewayUnavailable is returned when credentials are missing or the processor cannot be reached
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// ErrSignatureInvalid is returned when webhook signature validation fails
	ErrSignatureInvalid = errors.New("invalid webhook signature")

	// ErrInvalidPayload is returned when a webhook payload cannot be parsed
	ErrInvalidPayload = errors.New("invalid webhook payload")

	// ErrUnsupportedCurrency is returned when a currency cannot be converted to minor units
	ErrUnsupportedCurrency = errors.New("unsupported currency")

	// ErrInexactAmount is returned when an amount has more precision than its currency allows
	ErrInexactAmount = errors.New("amount not representable in minor units")
)

// UnavailableError reports why the gateway cannot serve a call.
type UnavailableError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *UnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s gateway unavailable: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s gateway unavailable: %s", e.Provider, e.Reason)
}

func (e *UnavailableError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrGatewayUnavailable, e.Err}
	}
	return []error{ErrGatewayUnavailable}
}

// RequestError is a rejection by the processor. Message carries the
// processor's own explanation.
type RequestError struct {
	Provider   string
	Operation  string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *RequestError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s %s rejected (%s): %s", e.Provider, e.Operation, e.Code, msg)
	}
	return fmt.Sprintf("%s %s rejected: %s", e.Provider, e.Operation, msg)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// SignatureError describes a failed webhook verification.
type SignatureError struct {
	Reason string
	Err    error
}

func (e *SignatureError) Error() string {
	return "invalid webhook signature: " + e.Reason
}

func (e *SignatureError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrSignatureInvalid, e.Err}
	}
	return []error{ErrSignatureInvalid}
}

// IsRequestError reports whether err is a processor rejection.
func IsRequestError(err error) bool {
	var re *RequestError
	return errors.As(err, &re)
}
