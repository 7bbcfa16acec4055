// Package internal holds HTTP plumbing shared by the paywall's handlers.
package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrPayloadTooLarge is returned when the request body exceeds the size limit
var ErrPayloadTooLarge = errors.New("payload too large")

// ErrEmptyBody is returned when the request has no body
var ErrEmptyBody = errors.New("empty body")

// ReadBodyStrict reads the request body and validates it's not empty.
// The size limit keeps a hostile sender from exhausting memory.
func ReadBodyStrict(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, fmt.Errorf("%w (max %d bytes)", ErrPayloadTooLarge, limit)
		}
		return nil, err
	}
	if len(body) == 0 {
		return nil, ErrEmptyBody
	}
	return body, nil
}

// DecodeJSON reads a bounded JSON body into dst. Unknown fields are
// accepted so clients may send extra keys (an amount, for example) that the
// server ignores.
func DecodeJSON(w http.ResponseWriter, r *http.Request, limit int64, dst interface{}) error {
	body, err := ReadBodyStrict(w, r, limit)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// WriteJSON writes a JSON response with proper headers
func WriteJSON(w http.ResponseWriter, code int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(data)
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Field   string `json:"field,omitempty"`
}

// WriteError writes an ErrorBody with the given status.
func WriteError(w http.ResponseWriter, code int, kind, message string) error {
	return WriteJSON(w, code, ErrorBody{Error: kind, Message: message})
}
