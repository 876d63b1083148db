package client

import (
	"errors"
	"fmt"
	"net/http"
)

// Errors matched with errors.Is against failures returned by Client.
var (
	ErrValidation      = errors.New("client: request rejected as invalid")
	ErrNotFound        = errors.New("client: not found")
	ErrExpired         = errors.New("client: conversation expired")
	ErrForbidden       = errors.New("client: forbidden")
	ErrConflict        = errors.New("client: idempotency conflict")
	ErrPayloadTooLarge = errors.New("client: payload too large")
	ErrUnavailable     = errors.New("client: relay unavailable")
	// ErrTransport marks requests that never produced an HTTP response.
	ErrTransport = errors.New("client: transport failure")
)

// APIError is a non-2xx response from the relay.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("relay responded %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("relay responded %d %s: %s", e.Status, e.Code, e.Message)
}

// Unwrap maps the response to one of the package sentinels.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusBadRequest:
		return ErrValidation
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusGone:
		return ErrExpired
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusConflict:
		return ErrConflict
	case http.StatusRequestEntityTooLarge:
		return ErrPayloadTooLarge
	}
	if e.Status >= http.StatusInternalServerError || e.Status == http.StatusTooManyRequests {
		return ErrUnavailable
	}
	return nil
}

// IsTransient reports whether retrying later may succeed.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTransport)
}
