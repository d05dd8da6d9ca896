// Package api provides an HTTP client for the lancache management API
// with transport-level retry and error classification.
package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, api.ErrNotFound) to check.
var (
	ErrBadRequest     = errors.New("api: bad request")
	ErrUnauthorized   = errors.New("api: unauthorized")
	ErrForbidden      = errors.New("api: forbidden")
	ErrNotFound       = errors.New("api: not found")
	ErrConflict       = errors.New("api: conflict")
	ErrServerRejected = errors.New("api: server rejected request")
	ErrTransport      = errors.New("api: transport failure")
)

// APIError wraps a sentinel error with the HTTP status code and
// the response body for debugging.
type APIError struct {
	StatusCode int
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	default:
		return ErrServerRejected
	}
}
