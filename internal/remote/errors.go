// Package remote is the gateway to the authoritative store: node fetch and
// push with an optimistic version check, edition tree listing, field-level
// record reads and atomic mutation batches, and a websocket feed of remote
// node changes. Every request retries transient failures with exponential
// backoff.
package remote

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/tonimelisma/sailsync/internal/syncerr"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, remote.ErrConflict) to check.
var (
	ErrBadRequest         = errors.New("remote: bad request")
	ErrUnauthorized       = errors.New("remote: unauthorized")
	ErrForbidden          = errors.New("remote: forbidden")
	ErrNotFound           = errors.New("remote: not found")
	ErrConflict           = errors.New("remote: conflict")
	ErrPreconditionFailed = errors.New("remote: precondition failed")
	ErrThrottled          = errors.New("remote: throttled")
	ErrServerError        = errors.New("remote: server error")
)

// APIError wraps a sentinel error with the HTTP status code, request ID,
// and the response body for debugging. It also unwraps to the matching
// syncerr kind so callers above the gateway never inspect status codes.
type APIError struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("remote: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("remote: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() []error {
	errs := []error{}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}

	if kind := kindForStatus(e.StatusCode); kind != nil {
		errs = append(errs, kind)
	}

	return errs
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
	case http.StatusNotFound, http.StatusGone:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusPreconditionFailed:
		return ErrPreconditionFailed
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// kindForStatus maps a final (post-retry) HTTP status to the shared error
// taxonomy. 409 is the sole version-conflict signal.
func kindForStatus(code int) error {
	switch {
	case code == http.StatusNotFound || code == http.StatusGone:
		return syncerr.ErrNotFound
	case code == http.StatusConflict:
		return syncerr.ErrVersionConflict
	case code == http.StatusPreconditionFailed:
		return syncerr.ErrPreconditionFailed
	case isRetryable(code):
		return syncerr.ErrTransport
	case code >= http.StatusBadRequest:
		return syncerr.ErrFatal
	default:
		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be retried.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		// 509 Bandwidth Limit Exceeded, sent by some reverse proxies.
		const statusBandwidthExceeded = 509
		return code == statusBandwidthExceeded
	}
}
