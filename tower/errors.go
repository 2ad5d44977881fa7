package tower

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized, check the access token")
	ErrNoComputeEnv        = errors.New("no matching compute environment")
	ErrAmbiguousComputeEnv = errors.New("ambiguous compute environment")
	ErrNoWorkspace         = errors.New("no matching workspace")
)

// APIError is returned when Tower answers with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("Tower API error: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("Tower API error: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	}
	return false
}

// TransportError wraps failures that happened before any HTTP response was received.
type TransportError struct {
	error
}

func (e *TransportError) Unwrap() error {
	return e.error
}

// IsRetryable reports whether a request that failed with err may succeed if sent again.
func IsRetryable(err error) bool {
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return !errors.Is(err, context.Canceled)
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return false
}
