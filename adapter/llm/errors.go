package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrEmptyResponse is returned when a provider answers with no content.
var ErrEmptyResponse = errors.New("llm returned an empty response")

// APIError is a non-success response from a provider API.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Body == "" && e.Err != nil {
		return fmt.Sprintf("%s API error (%d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s API error (%d): %s", e.Provider, e.StatusCode, e.Body)
}

// Unwrap returns the provider SDK error, if any.
func (e *APIError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the request may succeed if retried: rate
// limiting, request timeouts and server-side failures.
func (e *APIError) Temporary() bool {
	switch {
	case e.StatusCode == http.StatusTooManyRequests,
		e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode >= 500:
		return true
	}
	return false
}
