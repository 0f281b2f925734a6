package lib

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrFetcherUnavailable is returned when an Extractor or Reader was built without a Fetcher.
var ErrFetcherUnavailable = errors.New("no fetcher available to retrieve post content")

// InvalidInputError is returned when the post URL is missing or cannot be parsed.
type InvalidInputError struct {
	Input  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	if e.Input == "" {
		return "no URL provided"
	}
	return fmt.Sprintf("invalid URL %q: %s", e.Input, e.Reason)
}

// UnsupportedHostError is returned when the URL does not point to x.com or twitter.com.
type UnsupportedHostError struct {
	Host string
}

func (e *UnsupportedHostError) Error() string {
	return fmt.Sprintf("unsupported host: %s", e.Host)
}

// FetchError represents a non-success response from the proxy endpoint.
// TooManyRequests and RetryAfter are set when the proxy answered 429.
type FetchError struct {
	StatusCode      int
	Status          string
	TooManyRequests bool
	RetryAfter      int
}

// Error returns a message that always contains the numeric status code.
func (e *FetchError) Error() string {
	if e.TooManyRequests {
		return fmt.Sprintf("too many requests (status %d), retry after %d seconds", e.StatusCode, e.RetryAfter)
	}
	status := e.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("failed to fetch X content: %s", status)
}

// retryable reports whether the request that produced this error may succeed if repeated.
func (e *FetchError) retryable() bool {
	return e.TooManyRequests || e.StatusCode >= http.StatusInternalServerError
}
