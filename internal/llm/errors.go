package llm

import (
	"errors"
	"fmt"
)

// APIError is a completion API failure that is not a rate limit or timeout.
// Malformed or unparseable responses are APIErrors and are never retried.
type APIError struct {
	Status    int
	Message   string
	Retryable bool
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("llm api error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("llm api error: %s", e.Message)
}

// RateLimitError indicates the provider rejected the request with a rate
// limit status. Always retryable.
type RateLimitError struct {
	Message string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("llm rate limited: %s", e.Message)
}

// TimeoutError indicates the request or a backoff wait was cut off by an
// elapsed deadline.
type TimeoutError struct {
	Message string
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("llm timeout: %s", e.Message)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// retryable reports whether the classified error is transient.
func retryable(err error) bool {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return true
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}
