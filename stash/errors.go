// Package stash provides the typed client for the upstream Stash
// GraphQL endpoint, with retry, backoff, and a job polling primitive.
package stash

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when the upstream has no entity with the
// requested id. During plan apply it marks a change as skipped rather
// than failing the batch.
var ErrNotFound = errors.New("not found upstream")

// ConnectionError covers TCP/DNS/TLS failures, timeouts, and 5xx
// responses that exhausted their retries.
type ConnectionError struct {
	err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("stash connection error: %v", e.err)
}

func (e *ConnectionError) Unwrap() error { return e.err }

// NewConnectionError wraps a transport failure.
func NewConnectionError(err error) error {
	return &ConnectionError{err: err}
}

// AuthenticationError is an HTTP 401 from the upstream. Never retried.
type AuthenticationError struct {
	Detail string
}

func (e *AuthenticationError) Error() string {
	return "stash authentication failed: " + e.Detail
}

// RateLimitError is an HTTP 429. RetryAfter is zero when the upstream
// did not send a Retry-After header.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("stash rate limited, retry after %s", e.RetryAfter)
	}
	return "stash rate limited"
}

// GraphQLError is a 200 response whose body carries a non-empty errors
// array.
type GraphQLError struct {
	Errors []string
}

func (e *GraphQLError) Error() string {
	return "stash graphql error: " + strings.Join(e.Errors, "; ")
}

// retryable reports whether the error class may succeed on another
// attempt: rate limits and transport/5xx failures are; auth and
// GraphQL errors are not.
func retryable(err error) bool {
	var rateLimit *RateLimitError
	if errors.As(err, &rateLimit) {
		return true
	}
	var conn *ConnectionError
	return errors.As(err, &conn)
}
