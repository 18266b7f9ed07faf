// Package task provides the in-process worker pool that executes
// submitted units of work, each with an explicit cooperative
// cancellation token.
package task

import (
	"errors"
	"sync"
)

// ErrCancelled is the sentinel a task function returns after observing
// its token. The runner records the task as CANCELLED rather than
// FAILED when it sees this error.
var ErrCancelled = errors.New("task cancelled")

// Token is a cooperative cancellation token: a monotonic flag plus a
// waker channel. Handlers poll Cancelled at cooperative points or
// select on Done while blocked.
type Token struct {
	mu        sync.Mutex
	cancelled bool
	done      chan struct{}
}

// NewToken creates an uncancelled token.
func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel sets the flag and wakes waiters. Idempotent; the flag never
// resets.
func (t *Token) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return
	}
	t.cancelled = true
	close(t.done)
}

// Cancelled reports whether cancellation was requested.
func (t *Token) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Done returns a channel closed on cancellation.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Err returns ErrCancelled once the token is set, nil before.
func (t *Token) Err() error {
	if t.Cancelled() {
		return ErrCancelled
	}
	return nil
}
