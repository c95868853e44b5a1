package bridge

import (
	"errors"
	"fmt"

	"github.com/agentworkforce/contactbridge/internal/contact"
)

var (
	// ErrNotFound is an absent remote record.
	ErrNotFound = errors.New("not found")
	// ErrValidationRejected is a write the target system refused on
	// validation grounds. The conflict resolver handles it; it is never a
	// sync failure on its own.
	ErrValidationRejected = errors.New("validation rejected")
	// ErrRateLimited is a throttled remote call; retryable.
	ErrRateLimited = errors.New("rate limited")
	// ErrTransient is a temporary remote failure (timeouts, 5xx); retryable.
	ErrTransient = errors.New("transient failure")
	// ErrFatal is a configuration or auth failure; retrying cannot help.
	ErrFatal = errors.New("fatal failure")

	// ErrAlreadyLinked means an id already participates in a different
	// correlation link. Fatal for that record's sync attempt; the existing
	// link is never overwritten.
	ErrAlreadyLinked = errors.New("already linked")

	ErrQueueFull    = errors.New("queue full")
	ErrInvalidInput = errors.New("invalid input")
)

// RemoteError wraps a remote API outcome with its taxonomy kind so callers
// can branch with errors.Is against the sentinels above.
type RemoteError struct {
	Kind       error
	System     contact.System
	StatusCode int
	Field      string
	Message    string
}

func (e *RemoteError) Error() string {
	kind := "remote error"
	if e.Kind != nil {
		kind = e.Kind.Error()
	}
	if e.Field != "" {
		return fmt.Sprintf("%s %s: field %s: %s", e.System, kind, e.Field, e.Message)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %s", e.System, kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s: %s", e.System, kind, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	return e.Kind == target
}

// Retryable reports whether err should be retried with backoff rather than
// recorded as a permanent failure.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransient)
}
