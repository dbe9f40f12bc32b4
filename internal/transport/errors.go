package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrThrottled means the backend asked us to slow down. Retry after a delay.
	ErrThrottled = errors.New("transport: throttled")
	// ErrTimeout is a transient send/receive timeout. Retry.
	ErrTimeout = errors.New("transport: timeout")
	// ErrReinitialize means the client is unusable and must be rebuilt before retrying.
	ErrReinitialize = errors.New("transport: connection fault")
	// ErrNoRecipient means nothing is subscribed to the destination. Logged and dropped.
	ErrNoRecipient   = errors.New("transport: no matching subscription")
	ErrClosed        = errors.New("transport: fabric closed")
	ErrCircuitOpen   = errors.New("transport: circuit open")
	ErrRetryExceeded = errors.New("transport: retries exceeded")
)

// Disposition is what the sender does with a failed attempt.
type Disposition int

const (
	DispositionFail Disposition = iota
	DispositionRetry
	DispositionReinitialize
	DispositionDrop
)

func (d Disposition) String() string {
	switch d {
	case DispositionRetry:
		return "retry"
	case DispositionReinitialize:
		return "reinitialize"
	case DispositionDrop:
		return "drop"
	default:
		return "fail"
	}
}

// Classify maps a fabric error onto the retry taxonomy.
func Classify(err error) Disposition {
	switch {
	case err == nil:
		return DispositionFail
	case errors.Is(err, ErrNoRecipient):
		return DispositionDrop
	case errors.Is(err, ErrThrottled), errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return DispositionRetry
	case errors.Is(err, ErrReinitialize):
		return DispositionReinitialize
	default:
		return DispositionFail
	}
}

// Throttled wraps ErrThrottled with a backend-provided retry hint.
func Throttled(after time.Duration) error {
	return retryAfterError{err: ErrThrottled, after: max(after, 0)}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
