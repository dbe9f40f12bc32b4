package engine

import (
	"errors"
	"fmt"
)

var (
	ErrStopped      = errors.New("task engine stopped")
	ErrQueueFull    = errors.New("task engine queue full")
	ErrNilRecord    = errors.New("task record has no work")
	ErrResubmitted  = errors.New("task record already submitted")
	ErrTimeout      = errors.New("task exceeded its time to live")
	ErrCancelled    = errors.New("task cancelled")
	ErrOverloadShed = errors.New("task shed: queued too long")
	ErrKilled       = errors.New("task killed after ignoring cancellation")
	ErrNotFound     = errors.New("task not found")
)

// PanicError carries a panic recovered from a record's work.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("task panicked: %v", e.Value) }
