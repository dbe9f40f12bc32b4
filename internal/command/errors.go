package command

import (
	"errors"
	"fmt"

	"github.com/ikvm/Microservice/internal/transport"
)

var (
	ErrInvalidKey        = errors.New("command key is empty")
	ErrPartialKeyChannel = errors.New("partial command key requires a channel id")
	ErrDuplicateKey      = errors.New("command key already registered")
	ErrNilAction         = errors.New("command action is nil")
	ErrUnsupported       = errors.New("unsupported command")
)

// UnsupportedError is returned by Dispatch when nothing matches.
type UnsupportedError struct {
	Header     transport.Header
	DeadLetter bool
}

func (e *UnsupportedError) Error() string {
	if e.DeadLetter {
		return fmt.Sprintf("unsupported command %s (dead letter)", e.Header.Key())
	}
	return fmt.Sprintf("unsupported command %s", e.Header.Key())
}

func (e *UnsupportedError) Is(target error) bool { return target == ErrUnsupported }

// PanicError is a handler panic converted to an error.
type PanicError struct{ Value any }

func (e *PanicError) Error() string { return fmt.Sprintf("command handler panicked: %v", e.Value) }
