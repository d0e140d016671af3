package reactor

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed identifies every failure caused by the loop having shut down.
	ErrClosed = errors.New("reactor loop closed")
	// ErrChannelClosed is delivered to events whose channel closed before
	// they fired.
	ErrChannelClosed = errors.New("channel closed")
)

// ClosedError is delivered to events and requests outstanding when the loop
// terminates. Cause, when set, is the reason the loop was aborted.
type ClosedError struct {
	Cause error
}

func (e *ClosedError) Error() string {
	if e.Cause == nil {
		return ErrClosed.Error()
	}
	return fmt.Sprintf("%s: %v", ErrClosed.Error(), e.Cause)
}

func (e *ClosedError) Unwrap() error { return e.Cause }

// Is makes errors.Is(err, ErrClosed) hold for any ClosedError.
func (e *ClosedError) Is(target error) bool { return target == ErrClosed }
