package debug

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalState is matched by every *IllegalStateError.
	ErrIllegalState = errors.New("operation not allowed in current session state")

	// ErrUnknownThread is matched by every *UnknownThreadError.
	ErrUnknownThread = errors.New("unknown thread")

	// ErrUnsupported is returned for requests the adapter did not advertise.
	ErrUnsupported = errors.New("not supported by debug adapter")
)

// IllegalStateError is returned when an operation is invoked in a state that forbids it.
// It is always returned before any request is sent.
type IllegalStateError struct {
	Op    string
	State SessionState
}

func (e *IllegalStateError) Error() string {
	return fmt.Sprintf("%s: not allowed while %s", e.Op, e.State)
}

// Is reports whether target is ErrIllegalState.
func (e *IllegalStateError) Is(target error) bool {
	return target == ErrIllegalState
}

// UnknownThreadError is returned when a thread id is not in the current thread set.
type UnknownThreadError struct {
	ThreadID int
}

func (e *UnknownThreadError) Error() string {
	return fmt.Sprintf("unknown thread %d", e.ThreadID)
}

// Is reports whether target is ErrUnknownThread.
func (e *UnknownThreadError) Is(target error) bool {
	return target == ErrUnknownThread
}

func unsupported(command string) error {
	return fmt.Errorf("%s: %w", command, ErrUnsupported)
}
