package dap

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotConnected is returned when a request is attempted while the client is not connected.
	ErrNotConnected = errors.New("not connected to debug adapter")

	// ErrConnectionClosed is returned for requests that were outstanding when the transport closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrTimeout is matched by every *TimeoutError.
	ErrTimeout = errors.New("request timed out")

	// ErrAlreadyConnected is returned when Connect is called on a client that was already used.
	ErrAlreadyConnected = errors.New("client already connected")
)

// TimeoutError is returned when no response arrives within the request deadline.
type TimeoutError struct {
	Command string
	Seq     int
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s (seq %d): no response after %s", e.Command, e.Seq, e.After)
}

// Is reports whether target is ErrTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// AdapterError is returned when the adapter answers a request with success=false.
type AdapterError struct {
	Command string
	Message string

	// Detail is the structured error from the response body, if the adapter sent one.
	Detail *ErrorMessage
}

func (e *AdapterError) Error() string {
	msg := e.Message
	if e.Detail != nil && e.Detail.Format != "" {
		if msg == "" {
			msg = e.Detail.Format
		} else {
			msg = msg + ": " + e.Detail.Format
		}
	}
	if msg == "" {
		msg = "request failed"
	}
	return fmt.Sprintf("%s failed: %s", e.Command, msg)
}

// HandshakeError is returned when the initialize request fails or is rejected.
type HandshakeError struct {
	Err error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("initialize handshake failed: %v", e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// closedError wraps ErrConnectionClosed with the transport's reason, if any.
func closedError(cause error) error {
	if cause == nil {
		return ErrConnectionClosed
	}
	return fmt.Errorf("%w: %v", ErrConnectionClosed, cause)
}

// IsConnectionError returns true if the error means the connection is gone or was never there.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnectionClosed) ||
		errors.Is(err, ErrNotConnected)
}

// IsAdapterError returns true if the adapter rejected the request.
func IsAdapterError(err error) bool {
	var adapterErr *AdapterError
	return errors.As(err, &adapterErr)
}
