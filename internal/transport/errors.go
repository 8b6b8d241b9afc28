package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Reason classifies why a command could not be delivered to a headset.
type Reason string

// Failure reasons.
const (
	// ReasonDisconnected means the link dropped or the device went away
	// while the command was queued or in flight. Never retried.
	ReasonDisconnected Reason = "disconnected"

	// ReasonTimeout means the send or its acknowledgement took too long.
	ReasonTimeout Reason = "timeout"

	// ReasonRejected means the headset answered with an error.
	ReasonRejected Reason = "rejected"

	// ReasonWriteFailed covers any other socket write failure.
	ReasonWriteFailed Reason = "write_failed"

	// ReasonQueueFull means the per-device command queue had no room.
	ReasonQueueFull Reason = "queue_full"
)

// Error is a typed transport failure. Compare with errors.Is against the
// sentinel values below, which match on Reason only.
type Error struct {
	Reason Reason
	Op     string
	Err    error
}

// Sentinels for errors.Is.
var (
	ErrDisconnected = &Error{Reason: ReasonDisconnected}
	ErrTimeout      = &Error{Reason: ReasonTimeout}
	ErrRejected     = &Error{Reason: ReasonRejected}
	ErrWriteFailed  = &Error{Reason: ReasonWriteFailed}
	ErrQueueFull    = &Error{Reason: ReasonQueueFull}
)

// NewError builds an Error.
func NewError(reason Reason, op string, err error) *Error {
	return &Error{Reason: reason, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := "transport: " + string(e.Reason)
	if e.Op != "" {
		msg = fmt.Sprintf("transport: %s: %s", e.Op, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Reason == e.Reason
}

// ReasonOf returns the Reason carried by err, or "" when err is not a
// transport error.
func ReasonOf(err error) Reason {
	var te *Error
	if errors.As(err, &te) {
		return te.Reason
	}
	return ""
}

// IsDisconnected reports whether err means the device is gone.
func IsDisconnected(err error) bool {
	return ReasonOf(err) == ReasonDisconnected
}

// Retryable reports whether a failed send may be attempted again.
func Retryable(err error) bool {
	switch ReasonOf(err) {
	case ReasonTimeout, ReasonWriteFailed:
		return true
	default:
		return false
	}
}

// Classify wraps a raw socket error in an Error with the closest Reason.
// An error that already is an *Error is returned unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(ReasonTimeout, op, err)
	case errors.Is(err, context.Canceled),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ENOTCONN),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.EHOSTDOWN):
		return NewError(ReasonDisconnected, op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewError(ReasonTimeout, op, err)
	}
	return NewError(ReasonWriteFailed, op, err)
}
