package bridge

import (
	"errors"

	"github.com/nerrad567/budlink/internal/codec"
	"github.com/nerrad567/budlink/internal/device"
	"github.com/nerrad567/budlink/internal/session"
	"github.com/nerrad567/budlink/internal/transport"
)

// ErrorCode maps a command error to an ack error code and status.
func ErrorCode(err error) (string, AckStatus) {
	switch {
	case errors.Is(err, session.ErrUnknownCommand):
		return ErrCodeInvalidCommand, AckFailed
	case errors.Is(err, session.ErrInvalidParameters),
		errors.Is(err, device.ErrInvalidField),
		errors.Is(err, device.ErrInvalidValue),
		errors.Is(err, device.ErrInvalidMAC),
		errors.Is(err, device.ErrFamilyMismatch),
		errors.Is(err, codec.ErrEncoding):
		return ErrCodeInvalidParameters, AckFailed
	case errors.Is(err, device.ErrDeviceNotFound):
		return ErrCodeNotConfigured, AckFailed
	}

	switch transport.ReasonOf(err) {
	case transport.ReasonDisconnected:
		return ErrCodeDeviceUnreachable, AckFailed
	case transport.ReasonTimeout:
		return ErrCodeTimeout, AckTimeout
	case transport.ReasonRejected:
		return ErrCodeRejected, AckFailed
	case transport.ReasonQueueFull:
		return ErrCodeBusy, AckFailed
	}
	return ErrCodeBridgeError, AckFailed
}
