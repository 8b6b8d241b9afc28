package codec

import (
	"errors"
	"fmt"

	"github.com/nerrad567/budlink/internal/device"
)

// Sentinels for errors.Is.
var (
	// ErrEncoding matches every *EncodingError.
	ErrEncoding = errors.New("codec: encoding failed")

	// ErrProtocol matches every *ProtocolError.
	ErrProtocol = errors.New("codec: protocol error")
)

// EncodingError reports a value with no wire representation. It is never
// retried.
type EncodingError struct {
	Family device.Family
	Field  device.Field
	Value  any
	Reason string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("codec: cannot encode %s=%v for %s: %s", e.Field, e.Value, e.Family, e.Reason)
}

// Unwrap returns ErrEncoding.
func (e *EncodingError) Unwrap() error { return ErrEncoding }

// ProtocolError reports a malformed or unrecognised inbound event. It is
// logged and the event discarded.
type ProtocolError struct {
	DeviceID string
	Source   string
	Payload  []byte
	Reason   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("codec: %s from %s: %s (payload % X)", e.Source, e.DeviceID, e.Reason, e.Payload)
}

// Unwrap returns ErrProtocol.
func (e *ProtocolError) Unwrap() error { return ErrProtocol }
