package att

import (
	"errors"
	"fmt"
)

// Domain errors for the att package.
var (
	// ErrNotConnected is returned when writing on a closed bearer.
	ErrNotConnected = errors.New("att: not connected")

	// ErrInvalidPDU is returned for a malformed inbound PDU.
	ErrInvalidPDU = errors.New("att: invalid PDU")

	// ErrValueTooLong is returned when a value exceeds the bearer MTU.
	ErrValueTooLong = errors.New("att: value too long")
)

// Error codes carried in an error response.
const (
	ErrCodeInvalidHandle         byte = 0x01
	ErrCodeReadNotPermitted      byte = 0x02
	ErrCodeWriteNotPermitted     byte = 0x03
	ErrCodeInvalidPDU            byte = 0x04
	ErrCodeInsufficientAuthn     byte = 0x05
	ErrCodeRequestNotSupported   byte = 0x06
	ErrCodeInvalidOffset         byte = 0x07
	ErrCodeInsufficientAuthz     byte = 0x08
	ErrCodeAttributeNotFound     byte = 0x0A
	ErrCodeInvalidAttrValueLen   byte = 0x0D
	ErrCodeUnlikely              byte = 0x0E
	ErrCodeInsufficientEncrypt   byte = 0x0F
	ErrCodeInsufficientResources byte = 0x11
)

var errCodeNames = map[byte]string{
	ErrCodeInvalidHandle:         "invalid handle",
	ErrCodeReadNotPermitted:      "read not permitted",
	ErrCodeWriteNotPermitted:     "write not permitted",
	ErrCodeInvalidPDU:            "invalid PDU",
	ErrCodeInsufficientAuthn:     "insufficient authentication",
	ErrCodeRequestNotSupported:   "request not supported",
	ErrCodeInvalidOffset:         "invalid offset",
	ErrCodeInsufficientAuthz:     "insufficient authorization",
	ErrCodeAttributeNotFound:     "attribute not found",
	ErrCodeInvalidAttrValueLen:   "invalid attribute value length",
	ErrCodeUnlikely:              "unlikely error",
	ErrCodeInsufficientEncrypt:   "insufficient encryption",
	ErrCodeInsufficientResources: "insufficient resources",
}

// ResponseError is an error response from the headset.
type ResponseError struct {
	RequestOpcode byte
	Handle        Handle
	Code          byte
}

func (e *ResponseError) Error() string {
	name, ok := errCodeNames[e.Code]
	if !ok {
		name = fmt.Sprintf("code 0x%02X", e.Code)
	}
	return fmt.Sprintf("att: request 0x%02X on %s failed: %s", e.RequestOpcode, e.Handle, name)
}
