package att

import (
	"encoding/binary"
	"fmt"
)

// PDU opcodes.
const (
	OpErrorResponse byte = 0x01
	OpWriteRequest  byte = 0x12
	OpWriteResponse byte = 0x13
	OpNotification  byte = 0x1B
	OpIndication    byte = 0x1D
	OpConfirmation  byte = 0x1E
	OpWriteCommand  byte = 0x52
)

// cccdEnableNotifications is the CCCD value that turns notifications on.
var cccdEnableNotifications = []byte{0x01, 0x00}

// encodeWrite builds a write request or write command PDU.
func encodeWrite(op byte, h Handle, value []byte) []byte {
	pdu := make([]byte, 3, 3+len(value))
	pdu[0] = op
	binary.LittleEndian.PutUint16(pdu[1:], uint16(h))
	return append(pdu, value...)
}

// Notification is a value pushed by the headset.
type Notification struct {
	Handle Handle `json:"handle"`
	Value  []byte `json:"value"`
}

// parseHandleValue decodes the handle and value of a notification or
// indication PDU.
func parseHandleValue(pdu []byte) (Notification, error) {
	if len(pdu) < 3 {
		return Notification{}, fmt.Errorf("%w: %d bytes", ErrInvalidPDU, len(pdu))
	}
	value := make([]byte, len(pdu)-3)
	copy(value, pdu[3:])
	return Notification{
		Handle: Handle(binary.LittleEndian.Uint16(pdu[1:3])),
		Value:  value,
	}, nil
}

// parseErrorResponse decodes an error response PDU.
func parseErrorResponse(pdu []byte) (*ResponseError, error) {
	if len(pdu) < 5 {
		return nil, fmt.Errorf("%w: error response is %d bytes", ErrInvalidPDU, len(pdu))
	}
	return &ResponseError{
		RequestOpcode: pdu[1],
		Handle:        Handle(binary.LittleEndian.Uint16(pdu[2:4])),
		Code:          pdu[4],
	}, nil
}
