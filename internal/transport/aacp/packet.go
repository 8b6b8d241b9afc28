package aacp

import (
	"encoding/binary"
	"fmt"
)

// Opcodes used by budlink.
const (
	OpcodeBattery              uint16 = 0x04
	OpcodeEarDetection         uint16 = 0x06
	OpcodeControlCommand       uint16 = 0x09
	OpcodeRequestNotifications uint16 = 0x0F
	OpcodeRename               uint16 = 0x1A
	OpcodeInformation          uint16 = 0x1D
	OpcodeSetFeatureFlags      uint16 = 0x4D
)

// header precedes every packet after the handshake.
var header = []byte{0x04, 0x00, 0x04, 0x00}

// Session setup packets, written in this order on connect.
var (
	handshakePacket = []byte{
		0x00, 0x00, 0x04, 0x00, 0x01, 0x00, 0x02, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
	setFeaturesPacket = []byte{
		0x04, 0x00, 0x04, 0x00, 0x4D, 0x00, 0xFF, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
	requestNotificationsPacket = []byte{
		0x04, 0x00, 0x04, 0x00, 0x0F, 0x00, 0xFF, 0xFF, 0xFF, 0xFF,
	}
)

// controlValueSize is the fixed width of a control command value.
const controlValueSize = 4

// Packet is one inbound AACP message with its header stripped.
type Packet struct {
	Opcode  uint16
	Payload []byte
}

// ParsePacket splits a raw packet into opcode and payload. Packets
// without the standard header are rejected.
func ParsePacket(b []byte) (Packet, error) {
	if len(b) < len(header)+2 {
		return Packet{}, fmt.Errorf("%w: too short (%d bytes)", ErrInvalidPacket, len(b))
	}
	for i, h := range header {
		if b[i] != h {
			return Packet{}, fmt.Errorf("%w: bad header % X", ErrInvalidPacket, b[:len(header)])
		}
	}
	payload := make([]byte, len(b)-len(header)-2)
	copy(payload, b[len(header)+2:])
	return Packet{
		Opcode:  binary.LittleEndian.Uint16(b[len(header):]),
		Payload: payload,
	}, nil
}

func encodePacket(opcode uint16, payload []byte) []byte {
	out := make([]byte, 0, len(header)+2+len(payload))
	out = append(out, header...)
	out = binary.LittleEndian.AppendUint16(out, opcode)
	return append(out, payload...)
}

// EncodeControlCommand builds a control command packet:
//
//	04 00 04 00 09 00 <id> <v1> <v2> <v3> <v4>
//
// value is zero-padded to four bytes.
func EncodeControlCommand(id ControlID, value []byte) ([]byte, error) {
	if len(value) > controlValueSize {
		return nil, fmt.Errorf("%w: control value is %d bytes, max %d", ErrPayloadTooLong, len(value), controlValueSize)
	}
	payload := make([]byte, 1+controlValueSize)
	payload[0] = byte(id)
	copy(payload[1:], value)
	return encodePacket(OpcodeControlCommand, payload), nil
}

// EncodeRename builds a rename packet:
//
//	04 00 04 00 1A 00 01 <len> 00 <name bytes>
func EncodeRename(name string) ([]byte, error) {
	if len(name) > 0xFF {
		return nil, fmt.Errorf("%w: name is %d bytes", ErrPayloadTooLong, len(name))
	}
	payload := make([]byte, 0, 3+len(name))
	payload = append(payload, 0x01, byte(len(name)), 0x00)
	payload = append(payload, name...)
	return encodePacket(OpcodeRename, payload), nil
}

// ControlEvent is a control command reported by the headset, either as
// an echo of a write or as a spontaneous change.
type ControlEvent struct {
	ID    ControlID
	Value [controlValueSize]byte
}

// ParseControlEvent decodes the payload of an OpcodeControlCommand packet.
// Missing trailing value bytes are treated as zero.
func ParseControlEvent(payload []byte) (ControlEvent, error) {
	if len(payload) < 2 {
		return ControlEvent{}, fmt.Errorf("%w: control payload is %d bytes", ErrInvalidPacket, len(payload))
	}
	ev := ControlEvent{ID: ControlID(payload[0])}
	copy(ev.Value[:], payload[1:])
	return ev, nil
}
