package aacp

import "errors"

// Domain errors for the aacp package.
var (
	// ErrNotConnected is returned when sending on a closed channel.
	ErrNotConnected = errors.New("aacp: not connected")

	// ErrHandshakeFailed is returned when the session setup packets
	// cannot be written.
	ErrHandshakeFailed = errors.New("aacp: handshake failed")

	// ErrInvalidPacket is returned for a malformed inbound packet.
	ErrInvalidPacket = errors.New("aacp: invalid packet")

	// ErrPayloadTooLong is returned when an outbound value does not fit.
	ErrPayloadTooLong = errors.New("aacp: payload too long")
)
