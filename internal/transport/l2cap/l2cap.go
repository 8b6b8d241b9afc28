// Package l2cap opens L2CAP SEQPACKET channels to a Bluetooth device.
//
// Each Read returns exactly one packet. The returned Conn supports
// deadlines, so clients can bound reads and writes the same way they
// would on a net.Conn.
package l2cap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Well-known PSMs.
const (
	// PSMATT is the fixed PSM of the ATT bearer over BR/EDR.
	PSMATT uint16 = 0x001F

	// PSMAACP is the PSM of the AirPods control channel.
	PSMAACP uint16 = 0x1001
)

// Address types for SockaddrL2.AddrType.
const (
	AddrTypeBREDR    uint8 = 0
	AddrTypeLEPublic uint8 = 1
	AddrTypeLERandom uint8 = 2
)

// MaxPacketSize bounds a single inbound packet. Channels negotiate a
// smaller MTU in practice.
const MaxPacketSize = 1024

var (
	// ErrDialFailed is returned when a channel cannot be opened.
	ErrDialFailed = errors.New("l2cap: dial failed")

	// ErrUnsupported is returned on platforms without Bluetooth sockets.
	ErrUnsupported = errors.New("l2cap: not supported on this platform")

	// ErrInvalidAddress is returned for a malformed device address.
	ErrInvalidAddress = errors.New("l2cap: invalid address")
)

// Conn is a connected channel. net.Conn satisfies it, which keeps
// clients testable over net.Pipe.
type Conn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// DialFunc opens a channel to addr on psm.
type DialFunc func(ctx context.Context, addr string, psm uint16) (Conn, error)

// ParseAddr converts "AA:BB:CC:DD:EE:FF" to bytes in display order.
func ParseAddr(s string) ([6]byte, error) {
	var out [6]byte
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return out, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	for i, p := range parts {
		if len(p) != 2 {
			return out, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
		b, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return out, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
		out[i] = byte(b)
	}
	return out, nil
}
