//go:build !linux

package l2cap

import "context"

// Dial always fails: Bluetooth sockets are Linux only.
func Dial(_ context.Context, _ string, _ uint16) (Conn, error) {
	return nil, ErrUnsupported
}

// DialType always fails: Bluetooth sockets are Linux only.
func DialType(_ context.Context, _ string, _ uint16, _ uint8) (Conn, error) {
	return nil, ErrUnsupported
}
