//go:build linux

package l2cap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// pollInterval is how often a pending connect re-checks its context.
const pollInterval = 100 // milliseconds

// Dial opens a BR/EDR L2CAP channel. The connect is non-blocking and
// abandoned as soon as ctx is done.
func Dial(ctx context.Context, addr string, psm uint16) (Conn, error) {
	return DialType(ctx, addr, psm, AddrTypeBREDR)
}

// DialType is Dial with an explicit address type.
func DialType(ctx context.Context, addr string, psm uint16, addrType uint8) (Conn, error) {
	bdaddr, err := ParseAddr(addr)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.BTPROTO_L2CAP)
	if err != nil {
		return nil, fmt.Errorf("%w: socket: %w", ErrDialFailed, err)
	}

	sa := &unix.SockaddrL2{PSM: psm, Addr: bdaddr, AddrType: addrType}
	if err := connect(ctx, fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: %s psm 0x%04X: %w", ErrDialFailed, addr, psm, err)
	}

	f := os.NewFile(uintptr(fd), fmt.Sprintf("l2cap:%s:0x%04X", addr, psm))
	if f == nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: invalid descriptor", ErrDialFailed)
	}
	return f, nil
}

func connect(ctx context.Context, fd int, sa *unix.SockaddrL2) error {
	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EINPROGRESS) && !errors.Is(err, unix.EAGAIN) {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(fds, pollInterval)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		if n > 0 {
			break
		}
	}

	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("getsockopt: %w", err)
	}
	if soErr != 0 {
		return syscall.Errno(soErr)
	}
	return nil
}
