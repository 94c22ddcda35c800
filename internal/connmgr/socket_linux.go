//go:build linux

package connmgr

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// connectPollMillis bounds each wait for the non-blocking connect so the
// context is checked regularly.
const connectPollMillis = 100

// SocketDialer opens an RFCOMM socket to a fixed channel on the remote
// device, skipping BlueZ's profile machinery. The service UUID is not looked
// up over SDP; Channel must be the channel the adapter publishes SPP on.
type SocketDialer struct {
	Channel uint8
}

// NewSocketDialer returns a dialer for the given RFCOMM channel
// (DefaultRFCOMMChannel if zero).
func NewSocketDialer(channel uint8) *SocketDialer {
	if channel == 0 {
		channel = DefaultRFCOMMChannel
	}
	return &SocketDialer{Channel: channel}
}

// Ready checks that the kernel supports Bluetooth RFCOMM sockets.
func (d *SocketDialer) Ready(_ context.Context) error {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return fmt.Errorf("%w: rfcomm socket: %w", ErrUnavailable, err)
	}
	_ = unix.Close(fd)
	return nil
}

// Dial connects to ep.Address on d.Channel. The connect handshake runs
// non-blocking and is abandoned when ctx is done.
func (d *SocketDialer) Dial(ctx context.Context, ep Endpoint, _ string) (Conn, error) {
	addr, err := ParseAddress(ep.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("%w: rfcomm socket: %w", ErrUnavailable, err)
	}
	sa := &unix.SockaddrRFCOMM{Addr: kernelAddr(addr), Channel: d.Channel}
	if err := connectFD(ctx, fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("connmgr: connect %s channel %d: %w", ep.Address, d.Channel, err)
	}
	return newFileConn(fd, "rfcomm:"+ep.Address)
}

func connectFD(ctx context.Context, fd int, sa unix.Sockaddr) error {
	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EINPROGRESS) && !errors.Is(err, unix.EAGAIN) {
		return err
	}
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Poll(pfd, connectPollMillis)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return err
		}
		if n > 0 {
			break
		}
	}
	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soErr != 0 {
		return syscall.Errno(soErr)
	}
	return nil
}

// kernelAddr converts a most-significant-first address into the
// little-endian bdaddr_t layout the kernel expects.
func kernelAddr(a [6]byte) [6]uint8 {
	var out [6]uint8
	for i := range a {
		out[i] = a[5-i]
	}
	return out
}
