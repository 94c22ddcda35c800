//go:build !linux

package connmgr

import (
	"context"
	"fmt"
	"runtime"
)

// ProfileDialer needs BlueZ and is only functional on Linux.
type ProfileDialer struct{}

func NewProfileDialer() *ProfileDialer { return &ProfileDialer{} }

func (d *ProfileDialer) Ready(context.Context) error {
	return fmt.Errorf("%w: bluez profile dialer not supported on %s", ErrUnavailable, runtime.GOOS)
}

func (d *ProfileDialer) Dial(ctx context.Context, _ Endpoint, _ string) (Conn, error) {
	return nil, d.Ready(ctx)
}

func (d *ProfileDialer) Close() error { return nil }

// SocketDialer needs AF_BLUETOOTH sockets and is only functional on Linux.
type SocketDialer struct {
	Channel uint8
}

func NewSocketDialer(channel uint8) *SocketDialer { return &SocketDialer{Channel: channel} }

func (d *SocketDialer) Ready(context.Context) error {
	return fmt.Errorf("%w: rfcomm sockets not supported on %s", ErrUnavailable, runtime.GOOS)
}

func (d *SocketDialer) Dial(ctx context.Context, _ Endpoint, _ string) (Conn, error) {
	return nil, d.Ready(ctx)
}
