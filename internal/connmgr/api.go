// Package connmgr prepares byte-stream links to a remote Serial Port Profile
// (RFCOMM) service. It knows how to reach an already identified device; it
// does not scan for devices and does not frame messages.
//
// Three dialers are provided: ProfileDialer goes through BlueZ over D-Bus and
// receives the RFCOMM socket FD from a registered Profile1, SocketDialer opens
// an RFCOMM socket directly, and SerialDialer opens a serial device the OS
// has already bound to the remote service.
//
// Thread-safety: a Conn supports one concurrent reader and one concurrent
// writer. Close may be called from any goroutine.
package connmgr

import (
	"context"
	"errors"
	"io"
)

const (
	// SPPUUID is the Serial Port Profile UUID used for RFCOMM connections.
	SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

	// DefaultRFCOMMChannel is the RFCOMM channel most OBD-II adapters expose
	// their SPP service on.
	DefaultRFCOMMChannel uint8 = 1
)

var (
	// ErrUnavailable reports that the local Bluetooth stack is missing,
	// has no adapter, or the adapter is powered off.
	ErrUnavailable = errors.New("connmgr: bluetooth unavailable")

	// ErrNotFound reports that the endpoint could not be resolved to a
	// remote device.
	ErrNotFound = errors.New("connmgr: device not found")

	// ErrClosed is returned by a dialer after Close.
	ErrClosed = errors.New("connmgr: closed")
)

// Endpoint identifies a remote device as handed over by discovery.
type Endpoint struct {
	Name    string // display name from the scan, may be empty
	Address string // Bluetooth device address, e.g. 00:1D:A5:68:98:8B
}

// Equal reports whether both the display name and the address match.
func (e Endpoint) Equal(o Endpoint) bool {
	return e.Name == o.Name && e.Address == o.Address
}

func (e Endpoint) String() string {
	if e.Name == "" {
		return e.Address
	}
	return e.Name + " (" + e.Address + ")"
}

// Conn is an open bidirectional byte stream to the remote service.
type Conn interface {
	io.ReadWriteCloser

	// Available returns the number of bytes that can be read without
	// blocking. It returns 0, nil when nothing is pending.
	Available() (int, error)

	// Flush pushes buffered writes towards the link.
	Flush() error

	// CloseRead and CloseWrite shut down one direction of the stream.
	CloseRead() error
	CloseWrite() error
}

// Dialer opens Conns to remote endpoints.
type Dialer interface {
	// Ready checks that local Bluetooth support is present and enabled.
	// Failures wrap ErrUnavailable.
	Ready(ctx context.Context) error

	// Dial resolves ep and connects to the service identified by uuid.
	// Resolution failures wrap ErrNotFound. Context cancellation and
	// deadlines are propagated.
	Dial(ctx context.Context, ep Endpoint, uuid string) (Conn, error)
}
