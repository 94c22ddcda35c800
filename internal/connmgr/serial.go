package connmgr

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.bug.st/serial"
)

const (
	// DefaultSerialPath is where `rfcomm bind` exposes the first bound device.
	DefaultSerialPath = "/dev/rfcomm0"

	// DefaultBaudRate is the ELM327 factory rate. Ignored by RFCOMM TTYs
	// but required by real UART bridges.
	DefaultBaudRate = 38400

	// serialPollTimeout is the read timeout Available uses to sample the port.
	serialPollTimeout = time.Millisecond

	serialChunk = 256
)

// SerialDialer opens a serial device already bound to the remote SPP
// service: /dev/rfcomm0 on Linux, the outgoing Bluetooth COM port on
// Windows, /dev/cu.<name> on macOS. The endpoint only names the session;
// the OS binding decides which device answers.
type SerialDialer struct {
	Path     string
	BaudRate int
}

// NewSerialDialer returns a dialer for path, filling defaults for empty
// values.
func NewSerialDialer(path string, baud int) *SerialDialer {
	if path == "" {
		path = DefaultSerialPath
	}
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	return &SerialDialer{Path: path, BaudRate: baud}
}

// Ready checks that the device node exists.
func (d *SerialDialer) Ready(_ context.Context) error {
	if _, err := os.Stat(d.Path); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// Dial opens the port. Opening an unbound-but-configured RFCOMM TTY is what
// triggers the Bluetooth connect, so this may block for seconds.
func (d *SerialDialer) Dial(ctx context.Context, _ Endpoint, _ string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mode := &serial.Mode{
		BaudRate: d.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(d.Path, mode)
	if err != nil {
		return nil, fmt.Errorf("connmgr: open %s: %w", d.Path, err)
	}
	if err := port.SetReadTimeout(serialPollTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("connmgr: set read timeout: %w", err)
	}
	if err := ctx.Err(); err != nil {
		_ = port.Close()
		return nil, err
	}
	return newSerialConn(port), nil
}

// serialPort is the part of serial.Port the conn relies on.
type serialPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Drain() error
	ResetInputBuffer() error
	Close() error
}

// serialConn adapts a serial port to Conn. Serial drivers have no portable
// "bytes waiting" query, so Available samples the port with a short read
// timeout and keeps what it got for the next Read.
type serialConn struct {
	port    serialPort
	pending []byte
	scratch []byte
}

func newSerialConn(port serialPort) *serialConn {
	return &serialConn{port: port, scratch: make([]byte, serialChunk)}
}

func (c *serialConn) Available() (int, error) {
	if len(c.pending) > 0 {
		return len(c.pending), nil
	}
	n, err := c.port.Read(c.scratch)
	if n > 0 {
		c.pending = append(c.pending, c.scratch[:n]...)
	}
	if err != nil {
		return len(c.pending), err
	}
	return len(c.pending), nil
}

func (c *serialConn) Read(p []byte) (int, error) {
	if len(c.pending) > 0 {
		n := copy(p, c.pending)
		c.pending = c.pending[n:]
		return n, nil
	}
	return c.port.Read(p)
}

func (c *serialConn) Write(p []byte) (int, error) { return c.port.Write(p) }

// Flush waits until the driver has transmitted everything written.
func (c *serialConn) Flush() error { return c.port.Drain() }

// CloseRead discards unread driver input; a serial line has no half-close.
func (c *serialConn) CloseRead() error { return c.port.ResetInputBuffer() }

func (c *serialConn) CloseWrite() error { return nil }

func (c *serialConn) Close() error { return c.port.Close() }
