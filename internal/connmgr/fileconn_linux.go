//go:build linux

package connmgr

import (
	"fmt"
	"io"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// fileConn is a Conn over a connected RFCOMM socket FD.
//
// The FD is switched to non-blocking mode before it is wrapped so that
// os.File hands it to the runtime poller; a Close from another goroutine
// then safely unblocks pending I/O.
type fileConn struct {
	f  *os.File
	rc syscall.RawConn
}

// newFileConn takes ownership of fd. On error fd is closed.
func newFileConn(fd int, name string) (*fileConn, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("connmgr: set nonblock: %w", err)
	}
	f := os.NewFile(uintptr(fd), name)
	rc, err := f.SyscallConn()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("connmgr: raw conn: %w", err)
	}
	return &fileConn{f: f, rc: rc}, nil
}

func (c *fileConn) Read(p []byte) (int, error)  { return c.f.Read(p) }
func (c *fileConn) Write(p []byte) (int, error) { return c.f.Write(p) }

// Available asks the kernel how many bytes sit in the receive queue. An
// empty queue on a link the peer has hung up reports io.EOF, so a dead link
// is not mistaken for a quiet one.
func (c *fileConn) Available() (int, error) {
	var (
		n     int
		ierr  error
		hup   bool
		soerr int
	)
	if err := c.rc.Control(func(fd uintptr) {
		n, ierr = unix.IoctlGetInt(int(fd), unix.SIOCINQ)
		if ierr != nil || n > 0 {
			return
		}
		pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN | unix.POLLRDHUP}}
		if got, perr := unix.Poll(pfd, 0); perr != nil || got == 0 {
			return
		}
		if pfd[0].Revents&unix.POLLERR != 0 {
			soerr, _ = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ERROR)
		}
		hup = pfd[0].Revents&(unix.POLLHUP|unix.POLLRDHUP|unix.POLLERR) != 0
	}); err != nil {
		return 0, err
	}
	if ierr != nil {
		return 0, fmt.Errorf("connmgr: SIOCINQ: %w", ierr)
	}
	if soerr != 0 {
		return 0, fmt.Errorf("connmgr: socket error: %w", unix.Errno(soerr))
	}
	if hup {
		return 0, fmt.Errorf("connmgr: peer hung up: %w", io.EOF)
	}
	return n, nil
}

// Flush is a no-op: socket writes go straight to the kernel send queue.
func (c *fileConn) Flush() error { return nil }

func (c *fileConn) CloseRead() error  { return c.shutdown(unix.SHUT_RD) }
func (c *fileConn) CloseWrite() error { return c.shutdown(unix.SHUT_WR) }

func (c *fileConn) shutdown(how int) error {
	var serr error
	if err := c.rc.Control(func(fd uintptr) {
		serr = unix.Shutdown(int(fd), how)
	}); err != nil {
		return err
	}
	// Peer already gone: nothing left to shut down.
	if serr == unix.ENOTCONN {
		return nil
	}
	return serr
}

func (c *fileConn) Close() error { return c.f.Close() }
