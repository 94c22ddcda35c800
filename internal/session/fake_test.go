package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"bluetooth-obd/internal/connmgr"
)

var errFakeClosed = errors.New("fake: closed")

// fakeConn is an in-memory link. Each queued chunk becomes visible to one
// Available call, like bytes trickling in over RFCOMM.
type fakeConn struct {
	mu      sync.Mutex
	chunks  [][]byte
	buf     []byte
	written bytes.Buffer
	closed  bool

	// idleBetween empty polls are reported before each chunk.
	idleBetween int
	idle        int

	availErr error
	writeErr error
	flushErr error
	closeErr error

	// reply simulates the adapter: called with each written frame
	// (terminator removed), its result is queued for reading.
	reply func(cmd string) string
}

func (c *fakeConn) push(chunks ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range chunks {
		c.chunks = append(c.chunks, []byte(ch))
	}
}

func (c *fakeConn) Available() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, errFakeClosed
	}
	if c.availErr != nil {
		return 0, c.availErr
	}
	if len(c.buf) == 0 && len(c.chunks) > 0 {
		if c.idle < c.idleBetween {
			c.idle++
			return 0, nil
		}
		c.idle = 0
		c.buf = c.chunks[0]
		c.chunks = c.chunks[1:]
	}
	return len(c.buf), nil
}

func (c *fakeConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, errFakeClosed
	}
	if len(c.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, errFakeClosed
	}
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.written.Write(p)
	if c.reply != nil {
		cmd := strings.TrimSuffix(string(p), "\r\n")
		if out := c.reply(cmd); out != "" {
			c.chunks = append(c.chunks, []byte(out))
		}
	}
	return len(p), nil
}

func (c *fakeConn) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushErr
}

func (c *fakeConn) CloseRead() error  { return nil }
func (c *fakeConn) CloseWrite() error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.closeErr
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) writtenString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written.String()
}

// fakeDialer hands out conns from newConn. When hold is non-nil Dial waits
// on it, ignoring ctx, before returning.
type fakeDialer struct {
	mu       sync.Mutex
	readyErr error
	dialErr  error
	newConn  func() *fakeConn
	hold     chan struct{}
	dials    int
	uuids    []string
	conns    []*fakeConn
}

func (d *fakeDialer) Ready(context.Context) error { return d.readyErr }

func (d *fakeDialer) Dial(_ context.Context, _ connmgr.Endpoint, uuid string) (connmgr.Conn, error) {
	d.mu.Lock()
	d.dials++
	d.uuids = append(d.uuids, uuid)
	hold := d.hold
	d.mu.Unlock()

	if hold != nil {
		<-hold
	}
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	c := &fakeConn{}
	if d.newConn != nil {
		c = d.newConn()
	}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// eventLog records notified events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Notify(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventKind, len(l.events))
	for i, e := range l.events {
		out[i] = e.Kind
	}
	return out
}

// invariantHolds reports whether conn presence matches the Connected state.
func (s *Session) invariantHolds() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return (s.conn != nil) == (s.state == Connected)
}
