// Package session is the client side of an OBD-II adapter link: it owns the
// connection to one remote endpoint and exchanges line-framed text with it.
//
// Connect and Receive are blocking calls whose I/O runs on a short-lived
// worker goroutine the caller joins, so a caller on a constrained thread
// (UI loop, event loop) only ever waits on a channel. At most one Connect,
// Disconnect or Receive should be in flight per Session; Send may overlap a
// Receive.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bluetooth-obd/internal/connmgr"
	"bluetooth-obd/internal/metrics"
)

// State is the connection state of a Session.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Session manages the link to one endpoint.
type Session struct {
	endpoint connmgr.Endpoint
	dialer   connmgr.Dialer
	cfg      Config
	log      zerolog.Logger
	notifier Notifier
	metrics  *metrics.Collector

	lifeMu sync.Mutex // serializes Connect and Disconnect

	stateMu     sync.Mutex
	state       State
	conn        connmgr.Conn // non-nil iff state == Connected
	established bool         // a conn was installed at least once

	writeMu sync.Mutex

	readMu   sync.Mutex
	residual []byte // bytes after the last delimiter, guarded by readMu
}

// New creates a disconnected Session bound to ep.
func New(ep connmgr.Endpoint, dialer connmgr.Dialer, opts ...Option) *Session {
	s := &Session{
		endpoint: ep,
		dialer:   dialer,
		cfg:      DefaultConfig(),
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("endpoint", ep.String()).Logger()
	return s
}

// Endpoint returns the identity the Session was created for.
func (s *Session) Endpoint() connmgr.Endpoint { return s.endpoint }

// State returns the current state.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// Connected reports whether a transport is installed.
func (s *Session) Connected() bool { return s.State() == Connected }

type dialResult struct {
	conn connmgr.Conn
	err  error
}

// Connect establishes the transport. The capability check and the dial run
// on a worker goroutine; Connect waits for it, for ctx, or for
// Config.ConnectTimeout, whichever comes first.
func (s *Session) Connect(ctx context.Context) error {
	s.lifeMu.Lock()
	err := s.connect(ctx)
	s.lifeMu.Unlock()
	if err != nil {
		return err
	}
	s.emit(Event{Kind: EventConnected})
	return nil
}

// connect runs with lifeMu held.
func (s *Session) connect(ctx context.Context) error {
	s.stateMu.Lock()
	if s.state == Connected {
		s.stateMu.Unlock()
		return s.opError("connect", ErrAlreadyConnected, nil)
	}
	s.state = Connecting
	s.stateMu.Unlock()

	if s.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
	}

	s.log.Info().Str("service", s.cfg.ServiceUUID).Msg("connecting")
	start := time.Now()

	done := make(chan dialResult, 1)
	go func() {
		if err := s.dialer.Ready(ctx); err != nil {
			done <- dialResult{err: err}
			return
		}
		conn, err := s.dialer.Dial(ctx, s.endpoint, s.cfg.ServiceUUID)
		done <- dialResult{conn: conn, err: err}
	}()

	var res dialResult
	select {
	case res = <-done:
	case <-ctx.Done():
		// The dial may still complete; close whatever it produces.
		go func() {
			if late := <-done; late.conn != nil {
				_ = late.conn.Close()
			}
		}()
		res.err = ctx.Err()
	}

	if res.err != nil {
		s.stateMu.Lock()
		s.state = Disconnected
		s.stateMu.Unlock()

		kind := ErrHandshakeFailed
		if errors.Is(res.err, connmgr.ErrUnavailable) {
			kind = ErrCapabilityUnavailable
		}
		s.metrics.ConnectFailed(res.err)
		s.log.Warn().Err(res.err).Dur("elapsed", time.Since(start)).Msg("connect failed")
		return s.opError("connect", kind, res.err)
	}

	s.readMu.Lock()
	s.residual = nil
	s.readMu.Unlock()

	s.stateMu.Lock()
	s.conn = res.conn
	s.state = Connected
	s.established = true
	s.stateMu.Unlock()

	s.metrics.Connected()
	s.log.Info().Dur("elapsed", time.Since(start)).Msg("connected")
	return nil
}

// Disconnect closes both directions of the transport and the transport
// itself, then leaves the Session Disconnected. Calling it again after a
// connection existed is a no-op; calling it on a Session that never
// connected reports ErrNotConnected. A failing close is reported as
// ErrTransportFault, but the Session is Disconnected regardless.
func (s *Session) Disconnect() error {
	s.lifeMu.Lock()
	closed, err := s.disconnect()
	s.lifeMu.Unlock()
	if closed {
		s.emit(Event{Kind: EventDisconnected})
	}
	return err
}

// disconnect runs with lifeMu held. closed reports whether a conn was torn
// down.
func (s *Session) disconnect() (closed bool, err error) {
	s.stateMu.Lock()
	conn := s.conn
	if conn == nil {
		established := s.established
		s.state = Disconnected
		s.stateMu.Unlock()
		if !established {
			return false, s.opError("disconnect", ErrNotConnected, nil)
		}
		return false, nil
	}
	cerr := closeConn(conn)
	s.conn = nil
	s.state = Disconnected
	s.stateMu.Unlock()

	s.metrics.Disconnected()
	if cerr != nil {
		s.log.Warn().Err(cerr).Msg("disconnected with close error")
		return true, s.opError("disconnect", ErrTransportFault, cerr)
	}
	s.log.Info().Msg("disconnected")
	return true, nil
}

// transport returns the installed conn, or nil.
func (s *Session) transport() connmgr.Conn {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.conn
}

// fault tears the link down after an I/O error on conn. A stale conn, one
// already replaced or dropped, leaves the state alone. Callers must not
// hold readMu or writeMu.
func (s *Session) fault(op string, conn connmgr.Conn, cause error) error {
	s.stateMu.Lock()
	current := s.conn == conn
	if current {
		_ = closeConn(conn)
		s.conn = nil
		s.state = Disconnected
	}
	s.stateMu.Unlock()

	if current {
		s.metrics.TransportFault(cause)
		s.metrics.Disconnected()
		s.log.Warn().Err(cause).Str("op", op).Msg("transport fault")
		s.emit(Event{Kind: EventTransportFault, Err: cause})
		s.emit(Event{Kind: EventDisconnected})
	}
	return s.opError(op, ErrTransportFault, cause)
}

func closeConn(c connmgr.Conn) error {
	return errors.Join(c.CloseRead(), c.CloseWrite(), c.Close())
}

func (s *Session) emit(e Event) {
	if s.notifier == nil {
		return
	}
	e.Endpoint = s.endpoint
	e.Time = time.Now()
	s.notifier.Notify(e)
}

func (s *Session) opError(op string, kind, err error) error {
	return &OpError{Op: op, Endpoint: s.endpoint.String(), Kind: kind, Err: err}
}
