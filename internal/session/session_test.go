package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bluetooth-obd/internal/connmgr"
	"bluetooth-obd/internal/metrics"
)

var testEndpoint = connmgr.Endpoint{Name: "OBDII", Address: "00:1D:A5:68:98:8B"}

func fastConfig() Config {
	return Config{
		TimeoutBudget:  20,
		PollInterval:   time.Millisecond,
		ConnectTimeout: time.Second,
	}
}

func newTestSession(t *testing.T, d *fakeDialer, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{WithConfig(fastConfig())}, opts...)
	return New(testEndpoint, d, opts...)
}

func connected(t *testing.T, opts ...Option) (*Session, *fakeConn) {
	t.Helper()
	d := &fakeDialer{}
	s := newTestSession(t, d, opts...)
	require.NoError(t, s.Connect(context.Background()))
	return s, d.lastConn()
}

func TestConnectInstallsTransport(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	s := newTestSession(t, d)
	assert.Equal(t, Disconnected, s.State())
	assert.True(t, s.invariantHolds())

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, Connected, s.State())
	assert.True(t, s.Connected())
	assert.True(t, s.invariantHolds())
	assert.Equal(t, testEndpoint, s.Endpoint())
}

func TestConnectUsesFixedServiceUUID(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	s := newTestSession(t, d)
	for i := 0; i < 2; i++ {
		require.NoError(t, s.Connect(context.Background()))
		require.NoError(t, s.Disconnect())
	}
	assert.Equal(t, []string{connmgr.SPPUUID, connmgr.SPPUUID}, d.uuids)
}

func TestConnectWhenAlreadyConnected(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	s := newTestSession(t, d)
	require.NoError(t, s.Connect(context.Background()))

	err := s.Connect(context.Background())
	require.ErrorIs(t, err, ErrAlreadyConnected)
	assert.Equal(t, 1, d.dialCount(), "no I/O on precondition failure")
	assert.Equal(t, Connected, s.State())
}

func TestConnectCapabilityUnavailable(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{readyErr: fmt.Errorf("%w: adapter powered off", connmgr.ErrUnavailable)}
	s := newTestSession(t, d)

	err := s.Connect(context.Background())
	require.ErrorIs(t, err, ErrCapabilityUnavailable)
	require.ErrorIs(t, err, connmgr.ErrUnavailable)
	assert.True(t, IsFatal(err))
	assert.Zero(t, d.dialCount())
	assert.Equal(t, Disconnected, s.State())
	assert.True(t, s.invariantHolds())
}

func TestConnectHandshakeFailed(t *testing.T) {
	t.Parallel()

	refused := errors.New("connection refused")
	d := &fakeDialer{dialErr: refused}
	s := newTestSession(t, d)

	err := s.Connect(context.Background())
	require.ErrorIs(t, err, ErrHandshakeFailed)
	require.ErrorIs(t, err, refused)

	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "connect", opErr.Op)
	assert.Equal(t, Disconnected, s.State())
	assert.True(t, s.invariantHolds())
}

func TestConnectResolutionFailureIsHandshakeFailure(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{dialErr: fmt.Errorf("%w: unknown", connmgr.ErrNotFound)}
	s := newTestSession(t, d)

	err := s.Connect(context.Background())
	require.ErrorIs(t, err, ErrHandshakeFailed)
	require.ErrorIs(t, err, connmgr.ErrNotFound)
}

func TestConnectTimeoutClosesLateTransport(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{hold: make(chan struct{})}
	cfg := fastConfig()
	cfg.ConnectTimeout = 20 * time.Millisecond
	s := New(testEndpoint, d, WithConfig(cfg))

	start := time.Now()
	err := s.Connect(context.Background())
	require.ErrorIs(t, err, ErrHandshakeFailed)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, Disconnected, s.State())

	close(d.hold)
	require.Eventually(t, func() bool {
		c := d.lastConn()
		return c != nil && c.isClosed()
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, Disconnected, s.State())
	assert.True(t, s.invariantHolds())
}

func TestConnectCanceledByCaller(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{hold: make(chan struct{})}
	defer close(d.hold)
	s := newTestSession(t, d)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	err := s.Connect(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Disconnected, s.State())
}

func TestDisconnectTwiceSucceeds(t *testing.T) {
	t.Parallel()

	s, conn := connected(t)
	require.NoError(t, s.Disconnect())
	require.NoError(t, s.Disconnect())
	assert.Equal(t, Disconnected, s.State())
	assert.True(t, conn.isClosed())
	assert.True(t, s.invariantHolds())
}

func TestDisconnectWithoutEverConnecting(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, &fakeDialer{})
	err := s.Disconnect()
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, Disconnected, s.State())
}

func TestDisconnectCloseErrorStillDisconnects(t *testing.T) {
	t.Parallel()

	closeErr := errors.New("socket already broken")
	d := &fakeDialer{newConn: func() *fakeConn { return &fakeConn{closeErr: closeErr} }}
	s := newTestSession(t, d)
	require.NoError(t, s.Connect(context.Background()))

	err := s.Disconnect()
	require.ErrorIs(t, err, ErrTransportFault)
	require.ErrorIs(t, err, closeErr)
	assert.Equal(t, Disconnected, s.State())
	assert.True(t, s.invariantHolds())

	require.NoError(t, s.Disconnect())
}

func TestReconnectAfterDisconnect(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	s := newTestSession(t, d)
	require.NoError(t, s.Connect(context.Background()))
	first := d.lastConn()
	require.NoError(t, s.Disconnect())
	require.NoError(t, s.Connect(context.Background()))

	assert.NotSame(t, first, d.lastConn())
	assert.True(t, first.isClosed())
	assert.Equal(t, Connected, s.State())
}

func TestSendWritesCanonicalFrame(t *testing.T) {
	t.Parallel()

	s, conn := connected(t)
	require.NoError(t, s.Send(context.Background(), "0100"))
	require.NoError(t, s.Send(context.Background(), "01\r0C\n"))
	assert.Equal(t, "0100\r\n010C\r\n", conn.writtenString())
}

func TestSendRejectsInvalidPayloadBeforeIO(t *testing.T) {
	t.Parallel()

	s, conn := connected(t)
	err := s.Send(context.Background(), "")
	require.ErrorIs(t, err, ErrInvalidPayload)
	err = s.Send(context.Background(), "\r\n")
	require.ErrorIs(t, err, ErrInvalidPayload)
	assert.Empty(t, conn.writtenString())
	assert.Equal(t, Connected, s.State())

	idle := newTestSession(t, &fakeDialer{})
	require.ErrorIs(t, idle.Send(context.Background(), ""), ErrInvalidPayload)
}

func TestSendWaitsSettleDelay(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.SettleDelay = 30 * time.Millisecond
	d := &fakeDialer{}
	s := New(testEndpoint, d, WithConfig(cfg))
	require.NoError(t, s.Connect(context.Background()))

	start := time.Now()
	require.NoError(t, s.Send(context.Background(), "ATZ"))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestSendFlushFailureIsTransportFault(t *testing.T) {
	t.Parallel()

	flushErr := errors.New("broken pipe")
	events := &eventLog{}
	d := &fakeDialer{newConn: func() *fakeConn { return &fakeConn{flushErr: flushErr} }}
	s := newTestSession(t, d, WithNotifier(events))
	require.NoError(t, s.Connect(context.Background()))

	err := s.Send(context.Background(), "0100")
	require.ErrorIs(t, err, ErrTransportFault)
	require.ErrorIs(t, err, flushErr)
	assert.True(t, IsFatal(err))
	assert.Equal(t, Disconnected, s.State())
	assert.True(t, d.lastConn().isClosed())
	assert.True(t, s.invariantHolds())
	assert.Equal(t, []EventKind{EventConnected, EventTransportFault, EventDisconnected}, events.kinds())
}

func TestReceiveReturnsFrameWithoutDelimiter(t *testing.T) {
	t.Parallel()

	s, conn := connected(t)
	conn.push("41 0C 1A FF\r\r>")

	frame, err := s.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "41 0C 1A FF", frame)
}

func TestReceiveReassemblesPartialReads(t *testing.T) {
	t.Parallel()

	s, conn := connected(t)
	conn.push("41 0", "C 1A", " FF\r", "\r", ">")

	frame, err := s.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "41 0C 1A FF", frame)
}

func TestReceiveKeepsBytesAfterDelimiter(t *testing.T) {
	t.Parallel()

	s, conn := connected(t)
	conn.push("OK\r\r>41 00 BE", " 3F A8 13\r\r>")

	first, err := s.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "OK", first)

	second, err := s.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "41 00 BE 3F A8 13", second)
}

func TestReceiveConfiguredDelimiter(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.Delimiter = '\n'
	d := &fakeDialer{}
	s := New(testEndpoint, d, WithConfig(cfg))
	require.NoError(t, s.Connect(context.Background()))
	d.lastConn().push("ELM327 v1.5\r\n")

	frame, err := s.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ELM327 v1.5", frame)
}

func TestReceiveTimesOutWithoutBytes(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	s, _ := connected(t, WithMetrics(m))

	start := time.Now()
	_, err := s.Receive(context.Background())
	require.ErrorIs(t, err, ErrReceiveTimeout)
	assert.False(t, errors.Is(err, ErrTransportFault))
	assert.True(t, IsRetryable(err))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, Connected, s.State(), "a timeout keeps the session")
	assert.Equal(t, int64(1), m.Snapshot().ReceiveTimeouts)
}

func TestReceiveTimeoutCounterResetsOnData(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.TimeoutBudget = 3
	d := &fakeDialer{newConn: func() *fakeConn { return &fakeConn{idleBetween: 2} }}
	s := New(testEndpoint, d, WithConfig(cfg))
	require.NoError(t, s.Connect(context.Background()))

	// 12 empty polls in total, but never 3 in a row.
	d.lastConn().push("4", "1", " ", "0", "0", ">")

	frame, err := s.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "41 00", frame)
}

func TestReceiveTransportFaultDropsSession(t *testing.T) {
	t.Parallel()

	events := &eventLog{}
	readErr := errors.New("connection reset by peer")
	d := &fakeDialer{newConn: func() *fakeConn { return &fakeConn{availErr: readErr} }}
	s := newTestSession(t, d, WithNotifier(events))
	require.NoError(t, s.Connect(context.Background()))

	_, err := s.Receive(context.Background())
	require.ErrorIs(t, err, ErrTransportFault)
	require.ErrorIs(t, err, readErr)
	assert.False(t, errors.Is(err, ErrReceiveTimeout))
	assert.Equal(t, Disconnected, s.State())
	assert.True(t, s.invariantHolds())
	assert.Equal(t, []EventKind{EventConnected, EventTransportFault, EventDisconnected}, events.kinds())

	_, err = s.Receive(context.Background())
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestReceiveCanceledByContext(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.TimeoutBudget = 1_000_000
	d := &fakeDialer{}
	s := New(testEndpoint, d, WithConfig(cfg))
	require.NoError(t, s.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := s.Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, Connected, s.State())
}

func TestReceiveAfterCancelKeepsPartialFrame(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.TimeoutBudget = 1_000_000
	d := &fakeDialer{}
	s := New(testEndpoint, d, WithConfig(cfg))
	require.NoError(t, s.Connect(context.Background()))
	conn := d.lastConn()
	conn.push("41 0C")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	conn.push(" 1A FF\r>")
	frame, err := s.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "41 0C 1A FF", frame)
}

func TestSendWhileReceiveInFlight(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.TimeoutBudget = 500
	d := &fakeDialer{newConn: func() *fakeConn {
		return &fakeConn{reply: func(cmd string) string { return cmd + "\r41 0D 32\r\r>" }}
	}}
	s := New(testEndpoint, d, WithConfig(cfg))
	require.NoError(t, s.Connect(context.Background()))

	type result struct {
		frame string
		err   error
	}
	got := make(chan result, 1)
	go func() {
		f, err := s.Receive(context.Background())
		got <- result{f, err}
	}()

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.Send(context.Background(), "010D"))

	r := <-got
	require.NoError(t, r.err)
	assert.Equal(t, "010D41 0D 32", r.frame)
}

func TestDisconnectDuringReceive(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.TimeoutBudget = 1_000_000
	d := &fakeDialer{}
	s := New(testEndpoint, d, WithConfig(cfg))
	require.NoError(t, s.Connect(context.Background()))

	errc := make(chan error, 1)
	go func() {
		_, err := s.Receive(context.Background())
		errc <- err
	}()
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.Disconnect())

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrTransportFault)
	case <-time.After(time.Second):
		t.Fatal("receive did not return after disconnect")
	}
	assert.Equal(t, Disconnected, s.State())
	assert.True(t, s.invariantHolds())
}

func TestEndToEndQuery(t *testing.T) {
	t.Parallel()

	events := &eventLog{}
	m := metrics.New()
	d := &fakeDialer{newConn: func() *fakeConn {
		return &fakeConn{reply: func(cmd string) string {
			if cmd == "0100" {
				return "41 00 BE 3F A8 13\r\r>"
			}
			return "?\r\r>"
		}}
	}}
	s := newTestSession(t, d, WithNotifier(events), WithMetrics(m))

	var violations atomic.Int64
	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				if !s.invariantHolds() {
					violations.Add(1)
				}
			}
		}
	}()

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Send(context.Background(), "0100"))
	frame, err := s.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "41 00 BE 3F A8 13", frame)

	reply, err := s.Query(context.Background(), "ZZ")
	require.NoError(t, err)
	assert.Equal(t, "?", reply)

	require.NoError(t, s.Disconnect())

	require.ErrorIs(t, s.Send(context.Background(), "0100"), ErrNotConnected)
	_, err = s.Receive(context.Background())
	require.ErrorIs(t, err, ErrNotConnected)

	close(stop)
	wg.Wait()
	assert.Zero(t, violations.Load())

	assert.Equal(t, []EventKind{
		EventConnected,
		EventFrameSent, EventFrameReceived,
		EventFrameSent, EventFrameReceived,
		EventDisconnected,
	}, events.kinds())

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap.Connects)
	assert.Equal(t, int64(2), snap.FramesSent)
	assert.Equal(t, int64(2), snap.FramesReceived)
	assert.Equal(t, int64(1), snap.Disconnects)
}

func TestNotifierMayCallBack(t *testing.T) {
	t.Parallel()

	var s *Session
	var states []State
	s = newTestSession(t, &fakeDialer{}, WithNotifier(NotifierFunc(func(e Event) {
		states = append(states, s.State())
		assert.Equal(t, testEndpoint, e.Endpoint)
		assert.False(t, e.Time.IsZero())
	})))

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Disconnect())
	assert.Equal(t, []State{Connected, Disconnected}, states)
}

// within fails the test if fn does not return in time, instead of hanging.
func within(t *testing.T, d time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("call did not return")
	}
}

func TestNotifierMayDisconnectOnConnected(t *testing.T) {
	t.Parallel()

	var s *Session
	var disconnectErr error
	d := &fakeDialer{}
	s = newTestSession(t, d, WithNotifier(NotifierFunc(func(e Event) {
		if e.Kind == EventConnected {
			disconnectErr = s.Disconnect()
		}
	})))

	within(t, 2*time.Second, func() {
		assert.NoError(t, s.Connect(context.Background()))
	})
	require.NoError(t, disconnectErr)
	assert.Equal(t, Disconnected, s.State())
	assert.True(t, d.lastConn().isClosed())
}

func TestNotifierMayReceiveOnFrameReceived(t *testing.T) {
	t.Parallel()

	var s *Session
	var next string
	s, conn := connected(t, WithNotifier(NotifierFunc(func(e Event) {
		if e.Kind == EventFrameReceived && e.Frame == "OK" {
			next, _ = s.Receive(context.Background())
		}
	})))
	conn.push("OK\r>41 00 BE 3E B8 11\r>")

	within(t, 2*time.Second, func() {
		frame, err := s.Receive(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, "OK", frame)
	})
	assert.Equal(t, "41 00 BE 3E B8 11", next)
}

func TestNotifierMaySendOnFault(t *testing.T) {
	t.Parallel()

	var s *Session
	var sendErr error
	flushErr := errors.New("link lost")
	d := &fakeDialer{newConn: func() *fakeConn { return &fakeConn{flushErr: flushErr} }}
	s = newTestSession(t, d, WithNotifier(NotifierFunc(func(e Event) {
		if e.Kind == EventTransportFault {
			sendErr = s.Send(context.Background(), "ATZ")
		}
	})))
	require.NoError(t, s.Connect(context.Background()))

	within(t, 2*time.Second, func() {
		err := s.Send(context.Background(), "0100")
		assert.ErrorIs(t, err, ErrTransportFault)
	})
	require.ErrorIs(t, sendErr, ErrNotConnected)
}

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "transport fault", EventTransportFault.String())
}
