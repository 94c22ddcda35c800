package session

import (
	"context"
	"io"
	"time"

	"bluetooth-obd/internal/connmgr"
)

// Send writes msg as one frame: embedded \r and \n removed, \r\n appended,
// flushed, then held for the settle delay so a following Receive does not
// race the link. Invalid payloads are rejected before anything else.
func (s *Session) Send(ctx context.Context, msg string) error {
	frame, err := EncodeFrame(msg)
	if err != nil {
		return s.opError("send", ErrInvalidPayload, nil)
	}
	conn := s.transport()
	if conn == nil {
		return s.opError("send", ErrNotConnected, nil)
	}

	if err := s.writeFrame(ctx, conn, frame); err != nil {
		return s.fault("send", conn, err)
	}

	sent := string(frame[:len(frame)-len(Terminator)])
	s.metrics.FrameSent(len(frame))
	s.log.Debug().Str("frame", sent).Msg("sent")
	s.emit(Event{Kind: EventFrameSent, Frame: sent})
	return nil
}

// writeFrame writes and flushes frame under writeMu, then holds the lock
// for the settle delay so the next frame cannot crowd the adapter.
func (s *Session) writeFrame(ctx context.Context, conn connmgr.Conn, frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := conn.Write(frame); err != nil {
		return err
	}
	if err := conn.Flush(); err != nil {
		return err
	}

	if s.cfg.SettleDelay > 0 {
		t := time.NewTimer(s.cfg.SettleDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			// The frame is already on the wire; only the pause is cut short.
		}
	}
	return nil
}

type receiveResult struct {
	frame string
	ioErr error // link failure, handled by fault once readMu is released
	err   error
}

// Receive returns the next frame: every byte up to the configured
// delimiter, with carriage returns removed. The polling runs on a worker
// goroutine that Receive joins. It fails with ErrReceiveTimeout after
// Config.TimeoutBudget consecutive empty polls (the session stays
// connected), with ErrTransportFault when the link breaks (the session is
// torn down), or with ctx's error when ctx is done first.
func (s *Session) Receive(ctx context.Context) (string, error) {
	conn := s.transport()
	if conn == nil {
		return "", s.opError("receive", ErrNotConnected, nil)
	}

	s.readMu.Lock()
	done := make(chan receiveResult, 1)
	go func() {
		done <- s.pollFrame(ctx, conn)
	}()
	res := <-done
	s.readMu.Unlock()

	if res.ioErr != nil {
		return "", s.fault("receive", conn, res.ioErr)
	}
	if res.err != nil {
		return "", res.err
	}
	s.metrics.FrameReceived()
	s.log.Debug().Str("frame", res.frame).Msg("received")
	s.emit(Event{Kind: EventFrameReceived, Frame: res.frame})
	return res.frame, nil
}

// pollFrame is the receive loop. Callers hold readMu.
func (s *Session) pollFrame(ctx context.Context, conn connmgr.Conn) receiveResult {
	var acc []byte
	found := false

	if len(s.residual) > 0 {
		pending := s.residual
		s.residual = nil
		var rest []byte
		acc, rest, found = scanPacket(acc, pending, s.cfg.Delimiter)
		if found {
			s.residual = rest
			return receiveResult{frame: string(acc)}
		}
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	idle := 0
	for !found && idle < s.cfg.TimeoutBudget {
		if err := ctx.Err(); err != nil {
			s.residual = acc
			return receiveResult{err: s.opError("receive", err, nil)}
		}

		n, err := conn.Available()
		if err != nil {
			return receiveResult{ioErr: err}
		}
		if n > 0 {
			packet := make([]byte, n)
			got, err := io.ReadFull(conn, packet)
			if err != nil {
				return receiveResult{ioErr: err}
			}
			s.metrics.BytesReceived(got)

			var rest []byte
			acc, rest, found = scanPacket(acc, packet[:got], s.cfg.Delimiter)
			if found && len(rest) > 0 {
				s.residual = append([]byte(nil), rest...)
			}
			idle = 0
			continue
		}

		idle++
		if idle >= s.cfg.TimeoutBudget {
			break
		}
		if timer == nil {
			timer = time.NewTimer(s.cfg.PollInterval)
		} else {
			timer.Reset(s.cfg.PollInterval)
		}
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
	}

	if !found {
		s.metrics.ReceiveTimeout()
		s.log.Debug().Int("partial", len(acc)).Msg("receive timed out")
		return receiveResult{err: s.opError("receive", ErrReceiveTimeout, nil)}
	}
	return receiveResult{frame: string(acc)}
}

// Query sends msg and waits for the reply frame.
func (s *Session) Query(ctx context.Context, msg string) (string, error) {
	if err := s.Send(ctx, msg); err != nil {
		return "", err
	}
	return s.Receive(ctx)
}
